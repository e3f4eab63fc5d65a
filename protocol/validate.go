package protocol

import (
	"fmt"
	"math"
	"regexp"

	"github.com/gleitzeit/gleitzeit/core"
)

// validateParams checks a parameter map against a schema and returns a
// normalized copy with defaults applied for absent optional keys.
func validateParams(schema map[string]*ParameterSpec, params map[string]interface{}, allowAdditional bool) (map[string]interface{}, error) {
	normalized := make(map[string]interface{}, len(params))
	for k, v := range params {
		normalized[k] = v
	}

	for name, ps := range schema {
		value, present := normalized[name]
		if !present {
			if ps.Required {
				return nil, invalid(name, "required parameter missing")
			}
			if ps.Default != nil {
				normalized[name] = ps.Default
			}
			continue
		}
		if err := validateValue(name, ps, value); err != nil {
			return nil, err
		}
	}

	if !allowAdditional {
		for name := range params {
			if _, declared := schema[name]; !declared {
				return nil, invalid(name, "unknown parameter")
			}
		}
	}

	return normalized, nil
}

// validateValue checks a single value against its spec. path names the
// value's location in the parameter tree for error reporting.
func validateValue(path string, ps *ParameterSpec, value interface{}) error {
	if value == nil {
		if ps.Type == TypeNull {
			return nil
		}
		return invalid(path, fmt.Sprintf("expected %s, got null", ps.Type))
	}

	switch ps.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return invalid(path, fmt.Sprintf("expected string, got %T", value))
		}
		return validateString(path, ps, s)

	case TypeInteger:
		n, ok := asNumber(value)
		if !ok || n != math.Trunc(n) {
			return invalid(path, fmt.Sprintf("expected integer, got %v", value))
		}
		return validateBounds(path, ps, n)

	case TypeNumber:
		// integer is a subset of number
		n, ok := asNumber(value)
		if !ok {
			return invalid(path, fmt.Sprintf("expected number, got %T", value))
		}
		return validateBounds(path, ps, n)

	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return invalid(path, fmt.Sprintf("expected boolean, got %T", value))
		}
		return nil

	case TypeArray:
		arr, ok := value.([]interface{})
		if !ok {
			return invalid(path, fmt.Sprintf("expected array, got %T", value))
		}
		if ps.Items != nil {
			for i, elem := range arr {
				if err := validateValue(fmt.Sprintf("%s[%d]", path, i), ps.Items, elem); err != nil {
					return err
				}
			}
		}
		return nil

	case TypeObject:
		obj, ok := value.(map[string]interface{})
		if !ok {
			return invalid(path, fmt.Sprintf("expected object, got %T", value))
		}
		for name, sub := range ps.Properties {
			v, present := obj[name]
			if !present {
				if sub.Required {
					return invalid(path+"."+name, "required property missing")
				}
				continue
			}
			if err := validateValue(path+"."+name, sub, v); err != nil {
				return err
			}
		}
		return nil

	case TypeNull:
		return invalid(path, "expected null")

	default:
		// Undeclared type accepts any value.
		return nil
	}
}

func validateString(path string, ps *ParameterSpec, s string) error {
	if ps.MinLength != nil && len(s) < *ps.MinLength {
		return invalid(path, fmt.Sprintf("length %d below minimum %d", len(s), *ps.MinLength))
	}
	if ps.MaxLength != nil && len(s) > *ps.MaxLength {
		return invalid(path, fmt.Sprintf("length %d above maximum %d", len(s), *ps.MaxLength))
	}
	if len(ps.Enum) > 0 {
		found := false
		for _, allowed := range ps.Enum {
			if s == allowed {
				found = true
				break
			}
		}
		if !found {
			return invalid(path, fmt.Sprintf("value %q not in enum", s))
		}
	}
	if ps.Pattern != "" {
		re, err := regexp.Compile(ps.Pattern)
		if err != nil {
			return invalid(path, fmt.Sprintf("invalid pattern %q in schema", ps.Pattern))
		}
		if !re.MatchString(s) {
			return invalid(path, fmt.Sprintf("value %q does not match pattern %q", s, ps.Pattern))
		}
	}
	return nil
}

func validateBounds(path string, ps *ParameterSpec, n float64) error {
	if ps.Minimum != nil && n < *ps.Minimum {
		return invalid(path, fmt.Sprintf("value %v below minimum %v", n, *ps.Minimum))
	}
	if ps.Maximum != nil && n > *ps.Maximum {
		return invalid(path, fmt.Sprintf("value %v above maximum %v", n, *ps.Maximum))
	}
	return nil
}

// asNumber accepts the numeric representations produced by JSON and YAML
// decoding.
func asNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

func invalid(path, reason string) error {
	return core.Errorf(core.CodeValidation, "invalid parameter %s: %s", path, reason).
		WithData("path", path).
		WithData("reason", reason)
}
