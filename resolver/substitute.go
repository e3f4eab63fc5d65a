package resolver

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"

	"github.com/gleitzeit/gleitzeit/core"
)

var (
	tokenPattern = regexp.MustCompile(`\$\{([^}]+)\}`)
	// wholeToken matches a string that is exactly one substitution token
	wholeToken = regexp.MustCompile(`^\$\{([^}]+)\}$`)
)

// Lookup resolves the first path segment (a task name or id) to that
// task's stored result. The second return is false when no such completed
// task exists.
type Lookup func(key string) (interface{}, bool)

// SubstituteParams returns a copy of params with every ${task.path} token
// resolved through lookup. String leaves that are exactly one token take
// the resolved value with its type preserved; otherwise resolved values
// are coerced to their canonical string form and spliced. Maps and arrays
// are substituted recursively.
func SubstituteParams(params map[string]interface{}, lookup Lookup) (map[string]interface{}, error) {
	out, err := substituteValue(params, lookup)
	if err != nil {
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

func substituteValue(value interface{}, lookup Lookup) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return substituteString(v, lookup)

	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			sub, err := substituteValue(elem, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil

	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			sub, err := substituteValue(elem, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil

	default:
		return value, nil
	}
}

func substituteString(s string, lookup Lookup) (interface{}, error) {
	if m := wholeToken.FindStringSubmatch(s); m != nil {
		// Single-token strings preserve the resolved value's type.
		return resolveRef(m[1], lookup)
	}

	var firstErr error
	replaced := tokenPattern.ReplaceAllStringFunc(s, func(tok string) string {
		if firstErr != nil {
			return tok
		}
		ref := tok[2 : len(tok)-1]
		value, err := resolveRef(ref, lookup)
		if err != nil {
			firstErr = err
			return tok
		}
		return canonicalString(value)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return replaced, nil
}

func resolveRef(ref string, lookup Lookup) (interface{}, error) {
	segs, err := ParsePath(ref)
	if err != nil {
		return nil, err
	}
	root, ok := lookup(segs[0].Key)
	if !ok {
		return nil, core.Errorf(core.CodeSubstitution, "reference %q: no completed task %q", ref, segs[0].Key).
			WithData("path", ref)
	}
	value, err := Walk(root, segs[1:])
	if err != nil {
		return nil, core.Errorf(core.CodeSubstitution, "reference %q: %v", ref, err).
			WithData("path", ref)
	}
	return value, nil
}

// canonicalString renders a resolved value for splicing into a larger
// string. Scalars use their plain form; composites use compact JSON.
func canonicalString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// References returns the distinct task keys (first path segments)
// referenced by substitution tokens anywhere in params, sorted.
// Unparseable tokens are ignored here; they surface at substitution time.
func References(params map[string]interface{}) []string {
	seen := make(map[string]bool)
	collectRefs(params, seen)
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func collectRefs(value interface{}, seen map[string]bool) {
	switch v := value.(type) {
	case string:
		for _, m := range tokenPattern.FindAllStringSubmatch(v, -1) {
			segs, err := ParsePath(m[1])
			if err == nil {
				seen[segs[0].Key] = true
			}
		}
	case map[string]interface{}:
		for _, elem := range v {
			collectRefs(elem, seen)
		}
	case []interface{}:
		for _, elem := range v {
			collectRefs(elem, seen)
		}
	}
}
