// Package protocol defines versioned protocol specifications with typed
// method schemas, and validates call parameters against them before
// dispatch. A protocol is a namespace like "llm/v1" whose methods each
// declare a parameter schema.
package protocol

import "fmt"

// ParameterType is the declared JSON type of a parameter.
type ParameterType string

const (
	TypeString  ParameterType = "string"
	TypeInteger ParameterType = "integer"
	TypeNumber  ParameterType = "number"
	TypeBoolean ParameterType = "boolean"
	TypeArray   ParameterType = "array"
	TypeObject  ParameterType = "object"
	TypeNull    ParameterType = "null"
)

// ParameterSpec describes a single parameter of a method.
type ParameterSpec struct {
	Type        ParameterType `json:"type" yaml:"type"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool          `json:"required,omitempty" yaml:"required,omitempty"`
	Default     interface{}   `json:"default,omitempty" yaml:"default,omitempty"`

	// Enum restricts string values to the listed set
	Enum []string `json:"enum,omitempty" yaml:"enum,omitempty"`

	// Pattern is a regular expression string values must match
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	// MinLength and MaxLength bound string lengths
	MinLength *int `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength *int `json:"max_length,omitempty" yaml:"max_length,omitempty"`

	// Minimum and Maximum bound numeric values
	Minimum *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`

	// Properties describes object members, validated recursively
	Properties map[string]*ParameterSpec `json:"properties,omitempty" yaml:"properties,omitempty"`

	// Items describes array elements, validated element-wise
	Items *ParameterSpec `json:"items,omitempty" yaml:"items,omitempty"`
}

// MethodSpec describes a callable method of a protocol.
type MethodSpec struct {
	Name        string                    `json:"name" yaml:"name"`
	Description string                    `json:"description,omitempty" yaml:"description,omitempty"`
	ParamsSchema map[string]*ParameterSpec `json:"params_schema,omitempty" yaml:"params_schema,omitempty"`
	ReturnsSchema map[string]*ParameterSpec `json:"returns_schema,omitempty" yaml:"returns_schema,omitempty"`
}

// Spec is a versioned protocol definition. Specs are immutable once
// registered.
type Spec struct {
	Name        string                 `json:"name" yaml:"name"`
	Version     string                 `json:"version" yaml:"version"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Methods     map[string]*MethodSpec `json:"methods" yaml:"methods"`

	// AdditionalProperties permits unknown parameter keys when true.
	// Defaults to true for backward compatibility.
	AdditionalProperties *bool `json:"additional_properties,omitempty" yaml:"additional_properties,omitempty"`
}

// ID returns the registry key "{name}/{version}".
func (s *Spec) ID() string {
	return fmt.Sprintf("%s/%s", s.Name, s.Version)
}

// AllowsAdditional reports whether unknown parameter keys are permitted.
func (s *Spec) AllowsAdditional() bool {
	if s.AdditionalProperties == nil {
		return true
	}
	return *s.AdditionalProperties
}

// Method resolves a method by its fully-qualified name.
func (s *Spec) Method(name string) (*MethodSpec, bool) {
	m, ok := s.Methods[name]
	return m, ok
}
