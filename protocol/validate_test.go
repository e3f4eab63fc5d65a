package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit/gleitzeit/core"
)

func llmSpec() *Spec {
	minTokens := 1.0
	maxTemp := 2.0
	return &Spec{
		Name:    "llm",
		Version: "v1",
		Methods: map[string]*MethodSpec{
			"llm/chat": {
				Name: "llm/chat",
				ParamsSchema: map[string]*ParameterSpec{
					"model": {Type: TypeString, Required: true},
					"messages": {
						Type:     TypeArray,
						Required: true,
						Items: &ParameterSpec{
							Type: TypeObject,
							Properties: map[string]*ParameterSpec{
								"role":    {Type: TypeString, Required: true, Enum: []string{"system", "user", "assistant"}},
								"content": {Type: TypeString, Required: true},
							},
						},
					},
					"temperature": {Type: TypeNumber, Default: 0.7, Maximum: &maxTemp},
					"max_tokens":  {Type: TypeInteger, Minimum: &minTokens},
				},
			},
		},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(llmSpec()))

	spec, err := r.Get("llm/v1")
	require.NoError(t, err)
	assert.Equal(t, "llm/v1", spec.ID())

	_, err = r.Get("llm/v2")
	assert.ErrorIs(t, err, core.ErrProtocolNotFound)
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(llmSpec()))
	err := r.Register(llmSpec())
	assert.ErrorIs(t, err, core.ErrDuplicateProtocol)
}

func TestRegistryRejectsAnonymousSpec(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(&Spec{Name: "llm"})
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))
}

func TestValidateCallAppliesDefaults(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(llmSpec()))

	params, err := r.ValidateCall("llm/v1", "llm/chat", map[string]interface{}{
		"model": "gpt-4",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.7, params["temperature"])
	assert.Equal(t, "gpt-4", params["model"])
}

func TestValidateCallMissingRequired(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(llmSpec()))

	_, err := r.ValidateCall("llm/v1", "llm/chat", map[string]interface{}{
		"model": "gpt-4",
	})
	require.Error(t, err)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))
}

func TestValidateCallUnknownMethod(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(llmSpec()))

	_, err := r.ValidateCall("llm/v1", "llm/complete", nil)
	assert.Equal(t, core.CodeMethodNotSupported, core.CodeOf(err))
}

func TestValidateCallIntegerIsSubsetOfNumber(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(llmSpec()))

	// An integral value satisfies a number parameter.
	_, err := r.ValidateCall("llm/v1", "llm/chat", map[string]interface{}{
		"model": "gpt-4",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "hi"},
		},
		"temperature": 1,
	})
	assert.NoError(t, err)

	// A fractional value does not satisfy an integer parameter.
	_, err = r.ValidateCall("llm/v1", "llm/chat", map[string]interface{}{
		"model": "gpt-4",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "hi"},
		},
		"max_tokens": 1.5,
	})
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))
}

func TestValidateCallEnumAndBounds(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(llmSpec()))

	_, err := r.ValidateCall("llm/v1", "llm/chat", map[string]interface{}{
		"model": "gpt-4",
		"messages": []interface{}{
			map[string]interface{}{"role": "robot", "content": "hi"},
		},
	})
	assert.Equal(t, core.CodeValidation, core.CodeOf(err), "enum violation")

	_, err = r.ValidateCall("llm/v1", "llm/chat", map[string]interface{}{
		"model": "gpt-4",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "hi"},
		},
		"temperature": 3.5,
	})
	assert.Equal(t, core.CodeValidation, core.CodeOf(err), "maximum violation")

	_, err = r.ValidateCall("llm/v1", "llm/chat", map[string]interface{}{
		"model": "gpt-4",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "hi"},
		},
		"max_tokens": 0,
	})
	assert.Equal(t, core.CodeValidation, core.CodeOf(err), "minimum violation")
}

func TestValidateCallAdditionalProperties(t *testing.T) {
	strict := llmSpec()
	f := false
	strict.AdditionalProperties = &f

	r := NewRegistry(nil)
	require.NoError(t, r.Register(strict))

	_, err := r.ValidateCall("llm/v1", "llm/chat", map[string]interface{}{
		"model": "gpt-4",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "hi"},
		},
		"stream": true,
	})
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))

	// The default permits unknown keys.
	lax := NewRegistry(nil)
	require.NoError(t, lax.Register(llmSpec()))
	params, err := lax.ValidateCall("llm/v1", "llm/chat", map[string]interface{}{
		"model": "gpt-4",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "hi"},
		},
		"stream": true,
	})
	require.NoError(t, err)
	assert.Equal(t, true, params["stream"])
}

func TestValidateCallNullAndPattern(t *testing.T) {
	spec := &Spec{
		Name:    "kv",
		Version: "v1",
		Methods: map[string]*MethodSpec{
			"kv/put": {
				Name: "kv/put",
				ParamsSchema: map[string]*ParameterSpec{
					"key":   {Type: TypeString, Required: true, Pattern: `^[a-z][a-z0-9-]*$`},
					"value": {Type: TypeNull},
				},
			},
		},
	}
	r := NewRegistry(nil)
	require.NoError(t, r.Register(spec))

	_, err := r.ValidateCall("kv/v1", "kv/put", map[string]interface{}{
		"key":   "my-key",
		"value": nil,
	})
	assert.NoError(t, err)

	_, err = r.ValidateCall("kv/v1", "kv/put", map[string]interface{}{
		"key": "Bad Key",
	})
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))
}
