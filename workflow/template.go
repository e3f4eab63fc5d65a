package workflow

import (
	"bytes"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/gleitzeit/gleitzeit/core"
)

// Template is a reusable workflow definition with {{name}} placeholders.
// Template variables are expanded once at instantiation, before
// submission; they are distinct from the runtime ${task.path}
// substitution applied at dispatch.
type Template struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`

	// Parameters maps variable names to defaults. A nil default marks
	// the parameter required.
	Parameters map[string]interface{} `yaml:"parameters" json:"parameters"`

	Workflow Definition `yaml:"workflow" json:"workflow"`
}

var templateVar = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// wholeTemplateVar matches a string that is exactly one placeholder.
var wholeTemplateVar = regexp.MustCompile(`^\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}$`)

// ParseTemplate decodes a workflow template from YAML or JSON, rejecting
// unknown keys.
func ParseTemplate(data []byte) (*Template, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var tpl Template
	if err := dec.Decode(&tpl); err != nil {
		return nil, core.WrapError(core.CodeValidation, "parsing workflow template", err)
	}
	if tpl.Name == "" {
		return nil, core.Errorf(core.CodeValidation, "workflow template requires a name")
	}
	return &tpl, nil
}

// Instantiate expands every {{name}} placeholder in the template's task
// definitions using the given arguments, falling back to declared
// defaults. Missing required parameters and unknown placeholder names are
// validation errors. Returns the expanded workflow ready for Submit.
func (t *Template) Instantiate(args map[string]interface{}) (*core.Workflow, error) {
	values := make(map[string]interface{}, len(t.Parameters))
	for name, def := range t.Parameters {
		if v, ok := args[name]; ok {
			values[name] = v
			continue
		}
		if def == nil {
			return nil, core.Errorf(core.CodeValidation, "template %q: missing required parameter %q", t.Name, name)
		}
		values[name] = def
	}
	for name := range args {
		if _, declared := t.Parameters[name]; !declared {
			return nil, core.Errorf(core.CodeValidation, "template %q: unknown parameter %q", t.Name, name)
		}
	}

	def := t.Workflow
	wfName, err := expandString(def.Name, values)
	if err != nil {
		return nil, err
	}
	if s, ok := wfName.(string); ok {
		def.Name = s
	}
	def.Tasks = append([]TaskDefinition(nil), t.Workflow.Tasks...)
	for i := range def.Tasks {
		td := &def.Tasks[i]
		name, err := expandString(td.Name, values)
		if err != nil {
			return nil, err
		}
		if s, ok := name.(string); ok {
			td.Name = s
		}
		expanded, err := expandValue(td.Params, values)
		if err != nil {
			return nil, err
		}
		if m, ok := expanded.(map[string]interface{}); ok {
			td.Params = m
		}
	}

	return def.ToWorkflow()
}

func expandValue(value interface{}, values map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return expandString(v, values)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			expanded, err := expandValue(elem, values)
			if err != nil {
				return nil, err
			}
			out[k] = expanded
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			expanded, err := expandValue(elem, values)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return value, nil
	}
}

func expandString(s string, values map[string]interface{}) (interface{}, error) {
	if m := wholeTemplateVar.FindStringSubmatch(s); m != nil {
		v, ok := values[m[1]]
		if !ok {
			return nil, core.Errorf(core.CodeValidation, "undefined template variable %q", m[1])
		}
		// A single-placeholder string takes the value's type.
		return v, nil
	}

	var firstErr error
	replaced := templateVar.ReplaceAllStringFunc(s, func(tok string) string {
		if firstErr != nil {
			return tok
		}
		name := templateVar.FindStringSubmatch(tok)[1]
		v, ok := values[name]
		if !ok {
			firstErr = core.Errorf(core.CodeValidation, "undefined template variable %q", name)
			return tok
		}
		return stringify(v)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return replaced, nil
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return ""
	}
	return string(bytes.TrimRight(data, "\n"))
}
