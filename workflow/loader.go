package workflow

import (
	"bytes"
	"errors"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gleitzeit/gleitzeit/core"
)

// Definition is the declarative workflow file format. Both YAML and JSON
// are accepted (JSON being a YAML subset); unknown top-level keys are
// rejected.
type Definition struct {
	Name          string           `yaml:"name" json:"name"`
	Description   string           `yaml:"description" json:"description"`
	ErrorStrategy string           `yaml:"error_strategy" json:"error_strategy"`
	Tasks         []TaskDefinition `yaml:"tasks" json:"tasks"`
}

// TaskDefinition is one task entry of a workflow definition.
type TaskDefinition struct {
	ID           string                 `yaml:"id" json:"id"`
	Name         string                 `yaml:"name" json:"name"`
	Protocol     string                 `yaml:"protocol" json:"protocol"`
	Method       string                 `yaml:"method" json:"method"`
	Params       map[string]interface{} `yaml:"params" json:"params"`
	Dependencies []string               `yaml:"dependencies" json:"dependencies"`
	Priority     string                 `yaml:"priority" json:"priority"`
	Retry        *RetryDefinition       `yaml:"retry" json:"retry"`
}

// RetryDefinition carries retry settings with delays in seconds, as
// written in workflow files.
type RetryDefinition struct {
	MaxAttempts  int     `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay float64 `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     float64 `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64 `yaml:"multiplier" json:"multiplier"`
	Strategy     string  `yaml:"strategy" json:"strategy"`
	Jitter       bool    `yaml:"jitter" json:"jitter"`
}

// ParseDefinition decodes a workflow definition from YAML or JSON,
// rejecting unknown keys.
func ParseDefinition(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, core.Errorf(core.CodeValidation, "empty workflow definition")
		}
		return nil, core.WrapError(core.CodeValidation, "parsing workflow definition", err)
	}
	if def.Name == "" {
		return nil, core.Errorf(core.CodeValidation, "workflow definition requires a name")
	}
	return &def, nil
}

// ToWorkflow converts a parsed definition into the engine's workflow
// model. Ids and normalization beyond enum mapping are left to Submit.
func (d *Definition) ToWorkflow() (*core.Workflow, error) {
	strategy, err := parseErrorStrategy(d.ErrorStrategy)
	if err != nil {
		return nil, err
	}

	wf := &core.Workflow{
		Name:          d.Name,
		Description:   d.Description,
		ErrorStrategy: strategy,
	}
	for i := range d.Tasks {
		task, err := d.Tasks[i].toTask()
		if err != nil {
			return nil, err
		}
		wf.Tasks = append(wf.Tasks, task)
	}
	return wf, nil
}

func (td *TaskDefinition) toTask() (*core.Task, error) {
	priority, err := parsePriority(td.Priority)
	if err != nil {
		return nil, core.Errorf(core.CodeValidation, "task %q: %v", td.Name, err)
	}

	task := &core.Task{
		ID:           td.ID,
		Name:         td.Name,
		Protocol:     td.Protocol,
		Method:       td.Method,
		Params:       td.Params,
		Dependencies: append([]string(nil), td.Dependencies...),
		Priority:     priority,
	}
	if td.Retry != nil {
		policy, err := td.Retry.toPolicy()
		if err != nil {
			return nil, core.Errorf(core.CodeValidation, "task %q: %v", td.Name, err)
		}
		task.Retry = policy
	}
	return task, nil
}

func (rd *RetryDefinition) toPolicy() (*core.RetryPolicy, error) {
	policy := core.DefaultRetryPolicy()
	if rd.MaxAttempts > 0 {
		policy.MaxAttempts = rd.MaxAttempts
	}
	if rd.InitialDelay > 0 {
		policy.InitialDelay = secondsToDuration(rd.InitialDelay)
	}
	if rd.MaxDelay > 0 {
		policy.MaxDelay = secondsToDuration(rd.MaxDelay)
	}
	if rd.Multiplier > 0 {
		policy.Multiplier = rd.Multiplier
	}
	policy.Jitter = rd.Jitter
	switch rd.Strategy {
	case "":
	case string(core.BackoffFixed):
		policy.Strategy = core.BackoffFixed
	case string(core.BackoffLinear):
		policy.Strategy = core.BackoffLinear
	case string(core.BackoffExponential):
		policy.Strategy = core.BackoffExponential
	default:
		return nil, core.Errorf(core.CodeValidation, "unknown retry strategy %q", rd.Strategy)
	}
	return policy, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func parseErrorStrategy(s string) (core.ErrorStrategy, error) {
	switch s {
	case "", string(core.ErrorStrategyStop):
		return core.ErrorStrategyStop, nil
	case string(core.ErrorStrategyContinue):
		return core.ErrorStrategyContinue, nil
	default:
		return "", core.Errorf(core.CodeValidation, "unknown error strategy %q", s)
	}
}

func parsePriority(s string) (core.Priority, error) {
	switch s {
	case "":
		return core.PriorityNormal, nil
	case string(core.PriorityLow), string(core.PriorityNormal), string(core.PriorityHigh), string(core.PriorityUrgent):
		return core.Priority(s), nil
	default:
		return "", core.Errorf(core.CodeValidation, "unknown priority %q", s)
	}
}
