// Package workflow provides the thin coordinator above the engine:
// submission validation, status aggregation, cancellation, declarative
// YAML/JSON workflow definitions and {{var}} template expansion.
package workflow

import (
	"context"
	"time"

	"github.com/gleitzeit/gleitzeit/core"
	"github.com/gleitzeit/gleitzeit/engine"
	"github.com/gleitzeit/gleitzeit/persistence"
	"github.com/gleitzeit/gleitzeit/protocol"
	"github.com/gleitzeit/gleitzeit/resolver"
)

// Manager validates and submits workflows and exposes their lifecycle.
type Manager struct {
	engine    *engine.Engine
	protocols *protocol.Registry
	backend   persistence.Backend
	logger    core.Logger
}

// NewManager creates a workflow manager.
func NewManager(eng *engine.Engine, protocols *protocol.Registry, backend persistence.Backend, logger core.Logger) *Manager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Manager{
		engine:    eng,
		protocols: protocols,
		backend:   backend,
		logger:    logger,
	}
}

// Submit validates a workflow (acyclic dependencies, resolvable protocol
// methods, static substitution checks), persists it and starts execution.
// Returns the workflow id.
func (m *Manager) Submit(ctx context.Context, wf *core.Workflow) (string, error) {
	if wf == nil {
		return "", core.Errorf(core.CodeValidation, "workflow is required")
	}
	if wf.ID == "" {
		wf.ID = core.NewID()
	}
	if wf.ErrorStrategy == "" {
		wf.ErrorStrategy = core.ErrorStrategyStop
	}
	if wf.ErrorStrategy != core.ErrorStrategyStop && wf.ErrorStrategy != core.ErrorStrategyContinue {
		return "", core.Errorf(core.CodeValidation, "unknown error strategy %q", wf.ErrorStrategy)
	}
	wf.CreatedAt = time.Now()
	wf.Status = core.WorkflowStatusQueued

	for i, t := range wf.Tasks {
		if t == nil {
			return "", core.Errorf(core.CodeValidation, "task %d is empty", i)
		}
		if t.Name == "" && t.ID == "" {
			return "", core.Errorf(core.CodeValidation, "task %d requires a name or id", i)
		}
		if t.ID == "" {
			t.ID = core.NewID()
		}
		if t.Name == "" {
			t.Name = t.ID
		}
		t.WorkflowID = wf.ID
		t.Status = core.TaskStatusQueued
		if t.Priority == "" {
			t.Priority = core.PriorityNormal
		}
		// Submission order is the FIFO tiebreak within a priority.
		t.CreatedAt = time.Now().Add(time.Duration(i) * time.Nanosecond)
		if t.Params == nil {
			t.Params = make(map[string]interface{})
		}
	}

	if err := resolver.NormalizeDependencies(wf); err != nil {
		return "", err
	}
	if err := resolver.ValidateDAG(wf); err != nil {
		return "", err
	}

	for _, t := range wf.Tasks {
		spec, err := m.protocols.Get(t.Protocol)
		if err != nil {
			return "", core.Errorf(core.CodeValidation, "task %q: unknown protocol %q", t.Name, t.Protocol).
				WithData("task_id", t.ID)
		}
		if _, ok := spec.Method(t.Method); !ok {
			return "", core.Errorf(core.CodeMethodNotSupported, "task %q: protocol %s does not define method %q", t.Name, t.Protocol, t.Method).
				WithData("task_id", t.ID).
				WithData("method", t.Method)
		}
	}

	if err := m.engine.RunWorkflow(ctx, wf); err != nil {
		return "", err
	}
	return wf.ID, nil
}

// Progress summarizes task-level completion of a workflow.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Running   int `json:"running"`
	Queued    int `json:"queued"`
}

// Status aggregates a workflow's persisted state.
type Status struct {
	WorkflowID string                 `json:"workflow_id"`
	Name       string                 `json:"name"`
	Status     core.WorkflowStatus    `json:"status"`
	Progress   Progress               `json:"progress"`
	Results    map[string]interface{} `json:"results,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// GetStatus returns the current status, progress and results of a
// workflow.
func (m *Manager) GetStatus(ctx context.Context, workflowID string) (*Status, error) {
	wf, err := m.backend.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	tasks, err := m.backend.ListWorkflowTasks(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		WorkflowID: wf.ID,
		Name:       wf.Name,
		Status:     wf.Status,
		Results:    wf.TaskResults,
		Progress:   Progress{Total: len(tasks)},
	}
	for _, t := range tasks {
		switch t.Status {
		case core.TaskStatusCompleted:
			st.Progress.Completed++
		case core.TaskStatusFailed:
			st.Progress.Failed++
		case core.TaskStatusCancelled:
			st.Progress.Cancelled++
		case core.TaskStatusRunning:
			st.Progress.Running++
		default:
			st.Progress.Queued++
		}
	}
	return st, nil
}

// Cancel requests cancellation of a workflow. Idempotent.
func (m *Manager) Cancel(ctx context.Context, workflowID string) bool {
	return m.engine.CancelWorkflow(ctx, workflowID)
}

// Wait blocks until the workflow finishes or the context expires.
func (m *Manager) Wait(ctx context.Context, workflowID string) (*core.Workflow, error) {
	return m.engine.WaitForWorkflow(ctx, workflowID)
}

// ExecuteTask runs a single task outside any workflow. One-shot
// convenience over the engine.
func (m *Manager) ExecuteTask(ctx context.Context, t *core.Task) (*core.TaskResult, error) {
	return m.engine.ExecuteTask(ctx, t)
}

// ListTasks returns the persisted tasks of a workflow.
func (m *Manager) ListTasks(ctx context.Context, workflowID string) ([]*core.Task, error) {
	return m.backend.ListWorkflowTasks(ctx, workflowID)
}
