package persistence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gleitzeit/gleitzeit/core"
)

// MemoryBackend is an in-process Backend for tests and single-process
// deployments. Entities are stored as JSON-decoded copies so callers never
// alias stored state.
type MemoryBackend struct {
	mu        sync.RWMutex
	tasks     map[string]*core.Task
	workflows map[string]*core.Workflow
	metrics   map[string][]MetricsSample
	locks     map[string]memoryLock
}

type memoryLock struct {
	owner   string
	expires time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		tasks:     make(map[string]*core.Task),
		workflows: make(map[string]*core.Workflow),
		metrics:   make(map[string][]MetricsSample),
		locks:     make(map[string]memoryLock),
	}
}

// cloneTask round-trips through JSON so stored and returned values share
// no structure with the caller's. Result values come back in generic JSON
// form, matching what a durable backend would return.
func cloneTask(t *core.Task) (*core.Task, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, core.WrapError(core.CodePersistence, "serializing task", err)
	}
	var out core.Task
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, core.WrapError(core.CodePersistence, "deserializing task", err)
	}
	return &out, nil
}

func cloneWorkflow(wf *core.Workflow) (*core.Workflow, error) {
	data, err := json.Marshal(wf)
	if err != nil {
		return nil, core.WrapError(core.CodePersistence, "serializing workflow", err)
	}
	var out core.Workflow
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, core.WrapError(core.CodePersistence, "deserializing workflow", err)
	}
	return &out, nil
}

func (m *MemoryBackend) SaveTask(ctx context.Context, task *core.Task) error {
	if task == nil || task.ID == "" {
		return core.Errorf(core.CodeValidation, "task requires an id")
	}
	copied, err := cloneTask(task)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.tasks[task.ID] = copied
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) GetTask(ctx context.Context, taskID string) (*core.Task, error) {
	m.mu.RLock()
	stored, ok := m.tasks[taskID]
	m.mu.RUnlock()
	if !ok {
		return nil, core.WrapError(core.CodePersistence, "task "+taskID, core.ErrTaskNotFound)
	}
	return cloneTask(stored)
}

func (m *MemoryBackend) SetTaskStatus(ctx context.Context, taskID string, status core.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[taskID]
	if !ok {
		return core.WrapError(core.CodePersistence, "task "+taskID, core.ErrTaskNotFound)
	}
	stamp(stored, status)
	return nil
}

// stamp applies a status transition and its timestamps.
func stamp(t *core.Task, status core.TaskStatus) {
	now := time.Now()
	t.Status = status
	if status == core.TaskStatusRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if status.IsTerminal() && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
}

func (m *MemoryBackend) SetTaskResult(ctx context.Context, taskID string, result interface{}, taskErr *core.Error, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[taskID]
	if !ok {
		return core.WrapError(core.CodePersistence, "task "+taskID, core.ErrTaskNotFound)
	}
	stored.Result = result
	stored.Error = taskErr
	if attempt > 0 {
		stored.Attempt = attempt
	}
	return nil
}

func (m *MemoryBackend) ListWorkflowTasks(ctx context.Context, workflowID string) ([]*core.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Task
	for _, t := range m.tasks {
		if t.WorkflowID != workflowID {
			continue
		}
		copied, err := cloneTask(t)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

func (m *MemoryBackend) CountTasksByStatus(ctx context.Context) (map[core.TaskStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[core.TaskStatus]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *MemoryBackend) SaveWorkflow(ctx context.Context, wf *core.Workflow) error {
	if wf == nil || wf.ID == "" {
		return core.Errorf(core.CodeValidation, "workflow requires an id")
	}
	copied, err := cloneWorkflow(wf)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.workflows[wf.ID] = copied
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) GetWorkflow(ctx context.Context, workflowID string) (*core.Workflow, error) {
	m.mu.RLock()
	stored, ok := m.workflows[workflowID]
	m.mu.RUnlock()
	if !ok {
		return nil, core.WrapError(core.CodePersistence, "workflow "+workflowID, core.ErrWorkflowNotFound)
	}
	return cloneWorkflow(stored)
}

func (m *MemoryBackend) SetWorkflowStatus(ctx context.Context, workflowID string, status core.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.workflows[workflowID]
	if !ok {
		return core.WrapError(core.CodePersistence, "workflow "+workflowID, core.ErrWorkflowNotFound)
	}
	now := time.Now()
	stored.Status = status
	if status == core.WorkflowStatusRunning && stored.StartedAt == nil {
		stored.StartedAt = &now
	}
	if status.IsTerminal() && stored.CompletedAt == nil {
		stored.CompletedAt = &now
	}
	return nil
}

func (m *MemoryBackend) UpdateWorkflowProgress(ctx context.Context, workflowID string, completed, failed []string, results map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.workflows[workflowID]
	if !ok {
		return core.WrapError(core.CodePersistence, "workflow "+workflowID, core.ErrWorkflowNotFound)
	}
	stored.CompletedTasks = append([]string(nil), completed...)
	stored.FailedTasks = append([]string(nil), failed...)
	copied := make(map[string]interface{}, len(results))
	for k, v := range results {
		copied[k] = v
	}
	stored.TaskResults = copied
	return nil
}

func (m *MemoryBackend) ListWorkflowsByStatus(ctx context.Context, status core.WorkflowStatus) ([]*core.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Workflow
	for _, wf := range m.workflows {
		if wf.Status != status {
			continue
		}
		copied, err := cloneWorkflow(wf)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

func (m *MemoryBackend) AppendMetrics(ctx context.Context, sample MetricsSample) error {
	m.mu.Lock()
	m.metrics[sample.InstanceID] = append(m.metrics[sample.InstanceID], sample)
	m.mu.Unlock()
	return nil
}

// Metrics returns the recorded samples for an instance. Test helper; not
// part of the Backend interface.
func (m *MemoryBackend) Metrics(instanceID string) []MetricsSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MetricsSample(nil), m.metrics[instanceID]...)
}

func (m *MemoryBackend) AcquireLock(ctx context.Context, resourceID, ownerID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.locks[resourceID]
	if ok && time.Now().Before(held.expires) && held.owner != ownerID {
		return false, nil
	}
	m.locks[resourceID] = memoryLock{owner: ownerID, expires: time.Now().Add(ttl)}
	return true, nil
}

func (m *MemoryBackend) ExtendLock(ctx context.Context, resourceID, ownerID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.locks[resourceID]
	if !ok || held.owner != ownerID || time.Now().After(held.expires) {
		return false, nil
	}
	m.locks[resourceID] = memoryLock{owner: ownerID, expires: time.Now().Add(ttl)}
	return true, nil
}

func (m *MemoryBackend) ReleaseLock(ctx context.Context, resourceID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[resourceID]; ok && held.owner == ownerID {
		delete(m.locks, resourceID)
	}
	return nil
}

func (m *MemoryBackend) LockOwner(ctx context.Context, resourceID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	held, ok := m.locks[resourceID]
	if !ok || time.Now().After(held.expires) {
		return "", nil
	}
	return held.owner, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
