package engine

import (
	"context"
	"sort"
	"time"

	"github.com/gleitzeit/gleitzeit/core"
)

// Recover scans persistence for workflows left RUNNING by a crash. Tasks
// found RUNNING are failed with CrashRecovered, readiness is re-resolved
// from persisted completion state, and execution resumes. With locking
// enabled, workflows whose lock is held by another live instance are left
// alone.
func (e *Engine) Recover(ctx context.Context) error {
	workflows, err := e.backend.ListWorkflowsByStatus(ctx, core.WorkflowStatusRunning)
	if err != nil {
		return err
	}
	for _, wf := range workflows {
		if err := e.recoverWorkflow(ctx, wf); err != nil {
			e.logger.Error("Workflow recovery failed", map[string]interface{}{
				"workflow_id": wf.ID,
				"error":       err.Error(),
			})
		}
	}
	return nil
}

func (e *Engine) recoverWorkflow(ctx context.Context, wf *core.Workflow) error {
	e.mu.Lock()
	_, live := e.runs[wf.ID]
	e.mu.Unlock()
	if live {
		return nil
	}

	if e.config.LockOwnerID != "" {
		owner, err := e.backend.LockOwner(ctx, lockResource(wf.ID))
		if err != nil {
			return err
		}
		if owner != "" && owner != e.config.LockOwnerID {
			// Another live instance is executing this workflow.
			return nil
		}
		if _, err := e.backend.AcquireLock(ctx, lockResource(wf.ID), e.config.LockOwnerID, e.config.LockTTL); err != nil {
			return err
		}
	}

	tasks, err := e.backend.ListWorkflowTasks(ctx, wf.ID)
	if err != nil {
		return err
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	wf.Tasks = tasks
	if wf.TaskResults == nil {
		wf.TaskResults = make(map[string]interface{})
	}

	// Fail tasks that were mid-flight when the engine died.
	var crashed []*core.Task
	for _, t := range tasks {
		if t.Status != core.TaskStatusRunning {
			continue
		}
		now := time.Now()
		crashErr := core.NewError(core.CodeCrashRecovered, "task was running when the engine crashed")
		t.Status = core.TaskStatusFailed
		t.Error = crashErr
		t.CompletedAt = &now
		wf.FailedTasks = appendUnique(wf.FailedTasks, t.ID)
		if err := e.backend.SetTaskResult(ctx, t.ID, nil, crashErr, t.Attempt); err != nil {
			return err
		}
		if err := e.backend.SetTaskStatus(ctx, t.ID, core.TaskStatusFailed); err != nil {
			return err
		}
		crashed = append(crashed, t)
		e.logger.Warn("Task failed during crash recovery", map[string]interface{}{
			"task_id":     t.ID,
			"task":        t.Name,
			"workflow_id": wf.ID,
		})
	}

	r := e.newRun(wf)
	e.mu.Lock()
	e.runs[wf.ID] = r
	e.mu.Unlock()
	if e.config.LockOwnerID != "" {
		go e.keepLock(r)
	}

	completed := make(map[string]bool)
	for _, t := range tasks {
		if t.Status == core.TaskStatusCompleted {
			completed[t.ID] = true
			wf.TaskResults[t.ID] = t.Result
			wf.CompletedTasks = appendUnique(wf.CompletedTasks, t.ID)
		}
	}

	var queued []*core.Task
	for _, t := range tasks {
		if t.Status == core.TaskStatusQueued {
			queued = append(queued, t)
		}
	}
	e.queue.EnqueueBatch(queued, completed)

	// Propagation runs after enqueue so dependents of crashed tasks are
	// in the waiting set, where they can be cancelled or released.
	for _, t := range crashed {
		e.propagateFailure(ctx, r, t)
	}

	progressCompleted, progressFailed, results := r.progress()
	if err := e.backend.UpdateWorkflowProgress(ctx, wf.ID, progressCompleted, progressFailed, results); err != nil {
		return err
	}

	e.logger.Info("Workflow recovered", map[string]interface{}{
		"workflow_id": wf.ID,
		"workflow":    wf.Name,
		"crashed":     len(crashed),
		"requeued":    len(queued),
	})

	e.checkCompletion(r)
	return nil
}
