package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gleitzeit/gleitzeit/core"
	"github.com/gleitzeit/gleitzeit/persistence"
	"github.com/gleitzeit/gleitzeit/protocol"
	"github.com/gleitzeit/gleitzeit/provider"
	"github.com/gleitzeit/gleitzeit/queue"
	"github.com/gleitzeit/gleitzeit/resilience"
	"github.com/gleitzeit/gleitzeit/resolver"
	"github.com/gleitzeit/gleitzeit/telemetry"
)

const (
	persistAttempts   = 3
	persistRetryDelay = 100 * time.Millisecond
)

// Engine is the execution core. One engine instance runs per process;
// multiple instances coordinate through persistence locks when
// LockOwnerID is configured.
type Engine struct {
	config    *Config
	logger    core.Logger
	protocols *protocol.Registry
	providers *provider.Registry
	backend   persistence.Backend
	queue     *queue.Queue

	mu   sync.Mutex
	runs map[string]*run

	workers  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// run tracks one live workflow: its in-memory task state, completion
// bookkeeping and cancellation signal.
type run struct {
	mu        sync.Mutex
	wf        *core.Workflow
	byID      map[string]*core.Task
	byName    map[string]*core.Task
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
	finalized bool
	done      chan struct{}
	stopLock  chan struct{}
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// lookup resolves a substitution key (task name or id) to that task's
// stored result. Only COMPLETED tasks resolve.
func (r *run) lookup(key string) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.byName[key]
	if t == nil {
		t = r.byID[key]
	}
	if t == nil || t.Status != core.TaskStatusCompleted {
		return nil, false
	}
	result, ok := r.wf.TaskResults[t.ID]
	return result, ok
}

// progress returns copies of the workflow's completion sets and results
// for persisting.
func (r *run) progress() (completed, failed []string, results map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	completed = append([]string(nil), r.wf.CompletedTasks...)
	failed = append([]string(nil), r.wf.FailedTasks...)
	results = make(map[string]interface{}, len(r.wf.TaskResults))
	for k, v := range r.wf.TaskResults {
		results[k] = v
	}
	return completed, failed, results
}

// New creates an engine. Call Start to begin scheduling.
func New(protocols *protocol.Registry, providers *provider.Registry, backend persistence.Backend, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	config.applyDefaults()
	return &Engine{
		config:    config,
		logger:    config.Logger,
		protocols: protocols,
		providers: providers,
		backend:   backend,
		queue:     queue.New(),
		runs:      make(map[string]*run),
		workers:   make(chan struct{}, config.MaxConcurrentTasks),
		stop:      make(chan struct{}),
	}
}

// Start runs the crash-recovery sweep and begins the scheduler loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if err := e.Recover(ctx); err != nil {
		e.logger.Error("Recovery sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop(ctx)
	}()

	e.logger.Info("Engine started", map[string]interface{}{
		"max_concurrent_tasks": e.config.MaxConcurrentTasks,
	})
	return nil
}

// Stop halts the scheduler and waits for in-flight workers to finish.
// Live workflows are left in persistence for recovery on the next start.
func (e *Engine) Stop(ctx context.Context) error {
	e.halt()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) halt() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
}

// loop is the scheduler: pull the next ready task, acquire a worker slot,
// execute. It blocks on the queue's readiness signal when nothing is
// ready.
func (e *Engine) loop(ctx context.Context) {
	for {
		t := e.queue.Dequeue(nil)
		if t == nil {
			select {
			case <-e.queue.Ready():
				continue
			case <-e.stop:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case e.workers <- struct{}{}:
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		}

		e.wg.Add(1)
		go func(t *core.Task) {
			defer e.wg.Done()
			defer func() { <-e.workers }()
			e.execute(t)
		}(t)
	}
}

// RunWorkflow persists a validated workflow and starts executing it. The
// caller (the workflow manager) has already normalized ids and run the
// static DAG checks.
func (e *Engine) RunWorkflow(ctx context.Context, wf *core.Workflow) error {
	if wf.ID == "" {
		wf.ID = core.NewID()
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now()
	}
	if wf.TaskResults == nil {
		wf.TaskResults = make(map[string]interface{})
	}
	wf.Status = core.WorkflowStatusQueued

	if e.config.LockOwnerID != "" {
		ok, err := e.backend.AcquireLock(ctx, lockResource(wf.ID), e.config.LockOwnerID, e.config.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return core.Errorf(core.CodePersistence, "workflow %s is locked by another engine instance", wf.ID)
		}
	}

	if err := e.backend.SaveWorkflow(ctx, wf); err != nil {
		return err
	}
	for _, t := range wf.Tasks {
		if err := e.backend.SaveTask(ctx, t); err != nil {
			return err
		}
	}

	telemetry.SetSpanAttributes(ctx,
		attribute.String("gleitzeit.workflow.id", wf.ID),
		attribute.String("gleitzeit.workflow.name", wf.Name),
		attribute.Int("gleitzeit.workflow.task_count", len(wf.Tasks)),
	)
	telemetry.AddSpanEvent(ctx, "workflow_submitted",
		attribute.String("workflow_id", wf.ID),
		attribute.Int("task_count", len(wf.Tasks)),
	)
	e.logger.Info("Workflow submitted", map[string]interface{}{
		"workflow_id": wf.ID,
		"workflow":    wf.Name,
		"task_count":  len(wf.Tasks),
	})

	if len(wf.Tasks) == 0 {
		// An empty workflow completes immediately.
		wf.Status = core.WorkflowStatusCompleted
		now := time.Now()
		wf.CompletedAt = &now
		if err := e.backend.SetWorkflowStatus(ctx, wf.ID, core.WorkflowStatusCompleted); err != nil {
			return err
		}
		e.releaseLock(wf.ID)
		return nil
	}

	wf.Status = core.WorkflowStatusRunning
	if err := e.backend.SetWorkflowStatus(ctx, wf.ID, core.WorkflowStatusRunning); err != nil {
		return err
	}

	r := e.newRun(wf)
	e.mu.Lock()
	e.runs[wf.ID] = r
	e.mu.Unlock()

	if e.config.LockOwnerID != "" {
		go e.keepLock(r)
	}

	e.queue.EnqueueBatch(wf.Tasks, nil)
	return nil
}

func (e *Engine) newRun(wf *core.Workflow) *run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		wf:     wf,
		byID:   make(map[string]*core.Task, len(wf.Tasks)),
		byName: make(map[string]*core.Task, len(wf.Tasks)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if e.config.LockOwnerID != "" {
		r.stopLock = make(chan struct{})
	}
	for _, t := range wf.Tasks {
		r.byID[t.ID] = t
		if t.Name != "" {
			r.byName[t.Name] = t
		}
	}
	return r
}

func lockResource(workflowID string) string {
	return "workflow:" + workflowID
}

func (e *Engine) releaseLock(workflowID string) {
	if e.config.LockOwnerID == "" {
		return
	}
	if err := e.backend.ReleaseLock(context.Background(), lockResource(workflowID), e.config.LockOwnerID); err != nil {
		e.logger.Warn("Releasing workflow lock failed", map[string]interface{}{
			"workflow_id": workflowID,
			"error":       err.Error(),
		})
	}
}

// keepLock extends the workflow lock at half its TTL. Losing the lock
// aborts in-flight dispatch for the workflow.
func (e *Engine) keepLock(r *run) {
	ticker := time.NewTicker(e.config.LockTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopLock:
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ok, err := e.backend.ExtendLock(context.Background(), lockResource(r.wf.ID), e.config.LockOwnerID, e.config.LockTTL)
			if err != nil || !ok {
				e.logger.Error("Lost workflow lock, aborting dispatch", map[string]interface{}{
					"workflow_id": r.wf.ID,
				})
				r.cancel()
				return
			}
		}
	}
}

// execute runs one task to a terminal state. Per-task work is strictly
// sequential; the only shared state is the queue, the run record and
// persistence.
func (e *Engine) execute(t *core.Task) {
	e.mu.Lock()
	r := e.runs[t.WorkflowID]
	e.mu.Unlock()
	if r == nil {
		// Workflow finished or was cancelled while the task sat in the
		// ready queue.
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			err := core.Errorf(core.CodeProviderError, "task execution panic: %v", rec)
			e.logger.Error("Task panic", map[string]interface{}{
				"task_id":     t.ID,
				"workflow_id": t.WorkflowID,
				"panic":       fmt.Sprintf("%v", rec),
			})
			e.finishTask(r, t, nil, err, 0)
		}
	}()

	if r.isCancelled() {
		e.finishTask(r, t, nil, core.NewError(core.CodeCancelled, "workflow cancelled"), 0)
		return
	}

	now := time.Now()
	r.mu.Lock()
	t.Status = core.TaskStatusRunning
	t.StartedAt = &now
	if t.Attempt == 0 {
		t.Attempt = 1
	}
	r.mu.Unlock()

	if err := e.persist(r.ctx, "task status", func() error {
		return e.backend.SetTaskStatus(r.ctx, t.ID, core.TaskStatusRunning)
	}); err != nil {
		e.finishTask(r, t, nil, err, 0)
		return
	}

	telemetry.AddSpanEvent(r.ctx, "task_started",
		attribute.String("task_id", t.ID),
		attribute.String("workflow_id", t.WorkflowID),
	)
	e.logger.Debug("Task started", map[string]interface{}{
		"task_id":     t.ID,
		"task":        t.Name,
		"workflow_id": t.WorkflowID,
		"method":      t.Method,
	})

	params, err := resolver.SubstituteParams(t.Params, r.lookup)
	if err == nil {
		params, err = e.protocols.ValidateCall(t.Protocol, t.Method, params)
	}
	if err != nil {
		e.finishTask(r, t, nil, err, 0)
		return
	}

	policy := t.Retry
	if policy == nil {
		policy = e.config.DefaultRetry
	}

	start := time.Now()
	result, callErr := e.callWithGrace(r, t, params, policy)
	e.finishTask(r, t, result, callErr, time.Since(start))
}

// callWithGrace runs the retrying provider call and, when the workflow is
// cancelled mid-call, waits out the grace period for providers that do
// not honor cancellation before recording the task CANCELLED anyway.
func (e *Engine) callWithGrace(r *run, t *core.Task, params map[string]interface{}, policy *core.RetryPolicy) (interface{}, error) {
	var attempts int32 = 1
	type outcome struct {
		result interface{}
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		var result interface{}
		err := resilience.Retry(r.ctx, policy, nil, func(n int) {
			atomic.StoreInt32(&attempts, int32(n))
		}, func(ctx context.Context) error {
			inst, selErr := e.selectInstance(ctx, t, params)
			if selErr != nil {
				return selErr
			}
			callCtx, cancel := context.WithTimeout(ctx, e.config.TaskTimeout)
			defer cancel()
			res, callErr := inst.Call(callCtx, t.Method, params)
			e.recordMetrics(inst)
			if callErr != nil {
				return callErr
			}
			result = res
			return nil
		})
		ch <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-r.ctx.Done():
		select {
		case out = <-ch:
		case <-time.After(e.config.CancelGracePeriod):
			out = outcome{err: core.Errorf(core.CodeCancelled, "task %s abandoned after cancellation grace period", t.ID)}
		}
	}

	r.mu.Lock()
	t.Attempt = int(atomic.LoadInt32(&attempts))
	r.mu.Unlock()
	return out.result, out.err
}

// selectInstance asks the registry for a provider, polling while every
// instance is unavailable (unhealthy or circuit-open) up to the wait
// timeout. A protocol with no registered instances fails immediately.
func (e *Engine) selectInstance(ctx context.Context, t *core.Task, params map[string]interface{}) (*provider.Instance, error) {
	var caps []string
	if e.config.Strategy == provider.StrategyCapabilityAffinity {
		if model, ok := params["model"].(string); ok && model != "" {
			caps = []string{model}
		}
	}

	deadline := time.Now().Add(e.config.ProviderWaitTimeout)
	for {
		inst, err := e.providers.SelectProvider(t.Protocol, t.Method, caps, e.config.Strategy)
		if err == nil {
			return inst, nil
		}
		if core.CodeOf(err) == core.CodeProviderNotFound {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, core.WrapError(core.CodeCancelled, "provider wait cancelled", ctx.Err())
		case <-time.After(e.config.ProviderRetryDelay):
		}
	}
}

func (e *Engine) recordMetrics(inst *provider.Instance) {
	snap := inst.Metrics()
	sample := persistence.MetricsSample{
		InstanceID:     inst.ProviderID,
		Timestamp:      time.Now(),
		ActiveRequests: snap.ActiveRequests,
		RequestCount:   snap.RequestCount,
		ErrorCount:     snap.ErrorCount,
		AvgResponseMs:  snap.AvgResponseMs,
	}
	if err := e.backend.AppendMetrics(context.Background(), sample); err != nil {
		e.logger.Debug("Metrics append failed", map[string]interface{}{
			"instance_id": inst.ProviderID,
			"error":       err.Error(),
		})
	}
}

// finishTask records a task's terminal state, updates workflow progress,
// readies dependents or propagates the failure, and checks workflow
// completion.
func (e *Engine) finishTask(r *run, t *core.Task, result interface{}, err error, duration time.Duration) {
	// Persistence continues even when the run context is cancelled.
	ctx := context.Background()
	now := time.Now()

	if err == nil {
		r.mu.Lock()
		t.Status = core.TaskStatusCompleted
		t.CompletedAt = &now
		t.Result = result
		t.Error = nil
		r.wf.CompletedTasks = appendUnique(r.wf.CompletedTasks, t.ID)
		r.wf.TaskResults[t.ID] = result
		attempt := t.Attempt
		r.mu.Unlock()

		e.persist(ctx, "task result", func() error {
			return e.backend.SetTaskResult(ctx, t.ID, result, nil, attempt)
		})
		e.persist(ctx, "task status", func() error {
			return e.backend.SetTaskStatus(ctx, t.ID, core.TaskStatusCompleted)
		})
		completed, failed, results := r.progress()
		e.persist(ctx, "workflow progress", func() error {
			return e.backend.UpdateWorkflowProgress(ctx, r.wf.ID, completed, failed, results)
		})

		newlyReady := e.queue.MarkCompleted(t.ID)

		telemetry.AddSpanEvent(r.ctx, "task_completed",
			attribute.String("task_id", t.ID),
			attribute.Int64("duration_ms", duration.Milliseconds()),
			attribute.Int("attempts", attempt),
		)
		e.logger.Info("Task completed", map[string]interface{}{
			"task_id":     t.ID,
			"task":        t.Name,
			"workflow_id": t.WorkflowID,
			"duration_ms": duration.Milliseconds(),
			"attempts":    attempt,
			"newly_ready": len(newlyReady),
		})
	} else {
		coreErr := asCoreError(err)
		status := core.TaskStatusFailed
		if coreErr.Code == core.CodeCancelled || r.isCancelled() {
			status = core.TaskStatusCancelled
			if coreErr.Code != core.CodeCancelled {
				coreErr = core.WrapError(core.CodeCancelled, "workflow cancelled", coreErr)
			}
		}

		r.mu.Lock()
		t.Status = status
		t.CompletedAt = &now
		t.Error = coreErr
		if status == core.TaskStatusFailed {
			r.wf.FailedTasks = appendUnique(r.wf.FailedTasks, t.ID)
		}
		attempt := t.Attempt
		r.mu.Unlock()

		e.persist(ctx, "task result", func() error {
			return e.backend.SetTaskResult(ctx, t.ID, nil, coreErr, attempt)
		})
		e.persist(ctx, "task status", func() error {
			return e.backend.SetTaskStatus(ctx, t.ID, status)
		})
		completed, failed, results := r.progress()
		e.persist(ctx, "workflow progress", func() error {
			return e.backend.UpdateWorkflowProgress(ctx, r.wf.ID, completed, failed, results)
		})

		telemetry.RecordSpanError(r.ctx, coreErr)
		telemetry.AddSpanEvent(r.ctx, "task_failed",
			attribute.String("task_id", t.ID),
			attribute.String("error_code", string(coreErr.Code)),
			attribute.Int("attempts", attempt),
		)
		e.logger.Error("Task failed", map[string]interface{}{
			"task_id":     t.ID,
			"task":        t.Name,
			"workflow_id": t.WorkflowID,
			"error_code":  string(coreErr.Code),
			"error":       coreErr.Message,
			"attempts":    attempt,
		})

		if status == core.TaskStatusFailed {
			e.propagateFailure(ctx, r, t)
		}
	}

	e.checkCompletion(r)
}

// propagateFailure fails the dependents that can no longer run and
// releases those that only needed ordering, per the workflow's error
// strategy.
func (e *Engine) propagateFailure(ctx context.Context, r *run, failed *core.Task) {
	r.mu.Lock()
	failIDs, released := resolver.PropagateFailure(r.wf, failed.ID)
	r.mu.Unlock()

	for _, id := range failIDs {
		t := r.byID[id]
		if t == nil {
			continue
		}
		e.queue.Cancel(id)

		now := time.Now()
		depErr := core.Errorf(core.CodeDependencyFailed, "dependency %q failed", failed.Name).
			WithData("dependency_id", failed.ID)

		r.mu.Lock()
		t.Status = core.TaskStatusFailed
		t.Error = depErr
		t.CompletedAt = &now
		r.wf.FailedTasks = appendUnique(r.wf.FailedTasks, t.ID)
		r.mu.Unlock()

		e.persist(ctx, "task result", func() error {
			return e.backend.SetTaskResult(ctx, t.ID, nil, depErr, t.Attempt)
		})
		e.persist(ctx, "task status", func() error {
			return e.backend.SetTaskStatus(ctx, t.ID, core.TaskStatusFailed)
		})

		e.logger.Warn("Task failed through dependency", map[string]interface{}{
			"task_id":       t.ID,
			"task":          t.Name,
			"workflow_id":   t.WorkflowID,
			"dependency":    failed.Name,
			"dependency_id": failed.ID,
		})
	}

	if len(failIDs) > 0 {
		completed, failedIDs, results := r.progress()
		e.persist(ctx, "workflow progress", func() error {
			return e.backend.UpdateWorkflowProgress(ctx, r.wf.ID, completed, failedIDs, results)
		})
	}

	for _, rel := range released {
		e.queue.Release(rel.TaskID, rel.DepID)
	}
}

// checkCompletion finalizes the workflow once every task is terminal.
func (e *Engine) checkCompletion(r *run) {
	r.mu.Lock()
	if r.finalized || !r.wf.IsComplete() {
		r.mu.Unlock()
		return
	}
	r.finalized = true
	status := core.WorkflowStatusCompleted
	if r.cancelled {
		status = core.WorkflowStatusCancelled
	} else if len(r.wf.FailedTasks) > 0 {
		status = core.WorkflowStatusFailed
	}
	r.wf.Status = status
	now := time.Now()
	r.wf.CompletedAt = &now
	r.mu.Unlock()

	ctx := context.Background()
	completed, failed, results := r.progress()
	e.persist(ctx, "workflow progress", func() error {
		return e.backend.UpdateWorkflowProgress(ctx, r.wf.ID, completed, failed, results)
	})
	e.persist(ctx, "workflow status", func() error {
		return e.backend.SetWorkflowStatus(ctx, r.wf.ID, status)
	})

	if r.stopLock != nil {
		close(r.stopLock)
	}
	e.releaseLock(r.wf.ID)

	telemetry.AddSpanEvent(r.ctx, "workflow_finished",
		attribute.String("workflow_id", r.wf.ID),
		attribute.String("status", string(status)),
		attribute.Int("completed", len(completed)),
		attribute.Int("failed", len(failed)),
	)
	e.logger.Info("Workflow finished", map[string]interface{}{
		"workflow_id": r.wf.ID,
		"workflow":    r.wf.Name,
		"status":      string(status),
		"completed":   len(completed),
		"failed":      len(failed),
	})

	close(r.done)
	e.mu.Lock()
	delete(e.runs, r.wf.ID)
	e.mu.Unlock()
}

// CancelWorkflow sets a workflow's intent to cancelled, removes queued
// tasks and signals running provider calls to abort. Idempotent; returns
// false when the workflow is unknown or already finished non-cancelled.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) bool {
	e.mu.Lock()
	r, live := e.runs[workflowID]
	e.mu.Unlock()

	if !live {
		wf, err := e.backend.GetWorkflow(ctx, workflowID)
		if err != nil {
			return false
		}
		return wf.Status == core.WorkflowStatusCancelled
	}

	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return true
	}
	r.cancelled = true
	tasks := r.wf.Tasks
	r.mu.Unlock()

	e.logger.Info("Cancelling workflow", map[string]interface{}{
		"workflow_id": workflowID,
	})
	telemetry.AddSpanEvent(r.ctx, "workflow_cancel_requested",
		attribute.String("workflow_id", workflowID),
	)

	// Abort in-flight provider calls.
	r.cancel()

	// Remove not-yet-started tasks from the queue.
	for _, t := range tasks {
		if !e.queue.Cancel(t.ID) {
			continue
		}
		now := time.Now()
		cancelErr := core.NewError(core.CodeCancelled, "workflow cancelled")

		r.mu.Lock()
		t.Status = core.TaskStatusCancelled
		t.Error = cancelErr
		t.CompletedAt = &now
		r.mu.Unlock()

		e.persist(ctx, "task result", func() error {
			return e.backend.SetTaskResult(ctx, t.ID, nil, cancelErr, t.Attempt)
		})
		e.persist(ctx, "task status", func() error {
			return e.backend.SetTaskStatus(ctx, t.ID, core.TaskStatusCancelled)
		})
	}

	e.checkCompletion(r)
	return true
}

// WaitForWorkflow blocks until the workflow reaches a terminal state or
// the context expires, then returns the persisted workflow.
func (e *Engine) WaitForWorkflow(ctx context.Context, workflowID string) (*core.Workflow, error) {
	for {
		e.mu.Lock()
		r, live := e.runs[workflowID]
		e.mu.Unlock()

		if live {
			select {
			case <-r.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		wf, err := e.backend.GetWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if wf.Status.IsTerminal() {
			return wf, nil
		}

		// Between finalize and run removal, or a workflow that never
		// started; poll briefly.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// ExecuteTask runs one task outside any workflow: validate, dispatch with
// retry, persist. Task-level failures are reported in the returned
// TaskResult; the error return is reserved for engine faults.
func (e *Engine) ExecuteTask(ctx context.Context, t *core.Task) (*core.TaskResult, error) {
	if t.ID == "" {
		t.ID = core.NewID()
	}
	if t.Priority == "" {
		t.Priority = core.PriorityNormal
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.Status = core.TaskStatusRunning
	now := time.Now()
	t.StartedAt = &now
	t.Attempt = 1

	if err := e.backend.SaveTask(ctx, t); err != nil {
		return nil, err
	}

	policy := t.Retry
	if policy == nil {
		policy = e.config.DefaultRetry
	}

	var result interface{}
	start := time.Now()
	params, err := e.protocols.ValidateCall(t.Protocol, t.Method, t.Params)
	if err == nil {
		var attempts int32 = 1
		err = resilience.Retry(ctx, policy, nil, func(n int) {
			atomic.StoreInt32(&attempts, int32(n))
		}, func(ctx context.Context) error {
			inst, selErr := e.selectInstance(ctx, t, params)
			if selErr != nil {
				return selErr
			}
			callCtx, cancel := context.WithTimeout(ctx, e.config.TaskTimeout)
			defer cancel()
			res, callErr := inst.Call(callCtx, t.Method, params)
			e.recordMetrics(inst)
			if callErr != nil {
				return callErr
			}
			result = res
			return nil
		})
		t.Attempt = int(atomic.LoadInt32(&attempts))
	}
	duration := time.Since(start)

	completedAt := time.Now()
	t.CompletedAt = &completedAt
	res := &core.TaskResult{
		TaskID:          t.ID,
		WorkflowID:      t.WorkflowID,
		DurationSeconds: duration.Seconds(),
		CompletedAt:     completedAt,
		Attempts:        t.Attempt,
	}
	if err != nil {
		coreErr := asCoreError(err)
		t.Status = core.TaskStatusFailed
		t.Error = coreErr
		res.Status = core.TaskStatusFailed
		res.Error = coreErr
		if perr := e.backend.SetTaskResult(ctx, t.ID, nil, coreErr, t.Attempt); perr != nil {
			return nil, perr
		}
		if perr := e.backend.SetTaskStatus(ctx, t.ID, core.TaskStatusFailed); perr != nil {
			return nil, perr
		}
		return res, nil
	}

	t.Status = core.TaskStatusCompleted
	t.Result = result
	res.Status = core.TaskStatusCompleted
	res.Result = result
	if perr := e.backend.SetTaskResult(ctx, t.ID, result, nil, t.Attempt); perr != nil {
		return nil, perr
	}
	if perr := e.backend.SetTaskStatus(ctx, t.ID, core.TaskStatusCompleted); perr != nil {
		return nil, perr
	}
	return res, nil
}

// persist runs a persistence write with bounded internal retry. Persistent
// failure halts the engine: continuing without durable state risks
// divergence.
func (e *Engine) persist(ctx context.Context, what string, fn func() error) error {
	var err error
	for i := 0; i < persistAttempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(persistRetryDelay)
	}
	e.logger.Error("Persistence failure, halting engine", map[string]interface{}{
		"operation": what,
		"error":     err.Error(),
	})
	e.halt()
	return core.WrapError(core.CodePersistence, "persisting "+what, err)
}

func asCoreError(err error) *core.Error {
	var ce *core.Error
	if errors.As(err, &ce) {
		return ce
	}
	return core.WrapError(core.CodeProviderError, err.Error(), err)
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}
