package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit/gleitzeit/core"
	"github.com/gleitzeit/gleitzeit/persistence"
	"github.com/gleitzeit/gleitzeit/protocol"
	"github.com/gleitzeit/gleitzeit/provider"
)

const (
	testProtocolID = "test/v1"
	testMethod     = "test/run"
)

// fakeProvider runs a scripted handler for test/run.
type fakeProvider struct {
	handler func(ctx context.Context, params map[string]interface{}) (interface{}, error)
	calls   int32
}

func (p *fakeProvider) Initialize(ctx context.Context) error { return nil }
func (p *fakeProvider) Shutdown(ctx context.Context) error   { return nil }
func (p *fakeProvider) SupportedMethods() []string           { return []string{testMethod} }
func (p *fakeProvider) HealthCheck(ctx context.Context) provider.Health {
	return provider.Health{Status: provider.StatusHealthy}
}

func (p *fakeProvider) Handle(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	atomic.AddInt32(&p.calls, 1)
	return p.handler(ctx, params)
}

func (p *fakeProvider) callCount() int {
	return int(atomic.LoadInt32(&p.calls))
}

type harness struct {
	engine    *Engine
	backend   *persistence.MemoryBackend
	protocols *protocol.Registry
	providers *provider.Registry
}

func fastConfig() *Config {
	return &Config{
		MaxConcurrentTasks:  4,
		TaskTimeout:         2 * time.Second,
		ProviderWaitTimeout: 200 * time.Millisecond,
		ProviderRetryDelay:  10 * time.Millisecond,
		CancelGracePeriod:   50 * time.Millisecond,
		DefaultRetry: &core.RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: 2 * time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			Multiplier:   2.0,
			Strategy:     core.BackoffExponential,
		},
	}
}

func newHarness(t *testing.T, cfg *Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = fastConfig()
	}

	protocols := protocol.NewRegistry(nil)
	require.NoError(t, protocols.Register(&protocol.Spec{
		Name:    "test",
		Version: "v1",
		Methods: map[string]*protocol.MethodSpec{
			testMethod: {Name: testMethod},
		},
	}))
	require.NoError(t, protocols.Register(&protocol.Spec{
		Name:    "echo",
		Version: "v1",
		Methods: map[string]*protocol.MethodSpec{
			provider.EchoMethod: {Name: provider.EchoMethod},
		},
	}))

	providers := provider.NewRegistry(nil)
	t.Cleanup(func() { _ = providers.Close(context.Background()) })

	backend := persistence.NewMemoryBackend()
	eng := New(protocols, providers, backend, cfg)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})

	return &harness{engine: eng, backend: backend, protocols: protocols, providers: providers}
}

func (h *harness) registerFake(t *testing.T, id string, handler func(ctx context.Context, params map[string]interface{}) (interface{}, error)) *fakeProvider {
	t.Helper()
	p := &fakeProvider{handler: handler}
	_, err := h.providers.Register(context.Background(), id, testProtocolID, p, nil)
	require.NoError(t, err)
	return p
}

// makeWorkflow builds a pre-normalized workflow: dependency lists already
// hold task ids, as the workflow manager would have produced.
func makeWorkflow(name string, strategy core.ErrorStrategy, tasks ...*core.Task) *core.Workflow {
	wf := &core.Workflow{
		ID:            core.NewID(),
		Name:          name,
		ErrorStrategy: strategy,
		Tasks:         tasks,
		CreatedAt:     time.Now(),
	}
	for i, t := range tasks {
		t.WorkflowID = wf.ID
		t.Status = core.TaskStatusQueued
		if t.Priority == "" {
			t.Priority = core.PriorityNormal
		}
		if t.Params == nil {
			t.Params = map[string]interface{}{}
		}
		t.CreatedAt = wf.CreatedAt.Add(time.Duration(i) * time.Nanosecond)
	}
	return wf
}

func testTask(id, name string, params map[string]interface{}, deps ...string) *core.Task {
	return &core.Task{
		ID:           id,
		Name:         name,
		Protocol:     testProtocolID,
		Method:       testMethod,
		Params:       params,
		Dependencies: deps,
	}
}

func waitDone(t *testing.T, h *harness, workflowID string) *core.Workflow {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wf, err := h.engine.WaitForWorkflow(ctx, workflowID)
	require.NoError(t, err)
	return wf
}

// A three-task chain where downstream parameters reference upstream
// results, with types preserved for whole-token references.
func TestChainWithSubstitution(t *testing.T) {
	h := newHarness(t, nil)

	echo := provider.NewEchoProvider()
	_, err := h.providers.Register(context.Background(), "echo-1", provider.EchoProtocolID, echo, nil)
	require.NoError(t, err)

	step1 := &core.Task{
		ID:       "t1",
		Name:     "step1",
		Protocol: provider.EchoProtocolID,
		Method:   provider.EchoMethod,
		Params:   map[string]interface{}{"message": "hello", "n": float64(42)},
	}
	step2 := &core.Task{
		ID:       "t2",
		Name:     "step2",
		Protocol: provider.EchoProtocolID,
		Method:   provider.EchoMethod,
		Params: map[string]interface{}{
			"copied": "${step1.message}",
			"n":      "${step1.n}",
			"text":   "got ${step1.message}",
		},
		Dependencies: []string{"t1"},
	}
	step3 := &core.Task{
		ID:       "t3",
		Name:     "step3",
		Protocol: provider.EchoProtocolID,
		Method:   provider.EchoMethod,
		Params: map[string]interface{}{
			"final": "${step2.text}",
		},
		Dependencies: []string{"t2"},
	}
	wf := makeWorkflow("chain", core.ErrorStrategyStop, step1, step2, step3)

	require.NoError(t, h.engine.RunWorkflow(context.Background(), wf))
	done := waitDone(t, h, wf.ID)

	assert.Equal(t, core.WorkflowStatusCompleted, done.Status)
	assert.Len(t, done.CompletedTasks, 3)
	assert.Empty(t, done.FailedTasks)

	t2, err := h.backend.GetTask(context.Background(), "t2")
	require.NoError(t, err)
	result := t2.Result.(map[string]interface{})
	assert.Equal(t, "hello", result["copied"])
	assert.Equal(t, float64(42), result["n"], "whole-token reference keeps the numeric type")
	assert.Equal(t, "got hello", result["text"])

	t3, err := h.backend.GetTask(context.Background(), "t3")
	require.NoError(t, err)
	assert.Equal(t, "got hello", t3.Result.(map[string]interface{})["final"])
}

// Under the stop strategy a failure fails every transitive dependent and
// the workflow.
func TestStopStrategyFailsDependents(t *testing.T) {
	h := newHarness(t, nil)
	h.registerFake(t, "fake-1", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		if fail, _ := params["fail"].(bool); fail {
			return nil, core.NewError(core.CodeProviderError, "scripted failure").WithData("retryable", false)
		}
		return map[string]interface{}{"ok": true}, nil
	})

	wf := makeWorkflow("stop", core.ErrorStrategyStop,
		testTask("a", "broken", map[string]interface{}{"fail": true}),
		testTask("b", "dependent", nil, "a"),
		testTask("c", "grandchild", nil, "b"),
		testTask("d", "independent", nil),
	)
	require.NoError(t, h.engine.RunWorkflow(context.Background(), wf))
	done := waitDone(t, h, wf.ID)

	assert.Equal(t, core.WorkflowStatusFailed, done.Status)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, done.FailedTasks)
	assert.Contains(t, done.CompletedTasks, "d")

	b, err := h.backend.GetTask(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, b.Status)
	require.NotNil(t, b.Error)
	assert.Equal(t, core.CodeDependencyFailed, b.Error.Code)

	c, err := h.backend.GetTask(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, core.CodeDependencyFailed, c.Error.Code)
}

// Under continue, only dependents that consume the failed result fail;
// ordering-only dependents still run. Any failure makes the workflow
// FAILED.
func TestContinueStrategyReleasesOrderingDeps(t *testing.T) {
	h := newHarness(t, nil)
	h.registerFake(t, "fake-1", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		if fail, _ := params["fail"].(bool); fail {
			return nil, core.NewError(core.CodeProviderError, "scripted failure").WithData("retryable", false)
		}
		return map[string]interface{}{"ok": true}, nil
	})

	wf := makeWorkflow("continue", core.ErrorStrategyContinue,
		testTask("a", "broken", map[string]interface{}{"fail": true}),
		testTask("b", "consumer", map[string]interface{}{"input": "${broken.ok}"}, "a"),
		testTask("c", "ordered", nil, "a"),
	)
	require.NoError(t, h.engine.RunWorkflow(context.Background(), wf))
	done := waitDone(t, h, wf.ID)

	assert.Equal(t, core.WorkflowStatusFailed, done.Status)
	assert.ElementsMatch(t, []string{"a", "b"}, done.FailedTasks)
	assert.Equal(t, []string{"c"}, done.CompletedTasks)

	c, err := h.backend.GetTask(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, c.Status)
}

// Transient failures retry with backoff until the policy is exhausted or
// the call succeeds; the attempt count is persisted.
func TestRetryOnTransientFailure(t *testing.T) {
	h := newHarness(t, nil)
	var calls int32
	h.registerFake(t, "fake-1", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, core.NewError(core.CodeProviderTimeout, "transient")
		}
		return map[string]interface{}{"ok": true}, nil
	})

	wf := makeWorkflow("retry", core.ErrorStrategyStop,
		testTask("a", "flaky", nil),
	)
	require.NoError(t, h.engine.RunWorkflow(context.Background(), wf))
	done := waitDone(t, h, wf.ID)

	assert.Equal(t, core.WorkflowStatusCompleted, done.Status)
	a, err := h.backend.GetTask(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 3, a.Attempt)
	assert.Equal(t, 3, int(atomic.LoadInt32(&calls)))
}

func TestRetryExhaustionFailsTask(t *testing.T) {
	h := newHarness(t, nil)
	p := h.registerFake(t, "fake-1", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return nil, core.NewError(core.CodeProviderTimeout, "always slow")
	})

	wf := makeWorkflow("exhaust", core.ErrorStrategyStop,
		testTask("a", "doomed", nil),
	)
	require.NoError(t, h.engine.RunWorkflow(context.Background(), wf))
	done := waitDone(t, h, wf.ID)

	assert.Equal(t, core.WorkflowStatusFailed, done.Status)
	assert.Equal(t, 3, p.callCount())

	a, err := h.backend.GetTask(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, a.Status)
	assert.Equal(t, core.CodeProviderTimeout, a.Error.Code)
}

// A task whose protocol has no registered providers fails without
// waiting out the availability timeout.
func TestNoProviderFailsFast(t *testing.T) {
	h := newHarness(t, nil)

	wf := makeWorkflow("orphan", core.ErrorStrategyStop,
		testTask("a", "unroutable", nil),
	)
	start := time.Now()
	require.NoError(t, h.engine.RunWorkflow(context.Background(), wf))
	done := waitDone(t, h, wf.ID)

	assert.Equal(t, core.WorkflowStatusFailed, done.Status)
	assert.Less(t, time.Since(start), 2*time.Second)

	a, err := h.backend.GetTask(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, core.CodeProviderNotFound, a.Error.Code)
}

func TestEmptyWorkflowCompletesImmediately(t *testing.T) {
	h := newHarness(t, nil)

	wf := makeWorkflow("empty", core.ErrorStrategyStop)
	require.NoError(t, h.engine.RunWorkflow(context.Background(), wf))

	got, err := h.backend.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStatusCompleted, got.Status)
}

func TestCancelWorkflow(t *testing.T) {
	h := newHarness(t, nil)
	h.registerFake(t, "fake-1", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		select {
		case <-time.After(10 * time.Second):
			return map[string]interface{}{"ok": true}, nil
		case <-ctx.Done():
			return nil, core.WrapError(core.CodeCancelled, "aborted", ctx.Err())
		}
	})

	wf := makeWorkflow("cancel", core.ErrorStrategyStop,
		testTask("a", "slow", nil),
		testTask("b", "queued", nil, "a"),
	)
	require.NoError(t, h.engine.RunWorkflow(context.Background(), wf))

	// Wait for the slow task to reach RUNNING before cancelling.
	require.Eventually(t, func() bool {
		a, err := h.backend.GetTask(context.Background(), "a")
		return err == nil && a.Status == core.TaskStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, h.engine.CancelWorkflow(context.Background(), wf.ID))
	done := waitDone(t, h, wf.ID)
	assert.Equal(t, core.WorkflowStatusCancelled, done.Status)

	a, err := h.backend.GetTask(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCancelled, a.Status)
	b, err := h.backend.GetTask(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCancelled, b.Status)

	// Cancelling a finished cancelled workflow stays true; an unknown id
	// is false.
	assert.True(t, h.engine.CancelWorkflow(context.Background(), wf.ID))
	assert.False(t, h.engine.CancelWorkflow(context.Background(), "absent"))
}

// Workflows left RUNNING by a crash resume on startup: mid-flight tasks
// fail with CrashRecovered, completed results are honored and the rest of
// the DAG executes.
func TestCrashRecovery(t *testing.T) {
	backend := persistence.NewMemoryBackend()
	ctx := context.Background()

	wf := &core.Workflow{
		ID:            "wf-crashed",
		Name:          "interrupted",
		Status:        core.WorkflowStatusRunning,
		ErrorStrategy: core.ErrorStrategyStop,
		CreatedAt:     time.Now(),
		TaskResults:   map[string]interface{}{},
	}
	base := wf.CreatedAt
	crashed := &core.Task{
		ID: "a", WorkflowID: wf.ID, Name: "crashed",
		Protocol: testProtocolID, Method: testMethod,
		Params: map[string]interface{}{}, Priority: core.PriorityNormal,
		Status: core.TaskStatusRunning, CreatedAt: base,
	}
	dependent := &core.Task{
		ID: "b", WorkflowID: wf.ID, Name: "dependent",
		Protocol: testProtocolID, Method: testMethod,
		Params: map[string]interface{}{}, Priority: core.PriorityNormal,
		Dependencies: []string{"a"},
		Status:       core.TaskStatusQueued, CreatedAt: base.Add(time.Nanosecond),
	}
	finished := &core.Task{
		ID: "c", WorkflowID: wf.ID, Name: "finished",
		Protocol: testProtocolID, Method: testMethod,
		Params: map[string]interface{}{}, Priority: core.PriorityNormal,
		Status: core.TaskStatusCompleted, CreatedAt: base.Add(2 * time.Nanosecond),
		Result: map[string]interface{}{"value": "kept"},
	}
	pending := &core.Task{
		ID: "d", WorkflowID: wf.ID, Name: "pending",
		Protocol: testProtocolID, Method: testMethod,
		Params:       map[string]interface{}{"input": "${finished.value}"},
		Priority:     core.PriorityNormal,
		Dependencies: []string{"c"},
		Status:       core.TaskStatusQueued, CreatedAt: base.Add(3 * time.Nanosecond),
	}
	wf.Tasks = []*core.Task{crashed, dependent, finished, pending}
	require.NoError(t, backend.SaveWorkflow(ctx, wf))
	for _, task := range wf.Tasks {
		require.NoError(t, backend.SaveTask(ctx, task))
	}

	protocols := protocol.NewRegistry(nil)
	require.NoError(t, protocols.Register(&protocol.Spec{
		Name:    "test",
		Version: "v1",
		Methods: map[string]*protocol.MethodSpec{testMethod: {Name: testMethod}},
	}))
	providers := provider.NewRegistry(nil)
	t.Cleanup(func() { _ = providers.Close(context.Background()) })
	p := &fakeProvider{handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		out := make(map[string]interface{}, len(params))
		for k, v := range params {
			out[k] = v
		}
		return out, nil
	}}
	_, err := providers.Register(ctx, "fake-1", testProtocolID, p, nil)
	require.NoError(t, err)

	eng := New(protocols, providers, backend, fastConfig())
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(stopCtx)
	})

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := eng.WaitForWorkflow(waitCtx, wf.ID)
	require.NoError(t, err)

	assert.Equal(t, core.WorkflowStatusFailed, done.Status)

	a, err := backend.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, a.Status)
	assert.Equal(t, core.CodeCrashRecovered, a.Error.Code)

	b, err := backend.GetTask(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, b.Status)
	assert.Equal(t, core.CodeDependencyFailed, b.Error.Code)

	d, err := backend.GetTask(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, d.Status)
	assert.Equal(t, "kept", d.Result.(map[string]interface{})["input"], "recovered result fed the substitution")
}

func TestExecuteTaskOneShot(t *testing.T) {
	h := newHarness(t, nil)
	echo := provider.NewEchoProvider()
	_, err := h.providers.Register(context.Background(), "echo-1", provider.EchoProtocolID, echo, nil)
	require.NoError(t, err)

	res, err := h.engine.ExecuteTask(context.Background(), &core.Task{
		Name:     "single",
		Protocol: provider.EchoProtocolID,
		Method:   provider.EchoMethod,
		Params:   map[string]interface{}{"message": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, res.Status)
	assert.Equal(t, "hi", res.Result.(map[string]interface{})["message"])
	assert.Equal(t, 1, res.Attempts)
}

func TestExecuteTaskReportsFailureInResult(t *testing.T) {
	h := newHarness(t, nil)
	h.registerFake(t, "fake-1", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return nil, core.NewError(core.CodeProviderError, "boom").WithData("retryable", false)
	})

	res, err := h.engine.ExecuteTask(context.Background(), &core.Task{
		Name:     "single",
		Protocol: testProtocolID,
		Method:   testMethod,
	})
	require.NoError(t, err, "task-level failure is not an engine fault")
	assert.Equal(t, core.TaskStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, core.CodeProviderError, res.Error.Code)
}

// Provider call metrics are appended to the backend after each dispatch.
func TestMetricsRecordedPerCall(t *testing.T) {
	h := newHarness(t, nil)
	h.registerFake(t, "fake-1", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})

	wf := makeWorkflow("metrics", core.ErrorStrategyStop,
		testTask("a", "one", nil),
		testTask("b", "two", nil, "a"),
	)
	require.NoError(t, h.engine.RunWorkflow(context.Background(), wf))
	waitDone(t, h, wf.ID)

	samples := h.backend.Metrics("fake-1")
	assert.Len(t, samples, 2)
}

// Priorities order dispatch when the worker pool is saturated.
func TestPriorityDispatchOrder(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConcurrentTasks = 1
	h := newHarness(t, cfg)

	var order []string
	gate := make(chan struct{})
	h.registerFake(t, "fake-1", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		name, _ := params["name"].(string)
		if name == "gate" {
			<-gate
		} else {
			order = append(order, name)
		}
		return map[string]interface{}{}, nil
	})

	named := func(id, name string, priority core.Priority) *core.Task {
		task := testTask(id, name, map[string]interface{}{"name": name})
		task.Priority = priority
		return task
	}

	// The gate task occupies the single worker while the rest queue up.
	wf := makeWorkflow("priorities", core.ErrorStrategyStop,
		named("g", "gate", core.PriorityUrgent),
		named("l", "low", core.PriorityLow),
		named("h", "high", core.PriorityHigh),
		named("n", "normal", core.PriorityNormal),
	)
	require.NoError(t, h.engine.RunWorkflow(context.Background(), wf))

	require.Eventually(t, func() bool {
		g, err := h.backend.GetTask(context.Background(), "g")
		return err == nil && g.Status == core.TaskStatusRunning
	}, 2*time.Second, 5*time.Millisecond)
	close(gate)

	done := waitDone(t, h, wf.ID)
	assert.Equal(t, core.WorkflowStatusCompleted, done.Status)
	assert.Equal(t, []string{"high", "normal", "low"}, order)
}
