package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit/gleitzeit/core"
)

func newRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackend(client, nil), mr
}

func TestRedisTaskRoundTrip(t *testing.T) {
	b, _ := newRedisBackend(t)
	ctx := context.Background()

	task := sampleTask("t1", "wf1")
	require.NoError(t, b.SaveTask(ctx, task))

	got, err := b.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "task-t1", got.Name)
	assert.Equal(t, "hi", got.Params["message"])

	_, err = b.GetTask(ctx, "absent")
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestRedisTaskStatusAndResult(t *testing.T) {
	b, _ := newRedisBackend(t)
	ctx := context.Background()
	require.NoError(t, b.SaveTask(ctx, sampleTask("t1", "wf1")))

	require.NoError(t, b.SetTaskStatus(ctx, "t1", core.TaskStatusRunning))
	got, err := b.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	require.NoError(t, b.SetTaskResult(ctx, "t1", map[string]interface{}{"out": 1}, nil, 2))
	require.NoError(t, b.SetTaskStatus(ctx, "t1", core.TaskStatusCompleted))
	got, err = b.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempt)
	assert.NotNil(t, got.CompletedAt)
}

func TestRedisListWorkflowTasks(t *testing.T) {
	b, _ := newRedisBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SaveTask(ctx, sampleTask("t1", "wf1")))
	require.NoError(t, b.SaveTask(ctx, sampleTask("t2", "wf1")))
	require.NoError(t, b.SaveTask(ctx, sampleTask("t3", "wf2")))

	tasks, err := b.ListWorkflowTasks(ctx, "wf1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	tasks, err = b.ListWorkflowTasks(ctx, "absent")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRedisCountTasksByStatus(t *testing.T) {
	b, _ := newRedisBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SaveTask(ctx, sampleTask("t1", "wf1")))
	require.NoError(t, b.SaveTask(ctx, sampleTask("t2", "wf1")))
	require.NoError(t, b.SetTaskStatus(ctx, "t2", core.TaskStatusFailed))

	counts, err := b.CountTasksByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[core.TaskStatusQueued])
	assert.Equal(t, 1, counts[core.TaskStatusFailed])
}

func TestRedisWorkflowLifecycle(t *testing.T) {
	b, _ := newRedisBackend(t)
	ctx := context.Background()

	wf := &core.Workflow{ID: "wf1", Name: "pipeline", Status: core.WorkflowStatusQueued, CreatedAt: time.Now()}
	require.NoError(t, b.SaveWorkflow(ctx, wf))
	require.NoError(t, b.SetWorkflowStatus(ctx, "wf1", core.WorkflowStatusRunning))

	require.NoError(t, b.UpdateWorkflowProgress(ctx, "wf1",
		[]string{"t1"}, []string{"t2"}, map[string]interface{}{"t1": "out"}))

	got, err := b.GetWorkflow(ctx, "wf1")
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStatusRunning, got.Status)
	assert.Equal(t, []string{"t1"}, got.CompletedTasks)
	assert.Equal(t, []string{"t2"}, got.FailedTasks)
	assert.Equal(t, "out", got.TaskResults["t1"])

	running, err := b.ListWorkflowsByStatus(ctx, core.WorkflowStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "wf1", running[0].ID)

	_, err = b.GetWorkflow(ctx, "absent")
	assert.ErrorIs(t, err, core.ErrWorkflowNotFound)
}

// The wftasks index key must not match the workflow scan pattern.
func TestRedisWorkflowScanSkipsTaskIndex(t *testing.T) {
	b, _ := newRedisBackend(t)
	ctx := context.Background()

	wf := &core.Workflow{ID: "wf1", Status: core.WorkflowStatusRunning, CreatedAt: time.Now()}
	require.NoError(t, b.SaveWorkflow(ctx, wf))
	require.NoError(t, b.SetWorkflowStatus(ctx, "wf1", core.WorkflowStatusRunning))
	require.NoError(t, b.SaveTask(ctx, sampleTask("t1", "wf1")))

	running, err := b.ListWorkflowsByStatus(ctx, core.WorkflowStatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestRedisLocks(t *testing.T) {
	b, _ := newRedisBackend(t)
	ctx := context.Background()

	ok, err := b.AcquireLock(ctx, "workflow:wf1", "engine-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.AcquireLock(ctx, "workflow:wf1", "engine-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.AcquireLock(ctx, "workflow:wf1", "engine-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "own lock re-acquire extends")

	owner, err := b.LockOwner(ctx, "workflow:wf1")
	require.NoError(t, err)
	assert.Equal(t, "engine-a", owner)

	ok, err = b.ExtendLock(ctx, "workflow:wf1", "engine-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = b.ExtendLock(ctx, "workflow:wf1", "engine-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.ReleaseLock(ctx, "workflow:wf1", "engine-b"))
	owner, err = b.LockOwner(ctx, "workflow:wf1")
	require.NoError(t, err)
	assert.Equal(t, "engine-a", owner, "foreign release is a no-op")

	require.NoError(t, b.ReleaseLock(ctx, "workflow:wf1", "engine-a"))
	owner, err = b.LockOwner(ctx, "workflow:wf1")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestRedisLockExpiry(t *testing.T) {
	b, mr := newRedisBackend(t)
	ctx := context.Background()

	ok, err := b.AcquireLock(ctx, "r", "engine-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	owner, err := b.LockOwner(ctx, "r")
	require.NoError(t, err)
	assert.Empty(t, owner)

	ok, err = b.AcquireLock(ctx, "r", "engine-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisMetricsCappedList(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg := DefaultRedisBackendConfig()
	cfg.MetricsMaxSamples = 5
	b := NewRedisBackend(client, &cfg)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.AppendMetrics(ctx, MetricsSample{
			InstanceID:   "echo-1",
			Timestamp:    time.Now(),
			RequestCount: uint64(i),
		}))
	}

	n, err := client.LLen(ctx, "gleitzeit:metrics:echo-1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	ttl := mr.TTL("gleitzeit:metrics:echo-1")
	assert.Equal(t, 24*time.Hour, ttl)
}
