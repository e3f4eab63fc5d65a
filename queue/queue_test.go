package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit/gleitzeit/core"
)

func task(id string, priority core.Priority, deps ...string) *core.Task {
	return &core.Task{
		ID:           id,
		Name:         id,
		Priority:     priority,
		Dependencies: deps,
		CreatedAt:    time.Now(),
	}
}

func drain(q *Queue) []string {
	var ids []string
	for {
		t := q.Dequeue(nil)
		if t == nil {
			return ids
		}
		ids = append(ids, t.ID)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := New()
	q.EnqueueBatch([]*core.Task{
		task("low", core.PriorityLow),
		task("urgent", core.PriorityUrgent),
		task("normal", core.PriorityNormal),
		task("high", core.PriorityHigh),
	}, nil)

	assert.Equal(t, []string{"urgent", "high", "normal", "low"}, drain(q))
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New()
	base := time.Now()
	first := task("first", core.PriorityNormal)
	first.CreatedAt = base
	second := task("second", core.PriorityNormal)
	second.CreatedAt = base.Add(time.Nanosecond)
	third := task("third", core.PriorityNormal)
	third.CreatedAt = base.Add(2 * time.Nanosecond)

	q.EnqueueBatch([]*core.Task{third, first, second}, nil)
	assert.Equal(t, []string{"first", "second", "third"}, drain(q))
}

func TestInsertionOrderBreaksEqualTimestamps(t *testing.T) {
	q := New()
	now := time.Now()
	a := task("a", core.PriorityNormal)
	b := task("b", core.PriorityNormal)
	a.CreatedAt = now
	b.CreatedAt = now

	q.EnqueueBatch([]*core.Task{a, b}, nil)
	assert.Equal(t, []string{"a", "b"}, drain(q))
}

func TestDependenciesHoldTasks(t *testing.T) {
	q := New()
	q.EnqueueBatch([]*core.Task{
		task("a", core.PriorityNormal),
		task("b", core.PriorityNormal, "a"),
		task("c", core.PriorityNormal, "a", "b"),
	}, nil)

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 2, q.WaitingLen())

	got := q.Dequeue(nil)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.ID)

	ready := q.MarkCompleted("a")
	assert.Equal(t, []string{"b"}, ready)
	assert.Equal(t, "b", q.Dequeue(nil).ID)

	ready = q.MarkCompleted("b")
	assert.Equal(t, []string{"c"}, ready)
	assert.Equal(t, "c", q.Dequeue(nil).ID)
	assert.Equal(t, 0, q.WaitingLen())
}

func TestEnqueueBatchSatisfiedSet(t *testing.T) {
	q := New()
	q.EnqueueBatch([]*core.Task{
		task("b", core.PriorityNormal, "a"),
		task("c", core.PriorityNormal, "a", "b"),
	}, map[string]bool{"a": true})

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, "b", q.Dequeue(nil).ID)
	assert.Equal(t, []string{"c"}, q.MarkCompleted("b"))
}

func TestMarkFailedListsDirectDependents(t *testing.T) {
	q := New()
	q.EnqueueBatch([]*core.Task{
		task("a", core.PriorityNormal),
		task("b", core.PriorityNormal, "a"),
		task("c", core.PriorityNormal, "b"),
	}, nil)

	deps := q.MarkFailed("a")
	assert.Equal(t, []string{"b"}, deps)
	// The dependents remain waiting until the caller decides their fate.
	assert.Equal(t, 2, q.WaitingLen())
}

func TestRelease(t *testing.T) {
	q := New()
	q.EnqueueBatch([]*core.Task{
		task("a", core.PriorityNormal),
		task("b", core.PriorityNormal, "a", "x"),
	}, nil)

	assert.False(t, q.Release("b", "x"), "still waiting on a")
	assert.True(t, q.Release("b", "a"))
	assert.Equal(t, "b", q.Dequeue(nil).ID)

	assert.False(t, q.Release("absent", "a"))
}

func TestCancelWaitingAndReady(t *testing.T) {
	q := New()
	q.EnqueueBatch([]*core.Task{
		task("a", core.PriorityNormal),
		task("b", core.PriorityNormal, "a"),
	}, nil)

	assert.True(t, q.Cancel("b"))
	assert.Equal(t, 0, q.WaitingLen())
	assert.True(t, q.Cancel("a"))
	assert.Equal(t, 0, q.Len())

	// Already dequeued tasks cannot be cancelled through the queue.
	assert.False(t, q.Cancel("a"))
}

func TestDequeuePredicate(t *testing.T) {
	q := New()
	a := task("a", core.PriorityUrgent)
	a.Protocol = "llm/v1"
	b := task("b", core.PriorityLow)
	b.Protocol = "echo/v1"
	q.EnqueueBatch([]*core.Task{a, b}, nil)

	got := q.Dequeue(func(t *core.Task) bool { return t.Protocol == "echo/v1" })
	require.NotNil(t, got)
	assert.Equal(t, "b", got.ID)

	// The skipped task is still queued.
	assert.Equal(t, "a", q.Dequeue(nil).ID)
}

func TestReadySignalCoalesces(t *testing.T) {
	q := New()
	q.EnqueueBatch([]*core.Task{task("a", core.PriorityNormal)}, nil)
	q.EnqueueBatch([]*core.Task{task("b", core.PriorityNormal)}, nil)

	select {
	case <-q.Ready():
	default:
		t.Fatal("expected a readiness signal")
	}
	// Consumers drain fully after one receive.
	assert.Len(t, drain(q), 2)
}

func TestClosedQueueDropsEverything(t *testing.T) {
	q := New()
	q.EnqueueBatch([]*core.Task{task("a", core.PriorityNormal)}, nil)
	q.Close()

	assert.Nil(t, q.Dequeue(nil))
	q.EnqueueBatch([]*core.Task{task("b", core.PriorityNormal)}, nil)
	assert.Equal(t, 0, q.Len())
}
