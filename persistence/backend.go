// Package persistence defines the durable store the engine checkpoints
// workflow and task state to, with in-memory and Redis implementations.
// Durable copies are the source of truth across restarts: after a task is
// persisted COMPLETED with a result, recovery must observe exactly that.
package persistence

import (
	"context"
	"time"

	"github.com/gleitzeit/gleitzeit/core"
)

// MetricsSample is one point of an instance's metrics time-series.
type MetricsSample struct {
	InstanceID     string    `json:"instance_id"`
	Timestamp      time.Time `json:"timestamp"`
	ActiveRequests int       `json:"active"`
	RequestCount   uint64    `json:"req_count"`
	ErrorCount     uint64    `json:"err_count"`
	AvgResponseMs  float64   `json:"avg_rt_ms"`
}

// Backend is the narrow storage interface the engine depends on. All
// writes are atomic with respect to the entity being written; only the
// worker owning a task updates it, so per-entity serialization suffices.
type Backend interface {
	// SaveTask upserts a task.
	SaveTask(ctx context.Context, task *core.Task) error

	// GetTask returns a task by id, or core.ErrTaskNotFound.
	GetTask(ctx context.Context, taskID string) (*core.Task, error)

	// SetTaskStatus transitions a task's status and maintains its
	// timestamps: RUNNING stamps started_at, terminal states stamp
	// completed_at.
	SetTaskStatus(ctx context.Context, taskID string, status core.TaskStatus) error

	// SetTaskResult records a task's terminal result or error along with
	// its attempt count.
	SetTaskResult(ctx context.Context, taskID string, result interface{}, taskErr *core.Error, attempt int) error

	// ListWorkflowTasks returns all tasks belonging to a workflow.
	ListWorkflowTasks(ctx context.Context, workflowID string) ([]*core.Task, error)

	// CountTasksByStatus counts tasks per status across all workflows.
	CountTasksByStatus(ctx context.Context) (map[core.TaskStatus]int, error)

	// SaveWorkflow upserts a workflow.
	SaveWorkflow(ctx context.Context, wf *core.Workflow) error

	// GetWorkflow returns a workflow by id, or core.ErrWorkflowNotFound.
	GetWorkflow(ctx context.Context, workflowID string) (*core.Workflow, error)

	// SetWorkflowStatus transitions a workflow's status and maintains
	// its timestamps.
	SetWorkflowStatus(ctx context.Context, workflowID string, status core.WorkflowStatus) error

	// UpdateWorkflowProgress replaces the workflow's completion sets and
	// result map.
	UpdateWorkflowProgress(ctx context.Context, workflowID string, completed, failed []string, results map[string]interface{}) error

	// ListWorkflowsByStatus returns workflows in the given status. Used
	// by the recovery sweep.
	ListWorkflowsByStatus(ctx context.Context, status core.WorkflowStatus) ([]*core.Workflow, error)

	// AppendMetrics appends an instance metrics snapshot. Best-effort;
	// implementations may bound retention.
	AppendMetrics(ctx context.Context, sample MetricsSample) error

	// AcquireLock takes a TTL lock on a resource for an owner. Returns
	// false when another live owner holds it. Re-acquiring one's own
	// lock extends it.
	AcquireLock(ctx context.Context, resourceID, ownerID string, ttl time.Duration) (bool, error)

	// ExtendLock refreshes the TTL of a held lock. Returns false when
	// the caller no longer owns it.
	ExtendLock(ctx context.Context, resourceID, ownerID string, ttl time.Duration) (bool, error)

	// ReleaseLock drops a held lock. Releasing a lock owned by someone
	// else is a no-op.
	ReleaseLock(ctx context.Context, resourceID, ownerID string) error

	// LockOwner returns the current owner of a resource lock, or empty.
	LockOwner(ctx context.Context, resourceID string) (string, error)

	// Close releases backend resources.
	Close() error
}
