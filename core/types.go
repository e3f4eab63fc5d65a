package core

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the state of a task within a workflow.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task is waiting for dispatch
	TaskStatusQueued TaskStatus = "queued"

	// TaskStatusRunning indicates the task is currently executing
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusCompleted indicates the task finished successfully
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed indicates the task failed terminally
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled indicates the task was cancelled by request
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// WorkflowStatus represents the state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusQueued    WorkflowStatus = "queued"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// IsTerminal returns true if the workflow status is a terminal state.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// Priority orders tasks within the ready queue. Higher ranks dispatch first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the numeric ordering of a priority. Unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy configures retry behavior for a task's provider calls.
type RetryPolicy struct {
	// MaxAttempts is inclusive of the first try
	MaxAttempts int `json:"max_attempts"`

	// InitialDelay is the wait before the second attempt
	InitialDelay time.Duration `json:"initial_delay"`

	// MaxDelay caps the computed delay
	MaxDelay time.Duration `json:"max_delay"`

	// Multiplier is applied per attempt for the exponential strategy
	Multiplier float64 `json:"multiplier"`

	// Strategy selects fixed, linear or exponential growth
	Strategy BackoffStrategy `json:"strategy"`

	// Jitter adds randomized full jitter to each delay
	Jitter bool `json:"jitter"`
}

// DefaultRetryPolicy returns the engine-wide retry defaults applied when a
// task carries no policy of its own.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Strategy:     BackoffExponential,
	}
}

// Task is one invocation of a provider method with parameters and dependencies.
type Task struct {
	// ID is the unique identifier for this task
	ID string `json:"id"`

	// WorkflowID is the owning workflow
	WorkflowID string `json:"workflow_id"`

	// Name is the human label, also the key for substitution references
	// within the workflow
	Name string `json:"name"`

	// Protocol identifies the protocol spec, e.g. "llm/v1"
	Protocol string `json:"protocol"`

	// Method is the fully-qualified method name, e.g. "llm/chat"
	Method string `json:"method"`

	// Params may contain ${task.path} substitution tokens in string leaves
	Params map[string]interface{} `json:"params"`

	// Dependencies lists task names or ids in the same workflow that must
	// complete before this task may start
	Dependencies []string `json:"dependencies,omitempty"`

	// Priority orders the task in the ready queue
	Priority Priority `json:"priority"`

	// Retry overrides the engine's default retry policy when set
	Retry *RetryPolicy `json:"retry,omitempty"`

	// Status is the current state of the task
	Status TaskStatus `json:"status"`

	// Result contains the provider's output when completed
	Result interface{} `json:"result,omitempty"`

	// Error contains the terminal error when failed
	Error *Error `json:"error,omitempty"`

	// Attempt counts execution attempts, starting at 1
	Attempt int `json:"attempt"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Workflow is a named DAG of tasks submitted as one unit.
type Workflow struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Tasks       []*Task `json:"tasks"`

	Status WorkflowStatus `json:"status"`

	// ErrorStrategy decides whether one task's failure fails the whole
	// workflow immediately or only its dependent sub-DAG
	ErrorStrategy ErrorStrategy `json:"error_strategy"`

	// CompletedTasks and FailedTasks are disjoint sets of task ids
	CompletedTasks []string `json:"completed_tasks,omitempty"`
	FailedTasks    []string `json:"failed_tasks,omitempty"`

	// TaskResults maps task id to its result value
	TaskResults map[string]interface{} `json:"task_results,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ErrorStrategy is the per-workflow policy for reacting to task failures.
type ErrorStrategy string

const (
	// ErrorStrategyStop fails the workflow on the first task failure
	ErrorStrategyStop ErrorStrategy = "stop"

	// ErrorStrategyContinue fails only the dependent sub-DAG and lets
	// independent branches run to completion
	ErrorStrategyContinue ErrorStrategy = "continue"
)

// TaskByID returns the task with the given id, or nil.
func (w *Workflow) TaskByID(id string) *Task {
	for _, t := range w.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// TaskByName returns the task with the given name, or nil.
func (w *Workflow) TaskByName(name string) *Task {
	for _, t := range w.Tasks {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// IsComplete reports whether every task has reached a terminal state.
func (w *Workflow) IsComplete() bool {
	for _, t := range w.Tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// TaskResult is the durable record of one task's terminal outcome.
type TaskResult struct {
	TaskID          string      `json:"task_id"`
	WorkflowID      string      `json:"workflow_id"`
	Status          TaskStatus  `json:"status"`
	Result          interface{} `json:"result,omitempty"`
	Error           *Error      `json:"error,omitempty"`
	DurationSeconds float64     `json:"duration_seconds"`
	CompletedAt     time.Time   `json:"completed_at"`
	Attempts        int         `json:"attempts"`
}

// NewID returns a new unique identifier for tasks and workflows.
func NewID() string {
	return uuid.New().String()
}
