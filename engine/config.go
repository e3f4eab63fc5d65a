// Package engine implements the scheduler binding the ready queue, the
// dependency resolver, the provider registry and the persistence backend.
// A bounded pool of workers pulls ready tasks by priority, substitutes
// parameters, validates the call, dispatches it to a provider instance
// through retry and circuit breaking, and propagates results to
// dependents until the workflow reaches a terminal state.
package engine

import (
	"time"

	"github.com/gleitzeit/gleitzeit/core"
	"github.com/gleitzeit/gleitzeit/provider"
)

// Config configures the execution engine.
type Config struct {
	// MaxConcurrentTasks bounds the worker pool
	// Default: 5
	MaxConcurrentTasks int

	// TaskTimeout is the per-call deadline on provider invocations
	// Default: 300s
	TaskTimeout time.Duration

	// ProviderWaitTimeout bounds how long a task waits for a healthy
	// provider instance before failing with ProviderUnavailable
	// Default: 30s
	ProviderWaitTimeout time.Duration

	// ProviderRetryDelay is the poll interval while waiting for an
	// instance to become available
	// Default: 500ms
	ProviderRetryDelay time.Duration

	// CancelGracePeriod is how long a cancelled task waits for its
	// provider call to return before being recorded CANCELLED anyway
	// Default: 10s
	CancelGracePeriod time.Duration

	// DefaultRetry applies to tasks that carry no retry policy
	DefaultRetry *core.RetryPolicy

	// Strategy selects the load balancing strategy for provider calls
	// Default: least_loaded
	Strategy provider.Strategy

	// LockOwnerID enables per-workflow distributed locks through the
	// persistence backend when non-empty. Required only for
	// multi-instance deployments.
	LockOwnerID string

	// LockTTL is the lock lease, extended at half its duration
	// Default: 30s
	LockTTL time.Duration

	// Logger for engine events
	Logger core.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentTasks:  5,
		TaskTimeout:         300 * time.Second,
		ProviderWaitTimeout: 30 * time.Second,
		ProviderRetryDelay:  500 * time.Millisecond,
		CancelGracePeriod:   10 * time.Second,
		DefaultRetry:        core.DefaultRetryPolicy(),
		Strategy:            provider.StrategyLeastLoaded,
		LockTTL:             30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 5
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 300 * time.Second
	}
	if c.ProviderWaitTimeout <= 0 {
		c.ProviderWaitTimeout = 30 * time.Second
	}
	if c.ProviderRetryDelay <= 0 {
		c.ProviderRetryDelay = 500 * time.Millisecond
	}
	if c.CancelGracePeriod <= 0 {
		c.CancelGracePeriod = 10 * time.Second
	}
	if c.DefaultRetry == nil {
		c.DefaultRetry = core.DefaultRetryPolicy()
	}
	if c.Strategy == "" {
		c.Strategy = provider.StrategyLeastLoaded
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
}
