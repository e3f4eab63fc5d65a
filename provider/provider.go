// Package provider defines the provider contract and the registry of live
// provider instances. A provider implements some protocol's methods
// against a concrete backend; the registry pools instances per protocol,
// tracks their health and metrics, and selects an instance for each call
// through the load balancer gated by a per-instance circuit breaker.
package provider

import (
	"context"
)

// Status is the registry's view of a provider instance, updated by the
// health monitor loop. It is tracked separately from the instance's
// self-reported health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Available reports whether an instance in this status may receive calls.
func (s Status) Available() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// Health is a provider's self-reported health check result.
type Health struct {
	Status  Status                 `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Provider is the contract every backend implementation satisfies.
// Handle is the sole hot path; the rest is lifecycle.
type Provider interface {
	// Initialize prepares resources. May fail with a
	// core.CodeProviderInitFailed error.
	Initialize(ctx context.Context) error

	// Shutdown releases resources. Must be idempotent.
	Shutdown(ctx context.Context) error

	// SupportedMethods returns the subset of the protocol's declared
	// methods this provider can handle.
	SupportedMethods() []string

	// HealthCheck reports the provider's own view of its health.
	HealthCheck(ctx context.Context) Health

	// Handle executes a method call. The context carries the per-call
	// deadline and the workflow's cancellation signal; implementations
	// must check it cooperatively before I/O.
	Handle(ctx context.Context, method string, params map[string]interface{}) (interface{}, error)
}
