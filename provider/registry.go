package provider

import (
	"context"
	"sync"
	"time"

	"github.com/gleitzeit/gleitzeit/core"
	"github.com/gleitzeit/gleitzeit/resilience"
)

// Instance is a registered live provider available for dispatch.
type Instance struct {
	ProviderID string
	ProtocolID string

	// Capabilities advertises what the instance can serve, e.g. model
	// names for an LLM provider
	Capabilities map[string]bool

	// Priority weights the instance for the weighted_random strategy
	Priority float64

	// Tags carry free-form operator metadata
	Tags map[string]string

	provider Provider
	metrics  *Metrics
	breaker  *resilience.CircuitBreaker

	mu      sync.RWMutex
	status  Status
	methods map[string]bool
}

// Status returns the registry-tracked status of the instance.
func (i *Instance) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

func (i *Instance) setStatus(s Status) {
	i.mu.Lock()
	i.status = s
	i.mu.Unlock()
}

// Supports reports whether the instance handles the given method.
func (i *Instance) Supports(method string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.methods[method]
}

// HasCapabilities reports whether every required capability is advertised.
func (i *Instance) HasCapabilities(required []string) bool {
	for _, c := range required {
		if !i.Capabilities[c] {
			return false
		}
	}
	return true
}

// Metrics returns a snapshot of the instance's call statistics.
func (i *Instance) Metrics() MetricsSnapshot {
	return i.metrics.Snapshot()
}

// Breaker exposes the instance's circuit breaker for state inspection.
func (i *Instance) Breaker() *resilience.CircuitBreaker {
	return i.breaker
}

// Call invokes the provider through the circuit breaker and records the
// outcome on the instance's metrics. Breaker rejections return a
// core.CodeCircuitOpen error without touching the provider.
func (i *Instance) Call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	if !i.breaker.Allow() {
		return nil, core.Errorf(core.CodeCircuitOpen, "circuit open for provider %s", i.ProviderID).
			WithData("provider_id", i.ProviderID)
	}

	i.metrics.Begin()
	start := time.Now()
	result, err := i.provider.Handle(ctx, method, params)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil && core.CodeOf(err) == "" {
			err = core.WrapError(core.CodeProviderTimeout, "provider call deadline exceeded", err).
				WithData("provider_id", i.ProviderID).
				WithData("elapsed_ms", elapsed.Milliseconds())
		}
		i.metrics.End(elapsed, true)
		// Cancellation is the caller giving up, not an instance fault.
		if core.CodeOf(err) == core.CodeCancelled {
			i.breaker.RecordSuccess()
		} else {
			i.breaker.RecordFailure()
		}
		return nil, err
	}

	i.metrics.End(elapsed, false)
	i.breaker.RecordSuccess()
	return result, nil
}

// RegistryConfig configures the provider registry.
type RegistryConfig struct {
	// HealthCheckInterval is the period of the health monitor loop.
	// Default: 30s
	HealthCheckInterval time.Duration

	// HealthCheckTimeout bounds each individual health probe.
	// Default: 5s
	HealthCheckTimeout time.Duration

	// Breaker is the circuit breaker template applied per instance.
	// Name is overridden with the instance's provider id.
	Breaker *resilience.CircuitBreakerConfig

	// Logger for registry events
	Logger core.Logger
}

// DefaultRegistryConfig returns default configuration.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
	}
}

// Registry owns the set of provider instances. Instance lifetime is
// bounded by Initialize on registration and Shutdown on removal or
// registry close.
type Registry struct {
	config   *RegistryConfig
	logger   core.Logger
	balancer *Balancer

	mu        sync.RWMutex
	instances map[string]*Instance // keyed by provider id
	closed    bool

	stopHealth chan struct{}
	healthDone chan struct{}
}

// NewRegistry creates an empty provider registry.
func NewRegistry(config *RegistryConfig) *Registry {
	if config == nil {
		config = DefaultRegistryConfig()
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = 30 * time.Second
	}
	if config.HealthCheckTimeout <= 0 {
		config.HealthCheckTimeout = 5 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{
		config:    config,
		logger:    logger,
		balancer:  NewBalancer(),
		instances: make(map[string]*Instance),
	}
}

// RegisterOptions carries optional instance attributes.
type RegisterOptions struct {
	Capabilities []string
	Priority     float64
	Tags         map[string]string
}

// Register initializes the provider and adds it to the pool. The provider
// is shut down again if initialization fails.
func (r *Registry) Register(ctx context.Context, providerID, protocolID string, p Provider, opts *RegisterOptions) (*Instance, error) {
	if providerID == "" || protocolID == "" {
		return nil, core.Errorf(core.CodeValidation, "provider and protocol ids are required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, core.Errorf(core.CodeProviderUnavailable, "registry is closed")
	}
	if _, exists := r.instances[providerID]; exists {
		r.mu.Unlock()
		return nil, core.Errorf(core.CodeValidation, "provider %s already registered", providerID)
	}
	r.mu.Unlock()

	if err := p.Initialize(ctx); err != nil {
		return nil, core.WrapError(core.CodeProviderInitFailed, "initializing provider "+providerID, err)
	}

	breakerCfg := r.config.Breaker
	if breakerCfg == nil {
		breakerCfg = resilience.DefaultCircuitBreakerConfig(providerID)
	} else {
		cfg := *breakerCfg
		cfg.Name = providerID
		breakerCfg = &cfg
	}
	breakerCfg.Logger = r.logger

	inst := &Instance{
		ProviderID: providerID,
		ProtocolID: protocolID,
		Priority:   1.0,
		provider:   p,
		metrics:    &Metrics{},
		breaker:    resilience.NewCircuitBreaker(breakerCfg),
		status:     StatusUnknown,
		methods:    make(map[string]bool),
	}
	for _, m := range p.SupportedMethods() {
		inst.methods[m] = true
	}
	if opts != nil {
		if len(opts.Capabilities) > 0 {
			inst.Capabilities = make(map[string]bool, len(opts.Capabilities))
			for _, c := range opts.Capabilities {
				inst.Capabilities[c] = true
			}
		}
		if opts.Priority > 0 {
			inst.Priority = opts.Priority
		}
		inst.Tags = opts.Tags
	}

	// First health check inline so the instance is routable immediately.
	inst.setStatus(r.probe(ctx, inst))

	r.mu.Lock()
	r.instances[providerID] = inst
	r.mu.Unlock()

	r.logger.Info("Provider registered", map[string]interface{}{
		"provider_id":  providerID,
		"protocol_id":  protocolID,
		"status":       string(inst.Status()),
		"method_count": len(inst.methods),
	})
	return inst, nil
}

// Unregister shuts the provider down and removes it from the pool.
func (r *Registry) Unregister(ctx context.Context, providerID string) error {
	r.mu.Lock()
	inst, exists := r.instances[providerID]
	if exists {
		delete(r.instances, providerID)
	}
	r.mu.Unlock()

	if !exists {
		return core.Errorf(core.CodeProviderNotFound, "provider %s not registered", providerID)
	}
	return inst.provider.Shutdown(ctx)
}

// Get returns a registered instance by provider id.
func (r *Registry) Get(providerID string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[providerID]
	return inst, ok
}

// InstancesFor lists instances registered for a protocol.
func (r *Registry) InstancesFor(protocolID string) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Instance
	for _, inst := range r.instances {
		if inst.ProtocolID == protocolID {
			out = append(out, inst)
		}
	}
	return out
}

// Instances returns all registered instances.
func (r *Registry) Instances() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

// SupportsMethod reports whether any registered instance handles the
// given protocol method, regardless of current health. The queue uses
// this to hold tasks that can never dispatch.
func (r *Registry) SupportsMethod(protocolID, method string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range r.instances {
		if inst.ProtocolID == protocolID && inst.methods[method] {
			return true
		}
	}
	return false
}

// SelectProvider picks an instance for a call: protocol must match, the
// method must be supported, the status available, the circuit not open,
// and every required capability advertised. The filtered set is handed to
// the load balancer. Returns a core.CodeProviderUnavailable error when no
// instance qualifies, or core.CodeProviderNotFound when the protocol has
// no instances at all.
func (r *Registry) SelectProvider(protocolID, method string, requiredCaps []string, strategy Strategy) (*Instance, error) {
	pool := r.InstancesFor(protocolID)
	if len(pool) == 0 {
		return nil, core.Errorf(core.CodeProviderNotFound, "no providers registered for protocol %s", protocolID).
			WithData("protocol_id", protocolID)
	}

	var eligible []*Instance
	for _, inst := range pool {
		if !inst.Supports(method) {
			continue
		}
		if !inst.Status().Available() {
			continue
		}
		if inst.breaker.State() == resilience.StateOpen {
			continue
		}
		if !inst.HasCapabilities(requiredCaps) {
			continue
		}
		eligible = append(eligible, inst)
	}
	if len(eligible) == 0 {
		return nil, core.Errorf(core.CodeProviderUnavailable, "no healthy provider for %s %s", protocolID, method).
			WithData("protocol_id", protocolID).
			WithData("method", method)
	}

	return r.balancer.Select(eligible, strategy, protocolID+"/"+method), nil
}

// StartHealthMonitor begins the background loop that probes every
// instance and updates its registry status. Stops when the context is
// cancelled or Close is called.
func (r *Registry) StartHealthMonitor(ctx context.Context) {
	r.mu.Lock()
	if r.stopHealth != nil || r.closed {
		r.mu.Unlock()
		return
	}
	r.stopHealth = make(chan struct{})
	r.healthDone = make(chan struct{})
	stop := r.stopHealth
	done := r.healthDone
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.config.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.checkAll(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// checkAll probes every instance once.
func (r *Registry) checkAll(ctx context.Context) {
	for _, inst := range r.Instances() {
		status := r.probe(ctx, inst)
		prev := inst.Status()
		if status != prev {
			r.logger.Warn("Provider status change", map[string]interface{}{
				"provider_id": inst.ProviderID,
				"protocol_id": inst.ProtocolID,
				"from":        string(prev),
				"to":          string(status),
			})
		}
		inst.setStatus(status)
	}
}

// probe runs one bounded health check against an instance.
func (r *Registry) probe(ctx context.Context, inst *Instance) Status {
	probeCtx, cancel := context.WithTimeout(ctx, r.config.HealthCheckTimeout)
	defer cancel()

	health := inst.provider.HealthCheck(probeCtx)
	if health.Status == "" {
		return StatusUnknown
	}
	return health.Status
}

// Close stops the health monitor and shuts down every instance. Safe to
// call twice.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	stop := r.stopHealth
	done := r.healthDone
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.instances = make(map[string]*Instance)
	r.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	var firstErr error
	for _, inst := range instances {
		if err := inst.provider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
