package protocol

import (
	"sync"

	"github.com/gleitzeit/gleitzeit/core"
)

// Registry holds the set of registered protocol specs keyed by
// "{name}/{version}". Registration is write-once per key; lookups and
// validation are safe for concurrent callers.
type Registry struct {
	mu     sync.RWMutex
	specs  map[string]*Spec
	logger core.Logger
}

// NewRegistry creates an empty protocol registry.
func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{
		specs:  make(map[string]*Spec),
		logger: logger,
	}
}

// Register adds a protocol spec. Returns core.ErrDuplicateProtocol if the
// key is already taken.
func (r *Registry) Register(spec *Spec) error {
	if spec == nil || spec.Name == "" || spec.Version == "" {
		return core.Errorf(core.CodeValidation, "protocol spec requires name and version")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := spec.ID()
	if _, exists := r.specs[id]; exists {
		return core.WrapError(core.CodeValidation, "duplicate protocol "+id, core.ErrDuplicateProtocol)
	}
	r.specs[id] = spec

	r.logger.Info("Protocol registered", map[string]interface{}{
		"protocol_id":  id,
		"method_count": len(spec.Methods),
	})
	return nil
}

// Get returns the spec for a protocol id, or core.ErrProtocolNotFound.
func (r *Registry) Get(protocolID string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[protocolID]
	if !ok {
		return nil, core.WrapError(core.CodeMethodNotSupported, "unknown protocol "+protocolID, core.ErrProtocolNotFound)
	}
	return spec, nil
}

// List returns the ids of all registered protocols.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.specs))
	for id := range r.specs {
		ids = append(ids, id)
	}
	return ids
}

// ValidateCall resolves the method within the protocol and validates the
// parameters against its schema. On success it returns the normalized
// parameter map with declared defaults filled in. Validation failures are
// non-retryable.
func (r *Registry) ValidateCall(protocolID, method string, params map[string]interface{}) (map[string]interface{}, error) {
	spec, err := r.Get(protocolID)
	if err != nil {
		return nil, err
	}

	m, ok := spec.Method(method)
	if !ok {
		return nil, core.Errorf(core.CodeMethodNotSupported, "method %s not defined by protocol %s", method, protocolID).
			WithData("protocol_id", protocolID).
			WithData("method", method)
	}

	return validateParams(m.ParamsSchema, params, spec.AllowsAdditional())
}
