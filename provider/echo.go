package provider

import (
	"context"
	"sync/atomic"

	"github.com/gleitzeit/gleitzeit/core"
)

// EchoProtocolID is the protocol the built-in echo provider serves.
const EchoProtocolID = "echo/v1"

// EchoMethod returns its parameters unchanged.
const EchoMethod = "echo/echo"

// EchoProvider is an in-process provider that reflects its parameters
// back as the result. It serves as the reference provider implementation
// and backs end-to-end tests without external infrastructure.
type EchoProvider struct {
	initialized atomic.Bool
}

// NewEchoProvider creates an echo provider.
func NewEchoProvider() *EchoProvider {
	return &EchoProvider{}
}

func (p *EchoProvider) Initialize(ctx context.Context) error {
	p.initialized.Store(true)
	return nil
}

func (p *EchoProvider) Shutdown(ctx context.Context) error {
	p.initialized.Store(false)
	return nil
}

func (p *EchoProvider) SupportedMethods() []string {
	return []string{EchoMethod}
}

func (p *EchoProvider) HealthCheck(ctx context.Context) Health {
	if !p.initialized.Load() {
		return Health{Status: StatusUnhealthy}
	}
	return Health{Status: StatusHealthy}
}

func (p *EchoProvider) Handle(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	if method != EchoMethod {
		return nil, core.Errorf(core.CodeMethodNotSupported, "echo provider does not handle %s", method)
	}
	select {
	case <-ctx.Done():
		return nil, core.WrapError(core.CodeCancelled, "echo cancelled", ctx.Err())
	default:
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out, nil
}
