package provider

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gleitzeit/gleitzeit/core"
	"github.com/gleitzeit/gleitzeit/jsonrpc"
)

// HTTPRPCConfig configures an HTTP JSON-RPC provider.
type HTTPRPCConfig struct {
	// Endpoint is the URL requests are POSTed to
	Endpoint string

	// Methods lists the protocol methods the remote endpoint serves
	Methods []string

	// Client is the HTTP client used for calls. A default with a 300s
	// timeout is created when nil; per-call contexts still apply.
	Client *http.Client

	// HealthEndpoint is GET-probed by HealthCheck. When empty, health is
	// inferred from the main endpoint being configured.
	HealthEndpoint string

	// Headers are added to every request, e.g. authorization
	Headers map[string]string
}

// HTTPRPCProvider dispatches method calls to a remote JSON-RPC 2.0
// endpoint over HTTP. This is the generic shape for remote tool servers
// and LLM gateways.
type HTTPRPCProvider struct {
	config HTTPRPCConfig
	client *http.Client
}

// NewHTTPRPCProvider creates a provider for the given endpoint.
func NewHTTPRPCProvider(config HTTPRPCConfig) *HTTPRPCProvider {
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: 300 * time.Second}
	}
	return &HTTPRPCProvider{config: config, client: client}
}

func (p *HTTPRPCProvider) Initialize(ctx context.Context) error {
	if p.config.Endpoint == "" {
		return core.Errorf(core.CodeProviderInitFailed, "http rpc provider requires an endpoint")
	}
	return nil
}

func (p *HTTPRPCProvider) Shutdown(ctx context.Context) error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *HTTPRPCProvider) SupportedMethods() []string {
	return p.config.Methods
}

func (p *HTTPRPCProvider) HealthCheck(ctx context.Context) Health {
	if p.config.HealthEndpoint == "" {
		return Health{Status: StatusHealthy}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.HealthEndpoint, nil)
	if err != nil {
		return Health{Status: StatusUnknown, Details: map[string]interface{}{"error": err.Error()}}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Health{Status: StatusUnhealthy, Details: map[string]interface{}{"error": err.Error()}}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Health{Status: StatusUnhealthy, Details: map[string]interface{}{"http_status": resp.StatusCode}}
	}
	if resp.StatusCode >= 400 {
		return Health{Status: StatusDegraded, Details: map[string]interface{}{"http_status": resp.StatusCode}}
	}
	return Health{Status: StatusHealthy}
}

// Handle POSTs a JSON-RPC request and unwraps the response. Transport
// deadline expiry maps to CodeProviderTimeout, other transport faults to
// CodeProviderError; error responses keep the domain kind carried in
// data.kind.
func (p *HTTPRPCProvider) Handle(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	rpcReq := jsonrpc.NewRequest(core.NewID(), method, params)
	body, err := rpcReq.Encode()
	if err != nil {
		return nil, core.WrapError(core.CodeValidation, "encoding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, core.WrapError(core.CodeProviderError, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || (ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
			return nil, core.WrapError(core.CodeProviderTimeout, "call to "+p.config.Endpoint+" timed out", err)
		}
		if ctx.Err() != nil {
			return nil, core.WrapError(core.CodeCancelled, "call cancelled", err)
		}
		return nil, core.WrapError(core.CodeProviderError, "calling "+p.config.Endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.WrapError(core.CodeProviderError, "reading response", err)
	}
	if resp.StatusCode >= 500 {
		return nil, core.Errorf(core.CodeProviderError, "endpoint returned HTTP %d", resp.StatusCode).
			WithData("http_status", resp.StatusCode)
	}

	rpcResp, err := jsonrpc.DecodeResponse(data)
	if err != nil {
		return nil, core.WrapError(core.CodeProviderError, "invalid jsonrpc response", err)
	}
	return rpcResp.Unwrap()
}
