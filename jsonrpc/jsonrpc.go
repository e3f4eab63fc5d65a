// Package jsonrpc implements the JSON-RPC 2.0 framing used for provider
// calls. Requests carry method, params and id; responses carry either a
// result or an error object. Standard JSON-RPC error codes are reused and
// domain errors extend them through the error data's "kind" field.
package jsonrpc

import (
	"encoding/json"
	"fmt"

	"github.com/gleitzeit/gleitzeit/core"
)

// Version is the protocol version carried on every message.
const Version = "2.0"

// JSON-RPC 2.0 standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application error codes (reserved range -32000 to -32099).
const (
	CodeProviderError   = -32000
	CodeProviderTimeout = -32001
	CodeCancelled       = -32002
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      string                 `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response. Exactly one of Result or
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error member of a failed response.
type ErrorObject struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ErrorObject) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request for the given method and parameters.
func NewRequest(id, method string, params map[string]interface{}) *Request {
	return &Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Encode serializes a request to JSON.
func (r *Request) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding jsonrpc request: %w", err)
	}
	return data, nil
}

// DecodeResponse parses a raw response body. Malformed payloads and
// version mismatches are reported as errors; a well-formed error response
// is returned with Error set, not as a Go error.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding jsonrpc response: %w", err)
	}
	if resp.JSONRPC != Version {
		return nil, fmt.Errorf("unexpected jsonrpc version %q", resp.JSONRPC)
	}
	return &resp, nil
}

// Unwrap returns the decoded result value, or a structured error when the
// response carries an error object. The error's domain kind is taken from
// data.kind when present, otherwise derived from the wire code.
func (r *Response) Unwrap() (interface{}, error) {
	if r.Error != nil {
		return nil, toDomainError(r.Error)
	}
	if len(r.Result) == 0 {
		return nil, nil
	}
	var result interface{}
	if err := json.Unmarshal(r.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding jsonrpc result: %w", err)
	}
	return result, nil
}

// toDomainError maps a wire error object onto the engine's error taxonomy.
func toDomainError(obj *ErrorObject) error {
	code := core.CodeProviderError
	if kind, ok := obj.Data["kind"].(string); ok && kind != "" {
		code = core.ErrorCode(kind)
	} else {
		switch obj.Code {
		case CodeMethodNotFound:
			code = core.CodeMethodNotSupported
		case CodeInvalidParams, CodeInvalidRequest, CodeParseError:
			code = core.CodeValidation
		case CodeProviderTimeout:
			code = core.CodeProviderTimeout
		case CodeCancelled:
			code = core.CodeCancelled
		}
	}
	err := core.NewError(code, obj.Message).WithData("jsonrpc_code", obj.Code)
	for k, v := range obj.Data {
		if k != "kind" {
			err = err.WithData(k, v)
		}
	}
	return err
}

// ErrorResponse builds a failed response for the given request id. The
// domain code travels in data.kind so the caller can recover the taxonomy.
func ErrorResponse(id string, wireCode int, message string, kind core.ErrorCode) *Response {
	data := map[string]interface{}{}
	if kind != "" {
		data["kind"] = string(kind)
	}
	obj := &ErrorObject{Code: wireCode, Message: message}
	if len(data) > 0 {
		obj.Data = data
	}
	return &Response{JSONRPC: Version, ID: id, Error: obj}
}

// ResultResponse builds a successful response for the given request id.
func ResultResponse(id string, result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding jsonrpc result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}
