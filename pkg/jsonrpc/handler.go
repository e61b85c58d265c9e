// Package jsonrpc implements the JSON-RPC 2.0 surface shared by the /rpc
// HTTP endpoint and the WebSocket jsonrpc frames: parsing, validation,
// method dispatch with a middleware chain, and batch handling.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HandlerFunc executes one method. Returning an *Error selects the wire
// error code; any other error maps to an internal error.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Middleware runs before dispatch. It may transform the request or abort
// it by returning an error.
type Middleware func(ctx context.Context, req *Request) (*Request, error)

// Handler dispatches JSON-RPC requests to registered methods.
type Handler struct {
	mu         sync.RWMutex
	methods    map[string]HandlerFunc
	middleware []Middleware
}

// NewHandler creates an empty Handler.
func NewHandler() *Handler {
	return &Handler{methods: make(map[string]HandlerFunc)}
}

// Register binds a method name to a handler, replacing any previous one.
func (h *Handler) Register(method string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods[method] = fn
}

// Use appends a middleware to the chain.
func (h *Handler) Use(mw Middleware) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.middleware = append(h.middleware, mw)
}

// Methods lists registered method names.
func (h *Handler) Methods() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.methods))
	for name := range h.methods {
		out = append(out, name)
	}
	return out
}

// HandleRaw parses raw as a single request or a batch and returns the
// serialized response, or nil when nothing is owed (notifications).
func (h *Handler) HandleRaw(ctx context.Context, raw []byte) []byte {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return mustMarshal(errorResponse(nil, NewError(CodeInvalidRequest, "empty request")))
	}

	if trimmed[0] == '[' {
		return h.handleBatch(ctx, trimmed)
	}

	resp := h.handleSingle(ctx, trimmed)
	if resp == nil {
		return nil
	}
	return mustMarshal(resp)
}

func (h *Handler) handleBatch(ctx context.Context, raw []byte) []byte {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return mustMarshal(errorResponse(nil, NewError(CodeParseError, "parse error")))
	}
	if len(items) == 0 {
		return mustMarshal(errorResponse(nil, NewError(CodeInvalidRequest, "empty batch")))
	}

	// Each batch entry is processed independently; notification responses
	// are dropped while order is otherwise preserved.
	responses := make([]*Response, 0, len(items))
	for _, item := range items {
		if resp := h.handleSingle(ctx, item); resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		return nil
	}
	return mustMarshal(responses)
}

func (h *Handler) handleSingle(ctx context.Context, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, NewError(CodeParseError, "parse error"))
	}

	if rpcErr := validate(&req); rpcErr != nil {
		if req.IsNotification() && rpcErr.Code != CodeInvalidRequest {
			return nil
		}
		return errorResponse(req.ID, rpcErr)
	}

	resp := h.Dispatch(ctx, &req)
	if req.IsNotification() {
		return nil
	}
	return resp
}

// Dispatch runs the middleware chain and the registered handler for an
// already-validated request.
func (h *Handler) Dispatch(ctx context.Context, req *Request) *Response {
	h.mu.RLock()
	chain := h.middleware
	h.mu.RUnlock()

	for _, mw := range chain {
		next, err := mw(ctx, req)
		if err != nil {
			return errorResponse(req.ID, asError(err))
		}
		if next != nil {
			req = next
		}
	}

	// Method lookup happens after the chain so middleware may rewrite the
	// method name.
	h.mu.RLock()
	fn, ok := h.methods[req.Method]
	h.mu.RUnlock()

	if !ok {
		return errorResponse(req.ID, NewError(CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method)))
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout*float64(time.Second)))
		defer cancel()
	}

	result, err := h.invoke(ctx, fn, req)
	if err != nil {
		return errorResponse(req.ID, asError(err))
	}
	return successResponse(req.ID, result)
}

// invoke runs a handler, converting panics into internal errors so one
// broken method cannot take down the transport.
func (h *Handler) invoke(ctx context.Context, fn HandlerFunc, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("RPC handler panicked", "method", req.Method, "panic", r)
			err = NewError(CodeInternalError, "internal error")
		}
	}()
	return fn(ctx, req)
}

// validate enforces the protocol rules of §request validation: version
// "2.0", non-empty method, object-or-array params, unexpired timeout.
func validate(req *Request) *Error {
	if req.JSONRPC != Version {
		return NewError(CodeInvalidRequest, "unsupported jsonrpc version")
	}
	if req.Method == "" {
		return NewError(CodeInvalidRequest, "method must be a non-empty string")
	}
	if len(req.Params) > 0 {
		switch req.Params[0] {
		case '{', '[':
		default:
			return NewError(CodeInvalidParams, "params must be an object or array")
		}
	}
	// A request whose declared timeout already elapsed is rejected up
	// front, except notifications which carry no reply channel anyway.
	if req.Timeout > 0 && req.SentAt > 0 && !req.IsNotification() {
		deadline := req.SentAt + req.Timeout
		if float64(time.Now().Unix()) > deadline {
			return NewError(CodeTimeout, "request timeout elapsed before dispatch")
		}
	}
	return nil
}

func asError(err error) *Error {
	if rpcErr, ok := err.(*Error); ok {
		return rpcErr
	}
	slog.Error("RPC handler failed", "error", err)
	return NewError(CodeInternalError, "internal error")
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable if a handler returns an unmarshalable result.
		slog.Error("Failed to marshal RPC response", "error", err)
		return []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal error"},"id":null}`)
	}
	return data
}

// ParamsInto unmarshals req.Params into dst, mapping failures to an
// invalid-params error.
func ParamsInto(req *Request, dst any) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, dst); err != nil {
		return NewError(CodeInvalidParams, "invalid params: "+err.Error())
	}
	return nil
}
