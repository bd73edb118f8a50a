// Package guest hosts the sandboxed JavaScript runtime and the asynchronous
// bridge that lets guest code call back into host tool handlers. The guest
// side of a tool call is a pending promise keyed by op_id; the host side is
// a Dispatcher that authorizes, charges, and invokes the handler.
package guest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codefionn/kapsel/audit"
	"github.com/codefionn/kapsel/capability"
	"github.com/codefionn/kapsel/internal/logger"
)

// ErrorKind is the stable failure taxonomy surfaced to the guest as the
// `kind` field of thrown errors and to the host in returned errors.
type ErrorKind string

const (
	KindAuthorization ErrorKind = "authorization"
	KindHandler       ErrorKind = "handler"
	KindMarshaling    ErrorKind = "marshaling"
	KindCancelled     ErrorKind = "cancelled"
	KindRuntime       ErrorKind = "runtime"
	KindVFS           ErrorKind = "vfs"
	KindShell         ErrorKind = "shell"
	KindTimeout       ErrorKind = "timeout"
)

// ToolHandler executes one authorized tool call. The method is the bound
// tool's name exactly as configured. Handlers may block; the dispatcher
// runs each call on its own goroutine, so synchronous and asynchronous
// host tools look the same from here.
type ToolHandler func(ctx context.Context, method string, params map[string]interface{}) (interface{}, error)

// Request is a guest→host tool call message.
type Request struct {
	OpID   uint64                 `json:"op_id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

// RespError is the error half of a Response.
type RespError struct {
	Kind    ErrorKind `json:"kind"`
	SubKind string    `json:"sub_kind,omitempty"`
	Message string    `json:"message"`
}

// Response is a host→guest completion message, correlated by OpID.
type Response struct {
	OpID  uint64      `json:"op_id"`
	OK    bool        `json:"ok"`
	Value interface{} `json:"value,omitempty"`
	Err   *RespError  `json:"error,omitempty"`
}

// Dispatcher is the host side of the bridge. A nil capability set means
// unrestricted dispatch; an empty set denies everything.
type Dispatcher struct {
	caps    *capability.Set
	handler ToolHandler
	audit   *audit.Collector
	log     *logger.Logger
}

// NewDispatcher wires the dispatcher. collector may not be nil; handler may
// be nil when no tools are bound, in which case every dispatch fails with a
// handler error.
func NewDispatcher(caps *capability.Set, handler ToolHandler, collector *audit.Collector) *Dispatcher {
	return &Dispatcher{
		caps:    caps,
		handler: handler,
		audit:   collector,
		log:     logger.Global().WithPrefix("bridge"),
	}
}

// Dispatch processes one request to completion: audit, authorize, charge,
// invoke, marshal. It blocks until the handler returns and is safe to run
// on its own goroutine per request. Authorization and charging happen in
// one critical section, so two requests racing for a capability's last
// remaining call cannot both dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	d.audit.Record(audit.EventToolCall, map[string]interface{}{
		"op_id":       req.OpID,
		"method":      req.Method,
		"params_hash": audit.ParamsHash(req.Params),
	})

	if d.caps != nil {
		_, denial := d.caps.AuthorizeAndCharge(req.Method, req.Params)
		if denial != nil {
			d.log.Debug("op %d denied: %v", req.OpID, denial)
			return d.fail(req, &RespError{
				Kind:    KindAuthorization,
				SubKind: string(denial.Kind),
				Message: denial.Error(),
			})
		}
	}

	if d.handler == nil {
		return d.fail(req, &RespError{
			Kind:    KindHandler,
			Message: fmt.Sprintf("no tool handler bound for %q", req.Method),
		})
	}

	value, err := d.invoke(ctx, req)
	if err != nil {
		return d.fail(req, &RespError{Kind: KindHandler, Message: err.Error()})
	}

	decoded, err := marshalResult(value)
	if err != nil {
		return d.fail(req, &RespError{
			Kind:    KindMarshaling,
			Message: fmt.Sprintf("tool %q returned a value that is not JSON-serializable: %v", req.Method, err),
		})
	}

	d.audit.Record(audit.EventToolResult, map[string]interface{}{
		"op_id":  req.OpID,
		"method": req.Method,
		"ok":     true,
	})
	return Response{OpID: req.OpID, OK: true, Value: decoded}
}

// invoke runs the handler, converting panics into handler errors so a
// misbehaving tool cannot take down the sandbox loop.
func (d *Dispatcher) invoke(ctx context.Context, req Request) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool handler panicked: %v", r)
		}
	}()
	return d.handler(ctx, req.Method, req.Params)
}

func (d *Dispatcher) fail(req Request, respErr *RespError) Response {
	d.audit.Record(audit.EventToolResult, map[string]interface{}{
		"op_id":  req.OpID,
		"method": req.Method,
		"ok":     false,
		"kind":   string(respErr.Kind),
	})
	return Response{OpID: req.OpID, OK: false, Err: respErr}
}

// marshalResult round-trips the handler's return value through JSON. This
// both enforces serializability and normalizes Go types into the plain
// maps/slices/float64 shape the runtime injects into the guest.
func marshalResult(value interface{}) (interface{}, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}
