package guest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/codefionn/kapsel/audit"
	"github.com/codefionn/kapsel/internal/logger"
	"github.com/codefionn/kapsel/internal/shell"
	"github.com/codefionn/kapsel/internal/vfs"
)

// Error is a typed guest-side failure returned to the host.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Config wires a Runtime.
type Config struct {
	FS         *vfs.FS
	Shell      *shell.Engine
	Dispatcher *Dispatcher
	Audit      *audit.Collector
	// ToolNames are bound as guest stubs. Dots become underscores in the
	// stub identifier; the bridge method keeps the original tool name.
	ToolNames []string
}

type pendingOp struct {
	resolve func(interface{}) error
	reject  func(interface{}) error
}

// Runtime owns one goja interpreter and its event loop. A sandbox has
// exactly one Runtime; the VFS and capability budgets persist across
// Execute calls, the capture buffers do not.
//
// The loop is cooperative and single-threaded: all JS runs on the goroutine
// that called Execute. Host completions are funnelled through completions
// and applied between JS runs, which is what resumes suspended await
// frames.
type Runtime struct {
	vm          *goja.Runtime
	dispatcher  *Dispatcher
	fs          *vfs.FS
	shell       *shell.Engine
	audit       *audit.Collector
	log         *logger.Logger
	completions chan func()
	done        chan struct{}

	execMu sync.Mutex // one Execute at a time

	mu      sync.Mutex // guards pending, nextOp, closed, resolverErr
	pending map[uint64]*pendingOp
	nextOp  uint64
	closed  bool

	// resolverErr records an interrupt raised while a resolver ran its
	// promise reactions; pump turns it into the timeout/cancelled outcome.
	resolverErr error

	stdout bytes.Buffer
	stderr bytes.Buffer

	// unhandled tracks promises rejected without a handler; drained after
	// the main program settles.
	unhandled map[*goja.Promise]struct{}

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New builds a Runtime and installs the global bindings: console, fs,
// shell, btoa/atob, and one async stub per tool.
func New(cfg Config) (*Runtime, error) {
	baseCtx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		vm:          goja.New(),
		dispatcher:  cfg.Dispatcher,
		fs:          cfg.FS,
		shell:       cfg.Shell,
		audit:       cfg.Audit,
		log:         logger.Global().WithPrefix("guest"),
		completions: make(chan func(), 64),
		done:        make(chan struct{}),
		pending:     map[uint64]*pendingOp{},
		unhandled:   map[*goja.Promise]struct{}{},
		baseCtx:     baseCtx,
		cancelBase:  cancel,
	}

	r.vm.SetPromiseRejectionTracker(func(p *goja.Promise, op goja.PromiseRejectionOperation) {
		if op == goja.PromiseRejectionReject {
			r.unhandled[p] = struct{}{}
		} else {
			delete(r.unhandled, p)
		}
	})

	if err := r.installBindings(); err != nil {
		cancel()
		return nil, err
	}
	for _, name := range cfg.ToolNames {
		r.bindToolStub(name)
	}
	return r, nil
}

// StubName is the guest identifier for a tool: dots rewritten to
// underscores so "billing.charge" binds as billing_charge. Separators from
// method-pattern syntax (':' and '/') are sanitized the same way.
func StubName(tool string) string {
	return strings.NewReplacer(".", "_", ":", "_", "/", "_").Replace(tool)
}

// Execute runs a JS program to completion and returns captured stdout.
// Top-level await is supported: the code is wrapped in an async IIFE and
// the loop runs until its promise settles and all bridge operations have
// completed or the context expires.
func (r *Runtime) Execute(ctx context.Context, code string, stdin []byte) (string, error) {
	r.execMu.Lock()
	defer r.execMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", &Error{Kind: KindRuntime, Message: "sandbox is disposed"}
	}
	r.resolverErr = nil
	r.mu.Unlock()

	r.stdout.Reset()
	r.stderr.Reset()
	r.bindStdin(stdin)
	for p := range r.unhandled {
		delete(r.unhandled, p)
	}

	prog, err := goja.Compile("sandbox.js", "(async () => {\n"+code+"\n})()", false)
	if err != nil {
		return "", &Error{Kind: KindRuntime, Message: fmt.Sprintf("parse error: %v", err)}
	}

	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.vm.Interrupt(ctx.Err())
		case <-stopWatch:
		}
	}()
	defer func() {
		close(stopWatch)
		r.vm.ClearInterrupt()
	}()

	value, err := r.vm.RunProgram(prog)
	if err != nil {
		return r.stdout.String(), r.translateRunError(ctx, err)
	}

	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		return r.stdout.String(), nil
	}

	if err := r.pump(ctx, promise); err != nil {
		return r.stdout.String(), err
	}

	if promise.State() == goja.PromiseStateRejected {
		delete(r.unhandled, promise)
		return r.stdout.String(), r.rejectionError(promise.Result())
	}
	delete(r.unhandled, promise)
	if len(r.unhandled) > 0 {
		var reasons []string
		for p := range r.unhandled {
			reasons = append(reasons, r.describeRejection(p.Result()))
			delete(r.unhandled, p)
		}
		return r.stdout.String(), &Error{
			Kind:    KindRuntime,
			Message: "unhandled promise rejection: " + strings.Join(reasons, "; "),
		}
	}
	return r.stdout.String(), nil
}

// pump services bridge completions until the main promise settles and no
// operations remain in flight.
func (r *Runtime) pump(ctx context.Context, main *goja.Promise) error {
	for {
		settled := main.State() != goja.PromiseStatePending
		r.mu.Lock()
		inflight := len(r.pending)
		r.mu.Unlock()
		if settled && inflight == 0 {
			return nil
		}

		if inflight == 0 {
			// Nothing can resume the guest: a pending promise with no
			// pending bridge operation and an empty completion queue is a
			// deadlock, not a wait.
			select {
			case fn := <-r.completions:
				fn()
				if err := r.takeResolverErr(); err != nil {
					return r.translateRunError(ctx, err)
				}
				continue
			default:
				return &Error{Kind: KindRuntime, Message: "execution suspended with no pending operations"}
			}
		}

		select {
		case fn := <-r.completions:
			fn()
			if err := r.takeResolverErr(); err != nil {
				return r.translateRunError(ctx, err)
			}
		case <-ctx.Done():
			r.cancelInflight()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &Error{Kind: KindTimeout, Message: "execution deadline exceeded"}
			}
			return &Error{Kind: KindCancelled, Message: "execution cancelled"}
		}
	}
}

func (r *Runtime) translateRunError(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		r.cancelInflight()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Error{Kind: KindTimeout, Message: "execution deadline exceeded"}
		}
		return &Error{Kind: KindCancelled, Message: "execution cancelled"}
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return r.rejectionError(exc.Value())
	}
	return &Error{Kind: KindRuntime, Message: err.Error()}
}

// rejectionError maps a thrown guest value to a host error. Errors that
// originated on the bridge carry a `kind` field, which is preserved in the
// message so callers can see the original failure class.
func (r *Runtime) rejectionError(reason goja.Value) error {
	return &Error{Kind: KindRuntime, Message: r.describeRejection(reason)}
}

func (r *Runtime) describeRejection(reason goja.Value) string {
	if reason == nil {
		return "unknown error"
	}
	msg := reason.String()
	if obj, ok := reason.(*goja.Object); ok {
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			msg = m.String()
		}
		if k := obj.Get("kind"); k != nil && !goja.IsUndefined(k) {
			return fmt.Sprintf("%s: %s", k.String(), msg)
		}
	}
	return msg
}

// bindToolStub installs the guest async function for one tool. Invoking the
// stub creates a pending promise keyed by a fresh op_id, hands the request
// to the dispatcher on its own goroutine, and yields; the completion is
// applied on the loop and settles the promise.
func (r *Runtime) bindToolStub(tool string) {
	method := tool
	stub := func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := r.vm.NewPromise()

		params, err := exportParams(call.Argument(0))
		if err != nil {
			reject(r.errorObject(KindMarshaling, "", fmt.Sprintf("tool parameters are not JSON-serializable: %v", err)))
			return r.vm.ToValue(promise)
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			reject(r.errorObject(KindCancelled, "", "sandbox is disposed"))
			return r.vm.ToValue(promise)
		}
		r.nextOp++
		opID := r.nextOp
		r.pending[opID] = &pendingOp{resolve: resolve, reject: reject}
		r.mu.Unlock()

		req := Request{OpID: opID, Method: method, Params: params}
		go func() {
			resp := r.dispatcher.Dispatch(r.baseCtx, req)
			r.deliver(resp)
		}()
		return r.vm.ToValue(promise)
	}
	r.vm.Set(StubName(tool), stub)
}

// deliver queues a response for the loop goroutine. Responses for cancelled
// or unknown op_ids are dropped.
func (r *Runtime) deliver(resp Response) {
	select {
	case r.completions <- func() { r.settle(resp) }:
	case <-r.done:
	}
}

// settle runs on the loop goroutine and resolves or rejects the pending
// promise for resp.OpID. Calling the resolver outside a JS run executes the
// queued promise reactions, which is what resumes the awaiting frame.
func (r *Runtime) settle(resp Response) {
	r.mu.Lock()
	op, ok := r.pending[resp.OpID]
	delete(r.pending, resp.OpID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if resp.OK {
		r.noteResolverErr(op.resolve(resp.Value))
		return
	}
	r.noteResolverErr(op.reject(r.errorObject(resp.Err.Kind, resp.Err.SubKind, resp.Err.Message)))
}

// noteResolverErr keeps the first interrupt a resolver reported. The
// resolvers return an error only when the VM was interrupted (or overflowed)
// while running the promise reactions; dropping it would leave the main
// promise pending with nothing in flight.
func (r *Runtime) noteResolverErr(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	if r.resolverErr == nil {
		r.resolverErr = err
	}
	r.mu.Unlock()
}

func (r *Runtime) takeResolverErr() error {
	r.mu.Lock()
	err := r.resolverErr
	r.resolverErr = nil
	r.mu.Unlock()
	return err
}

// cancelInflight rejects every pending bridge operation with cancelled.
// Guest frames may already be dead (interrupt); resolver panics are
// swallowed.
func (r *Runtime) cancelInflight() {
	r.mu.Lock()
	ops := make([]*pendingOp, 0, len(r.pending))
	for id, op := range r.pending {
		ops = append(ops, op)
		delete(r.pending, id)
	}
	r.mu.Unlock()
	for _, op := range ops {
		func() {
			defer func() { _ = recover() }()
			op.reject(r.errorObject(KindCancelled, "", "sandbox operation cancelled"))
		}()
	}
}

// Close disposes the runtime: in-flight operations are rejected with
// cancelled and further Execute calls fail. Idempotent.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancelBase()
	close(r.done)
	r.cancelInflight()
}

// Stderr returns the capture of the last Execute call.
func (r *Runtime) Stderr() string {
	return r.stderr.String()
}

// errorObject builds the JS Error carrying the bridge failure taxonomy.
func (r *Runtime) errorObject(kind ErrorKind, subKind, msg string) goja.Value {
	ctor := r.vm.Get("Error")
	obj, err := r.vm.New(ctor, r.vm.ToValue(msg))
	if err != nil {
		obj = r.vm.NewObject()
		_ = obj.Set("message", msg)
	}
	_ = obj.Set("kind", string(kind))
	if subKind != "" {
		_ = obj.Set("subKind", subKind)
	}
	return obj
}
