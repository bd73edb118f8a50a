// Package kapsel is a capability-controlled code-execution sandbox for
// agentic LLM systems. An agent writes a short JavaScript program or a
// shell pipeline; the sandbox runs it in an isolated guest runtime with an
// in-memory filesystem, and every callback into a host tool is authorized
// against a typed capability set and recorded in the audit pipeline.
package kapsel

import (
	"context"
	"fmt"
	"sync"

	"github.com/codefionn/kapsel/audit"
	"github.com/codefionn/kapsel/capability"
	"github.com/codefionn/kapsel/internal/guest"
	"github.com/codefionn/kapsel/internal/logger"
	"github.com/codefionn/kapsel/internal/shell"
	"github.com/codefionn/kapsel/internal/vfs"
)

// ToolHandler executes one authorized tool call on the host. It may block;
// concurrent guest requests run on separate goroutines.
type ToolHandler func(ctx context.Context, method string, params map[string]interface{}) (interface{}, error)

// streamPreviewLimit caps the preview bytes recorded per stream_chunk
// audit entry.
const streamPreviewLimit = 256

// Sandbox is the façade over the guest runtime, VFS, shell, capability set,
// and audit pipeline. Each Sandbox is independent; nothing is shared across
// instances. Safe for use from one goroutine at a time per entry point;
// entry points serialize internally.
type Sandbox struct {
	tools     []ToolDefinition
	caps      *capability.Set
	collector *audit.Collector
	fs        *vfs.FS
	shell     *shell.Engine
	runtime   *guest.Runtime
	cfg       config
	log       *logger.Logger

	mu     sync.Mutex
	closed bool
}

// New constructs a sandbox. Tools, capabilities, the handler, and audit
// configuration are fixed for the sandbox's lifetime.
func New(opts ...Option) (*Sandbox, error) {
	cfg := config{
		timeout:         DefaultTimeout,
		defaultLanguage: LanguageJavaScript,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	switch cfg.defaultLanguage {
	case LanguageJavaScript, LanguageShell:
	default:
		return nil, fmt.Errorf("unsupported default language %q", cfg.defaultLanguage)
	}

	fsys := vfs.New()
	for _, m := range cfg.mounts {
		if err := fsys.AddMount(m.path, m.mode); err != nil {
			return nil, fmt.Errorf("mount %s: %w", m.path, err)
		}
	}
	for _, seed := range cfg.seeds {
		if err := fsys.Preload(seed.path, seed.data); err != nil {
			return nil, fmt.Errorf("seed %s: %w", seed.path, err)
		}
	}

	engine := shell.New(fsys)
	if cfg.env != nil {
		engine.Env = cfg.env
	}

	collector, err := audit.NewCollector(cfg.auditCfg)
	if err != nil {
		return nil, err
	}

	capSet := cfg.capSet
	if capSet == nil && len(cfg.caps) > 0 {
		capSet = capability.NewSet(cfg.caps...)
	}
	if capSet == nil && len(cfg.tools) > 0 {
		names := make([]string, len(cfg.tools))
		for i, t := range cfg.tools {
			names[i] = t.Name
		}
		capSet = capability.ForTools(names, DefaultMaxCalls)
	}

	var handler guest.ToolHandler
	if cfg.handler != nil {
		h := cfg.handler
		handler = func(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
			return h(ctx, method, params)
		}
	}
	dispatcher := guest.NewDispatcher(capSet, handler, collector)

	toolNames := make([]string, len(cfg.tools))
	for i, t := range cfg.tools {
		toolNames[i] = t.Name
	}
	runtime, err := guest.New(guest.Config{
		FS:         fsys,
		Shell:      engine,
		Dispatcher: dispatcher,
		Audit:      collector,
		ToolNames:  toolNames,
	})
	if err != nil {
		collector.Close()
		return nil, err
	}

	return &Sandbox{
		tools:     cfg.tools,
		caps:      capSet,
		collector: collector,
		fs:        fsys,
		shell:     engine,
		runtime:   runtime,
		cfg:       cfg,
		log:       logger.Global().WithPrefix("sandbox"),
	}, nil
}

// Execute runs a JavaScript program to completion and returns captured
// stdout. stdin, when non-nil, is delivered to the guest through the stdin
// fast path rather than the command channel.
func (s *Sandbox) Execute(ctx context.Context, code string, stdin []byte) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	ctx, cancel := s.applyDeadline(ctx)
	defer cancel()

	s.collector.Record(audit.EventCommandCreate, map[string]interface{}{
		"language":  LanguageJavaScript,
		"code_size": len(code),
	})

	out, err := s.runtime.Execute(ctx, code, stdin)

	s.recordStream("stdout", out)
	s.recordStream("stderr", s.runtime.Stderr())

	exit := map[string]interface{}{"status": 0}
	if err != nil {
		translated := translateError(err).(*Error)
		exit["status"] = 1
		exit["error_kind"] = string(translated.Kind)
		s.collector.Record(audit.EventCommandExit, exit)
		return out, translated
	}
	s.collector.Record(audit.EventCommandExit, exit)
	return out, nil
}

// Shell runs a pipeline in the applet suite and returns captured stdout. A
// non-zero exit is returned as an Error of kind shell carrying the status.
func (s *Sandbox) Shell(ctx context.Context, command string, stdin []byte) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	ctx, cancel := s.applyDeadline(ctx)
	defer cancel()

	s.collector.Record(audit.EventCommandCreate, map[string]interface{}{
		"language": LanguageShell,
		"command":  command,
	})

	type shellOutcome struct {
		result *shell.Result
		err    error
	}
	outcome := make(chan shellOutcome, 1)
	go func() {
		res, err := s.shell.Run(command, stdin)
		outcome <- shellOutcome{result: res, err: err}
	}()

	var res *shell.Result
	select {
	case o := <-outcome:
		if o.err != nil {
			s.collector.Record(audit.EventCommandExit, map[string]interface{}{
				"status": 2, "error_kind": string(ErrShell),
			})
			return "", &Error{Kind: ErrShell, Message: o.err.Error(), Status: 2}
		}
		res = o.result
	case <-ctx.Done():
		s.collector.Record(audit.EventCommandExit, map[string]interface{}{
			"status": 1, "error_kind": string(ErrTimeout),
		})
		return "", &Error{Kind: ErrTimeout, Message: "shell deadline exceeded"}
	}

	s.recordStream("stdout", res.Stdout)
	s.recordStream("stderr", res.Stderr)
	s.collector.Record(audit.EventCommandExit, map[string]interface{}{"status": res.ExitCode})

	if res.ExitCode != 0 {
		msg := res.Stderr
		if msg == "" {
			msg = fmt.Sprintf("pipeline exited with status %d", res.ExitCode)
		}
		return res.Stdout, &Error{Kind: ErrShell, Message: msg, Status: res.ExitCode}
	}
	return res.Stdout, nil
}

// Run dispatches to Execute or Shell. An empty language selects the
// sandbox's configured default.
func (s *Sandbox) Run(ctx context.Context, code, language string, stdin []byte) (string, error) {
	if language == "" {
		language = s.cfg.defaultLanguage
	}
	switch language {
	case LanguageJavaScript, "js":
		return s.Execute(ctx, code, stdin)
	case LanguageShell, "bash", "sh":
		return s.Shell(ctx, code, stdin)
	default:
		return "", &Error{Kind: ErrRuntime, Message: fmt.Sprintf("unsupported language %q", language)}
	}
}

// CanCall reports whether a tool call would currently be authorized. It is
// total: with no capability set it reports true, matching dispatch
// behavior.
func (s *Sandbox) CanCall(method string, params map[string]interface{}) bool {
	if s.caps == nil {
		return true
	}
	return s.caps.CanCall(method, params)
}

// GetRemainingCalls returns the remaining budget for a capability key. The
// boolean reports whether the capability is unlimited; unknown keys report
// a zero budget.
func (s *Sandbox) GetRemainingCalls(key string) (uint64, bool) {
	if s.caps == nil {
		return 0, true
	}
	n, bounded, err := s.caps.Remaining(key)
	if err != nil {
		return 0, false
	}
	return n, !bounded
}

// GetCapabilities returns a snapshot of the sandbox's capabilities.
func (s *Sandbox) GetCapabilities() []capability.MethodCapability {
	if s.caps == nil {
		return nil
	}
	return s.caps.Capabilities()
}

// Tools returns the bound tool definitions.
func (s *Sandbox) Tools() []ToolDefinition {
	out := make([]ToolDefinition, len(s.tools))
	copy(out, s.tools)
	return out
}

// NewTurn advances the audit turn counter and returns the new turn id.
func (s *Sandbox) NewTurn() uint64 {
	return s.collector.NewTurn()
}

// AuditEntries retrieves buffered audit entries.
func (s *Sandbox) AuditEntries(f audit.Filter) []audit.Entry {
	return s.collector.Entries(f)
}

// DrainAudit returns and clears the buffered audit entries.
func (s *Sandbox) DrainAudit() []audit.Entry {
	return s.collector.Drain()
}

// SessionID returns the audit session identifier.
func (s *Sandbox) SessionID() string {
	return s.collector.SessionID()
}

// Close disposes the sandbox: the guest is released, in-flight bridge
// operations are rejected with cancelled, and the audit sink is flushed and
// closed. Idempotent.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.runtime.Close()
	return s.collector.Close()
}

func (s *Sandbox) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &Error{Kind: ErrRuntime, Message: "sandbox is disposed"}
	}
	return nil
}

func (s *Sandbox) applyDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	if _, has := ctx.Deadline(); has {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.timeout)
}

func (s *Sandbox) recordStream(stream, content string) {
	if content == "" {
		return
	}
	preview := content
	if len(preview) > streamPreviewLimit {
		preview = preview[:streamPreviewLimit]
	}
	s.collector.Record(audit.EventStreamChunk, map[string]interface{}{
		"stream":  stream,
		"size":    len(content),
		"preview": preview,
	})
}
