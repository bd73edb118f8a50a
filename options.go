package kapsel

import (
	"time"

	"github.com/codefionn/kapsel/audit"
	"github.com/codefionn/kapsel/capability"
	"github.com/codefionn/kapsel/internal/vfs"
)

// DefaultMaxCalls is the per-tool call budget applied when tools are bound
// without an explicit capability set.
const DefaultMaxCalls uint64 = 100

// DefaultTimeout bounds a single Execute or Shell call unless overridden.
const DefaultTimeout = 30 * time.Second

// LanguageJavaScript and LanguageShell are the accepted Run languages.
const (
	LanguageJavaScript = "javascript"
	LanguageShell      = "shell"
)

type seedFile struct {
	path string
	data []byte
}

type extraMount struct {
	path string
	mode vfs.Mode
}

type config struct {
	tools           []ToolDefinition
	caps            []capability.MethodCapability
	capSet          *capability.Set
	handler         ToolHandler
	auditCfg        audit.Config
	timeout         time.Duration
	defaultLanguage string
	mounts          []extraMount
	seeds           []seedFile
	env             map[string]string
}

// Option configures a Sandbox at construction.
type Option func(*config)

// WithTools binds host tools as guest stubs.
func WithTools(tools ...ToolDefinition) Option {
	return func(c *config) { c.tools = append(c.tools, tools...) }
}

// WithCapabilities sets the capability list the sandbox authorizes against.
// When omitted and tools are bound, each tool gets a budget of
// DefaultMaxCalls with no constraints.
func WithCapabilities(caps ...capability.MethodCapability) Option {
	return func(c *config) { c.caps = append(c.caps, caps...) }
}

// WithCapabilitySet installs a prebuilt set, e.g. one derived by
// attenuation. Takes precedence over WithCapabilities.
func WithCapabilitySet(set *capability.Set) Option {
	return func(c *config) { c.capSet = set }
}

// WithToolHandler sets the host function that executes authorized calls.
func WithToolHandler(handler ToolHandler) Option {
	return func(c *config) { c.handler = handler }
}

// WithAudit configures the audit collector: session/agent/trace IDs, the
// JSONL sink path, and the enricher.
func WithAudit(cfg audit.Config) Option {
	return func(c *config) { c.auditCfg = cfg }
}

// WithTimeout bounds each Execute/Shell call by wall clock. Zero disables
// the sandbox-level deadline (the caller's context still applies).
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithDefaultLanguage sets the language Run uses when none is given.
func WithDefaultLanguage(lang string) Option {
	return func(c *config) { c.defaultLanguage = lang }
}

// WithMount adds a VFS mount with the given access mode.
func WithMount(path string, writable bool) Option {
	mode := vfs.ReadOnly
	if writable {
		mode = vfs.ReadWrite
	}
	return func(c *config) { c.mounts = append(c.mounts, extraMount{path: path, mode: mode}) }
}

// WithFile seeds a file into the VFS before the guest runs, ignoring mount
// modes. Use it to preload read-only reference data.
func WithFile(path string, data []byte) Option {
	return func(c *config) {
		c.seeds = append(c.seeds, seedFile{path: path, data: append([]byte(nil), data...)})
	}
}

// WithEnv sets the opaque environment map shell pipelines see.
func WithEnv(env map[string]string) Option {
	return func(c *config) {
		if c.env == nil {
			c.env = map[string]string{}
		}
		for k, v := range env {
			c.env[k] = v
		}
	}
}
