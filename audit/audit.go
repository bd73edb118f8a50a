// Package audit collects structured events from a sandbox: command
// lifecycle, tool calls, and stream captures. Entries are buffered in
// memory and optionally appended to a JSONL file, one event per line.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/codefionn/kapsel/internal/logger"
)

// EventType identifies the kind of an audit entry.
type EventType string

const (
	EventCommandCreate EventType = "command_create"
	EventStreamChunk   EventType = "stream_chunk"
	EventToolCall      EventType = "tool_call"
	EventToolResult    EventType = "tool_result"
	EventCommandExit   EventType = "command_exit"
)

// Entry is one immutable audit record. Timestamp marshals as RFC3339.
type Entry struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	AgentID   string                 `json:"agent_id,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	TurnID    uint64                 `json:"turn_id"`
}

// Enricher transforms an entry's data before emission. It must be pure; a
// panicking enricher is recovered and the original data is kept.
type Enricher func(map[string]interface{}) map[string]interface{}

// Config configures a Collector.
type Config struct {
	// SessionID correlates all entries of one sandbox. Generated when empty.
	SessionID string
	// AgentID and TraceID are carried verbatim on every entry when set.
	AgentID string
	TraceID string
	// LogPath enables the JSONL sink. Each entry is appended and flushed.
	LogPath string
	// Enricher, when set, is applied to every entry's data before emission.
	Enricher Enricher
}

// Collector buffers audit entries for one sandbox and owns the turn counter.
// Safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	cfg     Config
	turnID  uint64
	entries []Entry
	file    *os.File
	log     *logger.Logger
}

// NewCollector creates a collector. When cfg.LogPath is set the sink file is
// opened (and its directory created) immediately so that configuration
// errors surface at construction time.
func NewCollector(cfg Config) (*Collector, error) {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	c := &Collector{cfg: cfg, log: logger.Global().WithPrefix("audit")}
	if cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		c.file = f
	}
	return c, nil
}

// SessionID returns the collector's session identifier.
func (c *Collector) SessionID() string {
	return c.cfg.SessionID
}

// NewTurn advances the turn counter and returns the new value. Consumers
// correlate multi-turn traces by turn_id.
func (c *Collector) NewTurn() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnID++
	return c.turnID
}

// TurnID returns the current turn counter without advancing it.
func (c *Collector) TurnID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnID
}

// Record commits one entry: enrichment, buffer append, and sink append, in
// that order. The entry is immutable once committed.
func (c *Collector) Record(typ EventType, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data = c.enrich(data)

	c.mu.Lock()
	defer c.mu.Unlock()
	entry := Entry{
		Type:      typ,
		SessionID: c.cfg.SessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
		AgentID:   c.cfg.AgentID,
		TraceID:   c.cfg.TraceID,
		TurnID:    c.turnID,
	}
	c.entries = append(c.entries, entry)

	if c.file != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			c.log.Warn("failed to encode audit entry: %v", err)
			return
		}
		line = append(line, '\n')
		if _, err := c.file.Write(line); err != nil {
			c.log.Warn("failed to append audit entry: %v", err)
		}
	}
}

func (c *Collector) enrich(data map[string]interface{}) (out map[string]interface{}) {
	if c.cfg.Enricher == nil {
		return data
	}
	out = data
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("audit enricher panicked: %v", r)
			out = data
		}
	}()
	if enriched := c.cfg.Enricher(data); enriched != nil {
		out = enriched
	}
	return out
}

// Filter selects buffered entries for in-memory retrieval.
type Filter struct {
	Types []EventType
	Since time.Time
	Until time.Time
}

// Entries returns a snapshot of the buffered entries matching the filter,
// in commit order. A zero Filter returns everything.
func (c *Collector) Entries(f Filter) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for _, e := range c.entries {
		if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func containsType(types []EventType, t EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// Drain returns all buffered entries and clears the buffer.
func (c *Collector) Drain() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.entries
	c.entries = nil
	return out
}

// Close flushes and closes the JSONL sink. Safe to call more than once.
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	f := c.file
	c.file = nil
	if err := f.Sync(); err != nil {
		c.log.Warn("failed to sync audit log: %v", err)
	}
	return f.Close()
}

// ParamsHash produces a stable hash of a parameter map for tool_call
// entries. Parameters are hashed, never logged verbatim.
func ParamsHash(params map[string]interface{}) string {
	canonical, err := canonicalJSON(params)
	if err != nil {
		return "unhashable"
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(canonical))
}

// canonicalJSON encodes with sorted object keys, which encoding/json already
// guarantees for maps. The indirection exists so nested non-map values are
// normalized through a decode/encode round trip first.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return json.Marshal(decoded)
}
