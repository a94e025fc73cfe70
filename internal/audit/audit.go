package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Category classifies audit events.
type Category string

const (
	CategoryOrchestrator Category = "orchestrator"
	CategoryAgent        Category = "agent"
	CategoryLLM          Category = "llm_interaction"
	CategoryArtifact     Category = "artifact"
	CategoryCache        Category = "cache"
	CategorySystem       Category = "system"
	CategoryError        Category = "error"
	CategoryPerformance  Category = "performance"
)

// Event is one line of the audit trail.
type Event struct {
	EventID   string                 `json:"event_id"`
	RunID     string                 `json:"run_id"`
	Category  Category               `json:"category"`
	Event     string                 `json:"event"`
	Timestamp string                 `json:"ts"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Logger writes an append-only JSONL audit trail for one run. Writes are
// serialized and flushed per event; the file is opened O_APPEND so separate
// processes interleave whole lines.
type Logger struct {
	runID string
	mu    sync.Mutex
	f     *os.File
}

// New opens (or creates) the audit trail at dir/audit.jsonl.
func New(dir, runID string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{runID: runID, f: f}, nil
}

// Close releases the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Log appends one event. Detail maps are recorded as given.
func (l *Logger) Log(category Category, event string, detail map[string]interface{}) error {
	e := Event{
		EventID:   uuid.NewString(),
		RunID:     l.runID,
		Category:  category,
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Detail:    detail,
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return l.f.Sync()
}

// LogLLM records a completed LLM interaction with its provenance hashes.
func (l *Logger) LogLLM(phase, model string, promptHash, responseHash string, promptTokens, completionTokens int64, costUSD float64, latency time.Duration) error {
	return l.Log(CategoryLLM, "llm_call_completed", map[string]interface{}{
		"phase":             phase,
		"model":             model,
		"prompt_hash":       promptHash,
		"response_hash":     responseHash,
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"cost_usd":          costUSD,
		"latency_ms":        latency.Milliseconds(),
	})
}

// CacheEvent implements the cache.Recorder interface.
func (l *Logger) CacheEvent(event, key, artifactHash, phase string) {
	detail := map[string]interface{}{"cache_key": key, "phase": phase}
	if artifactHash != "" {
		detail["artifact_hash"] = artifactHash
	}
	_ = l.Log(CategoryCache, event, detail)
}

// LogError records an error with context.
func (l *Logger) LogError(event string, err error, detail map[string]interface{}) error {
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detail["error"] = err.Error()
	return l.Log(CategoryError, event, detail)
}

// ReadAll decodes every event in an audit file, for verification tooling.
func ReadAll(path string) ([]Event, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	var events []Event
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var e Event
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}
