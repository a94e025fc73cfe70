package audit

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLogAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "run-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	if err := l.Log(CategoryOrchestrator, "run_started", map[string]interface{}{"experiment": "exp-1"}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := l.LogLLM("analysis", "gpt-4o", "prompt-hash", "resp-hash", 120, 40, 0.003, 800*time.Millisecond); err != nil {
		t.Fatalf("LogLLM: %v", err)
	}
	if err := l.LogError("phase_failed", errors.New("boom"), map[string]interface{}{"phase": "analysis"}); err != nil {
		t.Fatalf("LogError: %v", err)
	}

	events, err := ReadAll(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, e := range events {
		if e.EventID == "" || e.Timestamp == "" {
			t.Fatalf("event %d missing id/ts: %+v", i, e)
		}
		if e.RunID != "run-1" {
			t.Fatalf("event %d run id = %q", i, e.RunID)
		}
	}
	if events[0].Category != CategoryOrchestrator || events[0].Event != "run_started" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Category != CategoryLLM {
		t.Fatalf("expected llm category, got %s", events[1].Category)
	}
	if events[1].Detail["prompt_hash"] != "prompt-hash" {
		t.Fatalf("llm detail missing provenance: %v", events[1].Detail)
	}
	if events[2].Category != CategoryError || events[2].Detail["error"] != "boom" {
		t.Fatalf("unexpected error event: %+v", events[2])
	}
}

func TestReopenAppends(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "run-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Log(CategorySystem, "first", nil); err != nil {
		t.Fatalf("Log: %v", err)
	}
	l.Close()

	l2, err := New(dir, "run-1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	if err := l2.Log(CategorySystem, "second", nil); err != nil {
		t.Fatalf("Log: %v", err)
	}

	events, err := ReadAll(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(events) != 2 || events[0].Event != "first" || events[1].Event != "second" {
		t.Fatalf("append across reopen broken: %+v", events)
	}
}

func TestCacheEventRecorder(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "run-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.CacheEvent("cache_hit", "key-1", "hash-1", "analysis")
	l.CacheEvent("cache_miss", "key-2", "", "evidence")

	events, err := ReadAll(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Detail["artifact_hash"] != "hash-1" {
		t.Fatalf("hit should carry artifact hash: %v", events[0].Detail)
	}
	if _, ok := events[1].Detail["artifact_hash"]; ok {
		t.Fatalf("miss should not carry artifact hash: %v", events[1].Detail)
	}
}
