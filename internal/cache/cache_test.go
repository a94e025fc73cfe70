package cache

import (
	"bytes"
	"context"
	"testing"

	"github.com/discernus/discernus/internal/artifact"
)

type stubRecorder struct {
	events []string
}

func (s *stubRecorder) CacheEvent(event, key, artifactHash, phase string) {
	s.events = append(s.events, event)
}

func baseInputs() KeyInputs {
	return KeyInputs{
		FrameworkHash:      "fw-hash",
		ExperimentHash:     "exp-hash",
		DocumentHash:       "doc-hash",
		Model:              "gpt-4o",
		Phase:              "analysis",
		PromptTemplateHash: "tpl-hash",
	}
}

func TestKeyIsDeterministic(t *testing.T) {
	a := Key(baseInputs())
	b := Key(baseInputs())
	if a != b {
		t.Fatalf("same inputs produced different keys: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected sha256 hex key, got %q", a)
	}
}

func TestKeyDependencyOrderIrrelevant(t *testing.T) {
	in1 := baseInputs()
	in1.DependencyHashes = []string{"bbb", "aaa"}
	in2 := baseInputs()
	in2.DependencyHashes = []string{"aaa", "bbb"}
	if Key(in1) != Key(in2) {
		t.Fatalf("dependency order must not change the key")
	}
}

func TestKeySensitiveToEveryField(t *testing.T) {
	base := Key(baseInputs())
	mutations := []func(*KeyInputs){
		func(in *KeyInputs) { in.FrameworkHash = "other" },
		func(in *KeyInputs) { in.ExperimentHash = "other" },
		func(in *KeyInputs) { in.DocumentHash = "other" },
		func(in *KeyInputs) { in.Model = "other" },
		func(in *KeyInputs) { in.Phase = "evidence" },
		func(in *KeyInputs) { in.PromptTemplateHash = "other" },
		func(in *KeyInputs) { in.DependencyHashes = []string{"dep"} },
	}
	for i, mutate := range mutations {
		in := baseInputs()
		mutate(&in)
		if Key(in) == base {
			t.Fatalf("mutation %d did not change the key", i)
		}
	}
}

func TestKeyFieldBoundaries(t *testing.T) {
	in1 := baseInputs()
	in1.FrameworkHash = "ab"
	in1.ExperimentHash = "c"
	in2 := baseInputs()
	in2.FrameworkHash = "a"
	in2.ExperimentHash = "bc"
	if Key(in1) == Key(in2) {
		t.Fatalf("field boundary shift must change the key")
	}
}

func TestLookupStoreRoundTrip(t *testing.T) {
	store, err := artifact.Open(t.TempDir())
	if err != nil {
		t.Fatalf("artifact.Open: %v", err)
	}
	rec := &stubRecorder{}
	m := NewManager(store, rec)
	ctx := context.Background()
	key := Key(baseInputs())

	if _, ok, err := m.Lookup(ctx, key, "analysis"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	payload := []byte(`{"score":0.7}`)
	hash, err := m.Store(ctx, key, payload, artifact.Metadata{Phase: "analysis"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(hash) != 64 {
		t.Fatalf("unexpected hash %q", hash)
	}

	got, ok, err := m.Lookup(ctx, key, "analysis")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("hit returned different bytes: %q", got)
	}

	want := []string{"cache_miss", "cache_store", "cache_hit"}
	if len(rec.events) != len(want) {
		t.Fatalf("unexpected events: %v", rec.events)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Fatalf("event %d = %q, want %q", i, rec.events[i], want[i])
		}
	}
}

func TestIndexRecoveredFromRegistry(t *testing.T) {
	root := t.TempDir()
	store, err := artifact.Open(root)
	if err != nil {
		t.Fatalf("artifact.Open: %v", err)
	}
	m := NewManager(store, nil)
	ctx := context.Background()
	key := Key(baseInputs())
	if _, err := m.Store(ctx, key, []byte("cached result"), artifact.Metadata{Phase: "analysis"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	store2, err := artifact.Open(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	m2 := NewManager(store2, nil)
	got, ok, err := m2.Lookup(ctx, key, "analysis")
	if err != nil || !ok {
		t.Fatalf("expected hit after reopen, ok=%v err=%v", ok, err)
	}
	if string(got) != "cached result" {
		t.Fatalf("unexpected payload %q", got)
	}
}
