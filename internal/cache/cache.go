package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/discernus/discernus/internal/artifact"
)

// KeyInputs is the full set of inputs that determine a cached result. Any
// change to any field yields a different key.
type KeyInputs struct {
	FrameworkHash      string
	ExperimentHash     string
	DocumentHash       string
	Model              string
	Phase              string
	DependencyHashes   []string
	PromptTemplateHash string
}

// Key derives the deterministic cache key for a unit of work. Fields are
// length-prefixed before hashing so distinct tuples can never produce the
// same byte stream; dependency hashes are sorted first.
func Key(in KeyInputs) string {
	deps := append([]string(nil), in.DependencyHashes...)
	sort.Strings(deps)

	h := sha256.New()
	writeField := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	writeField(in.FrameworkHash)
	writeField(in.ExperimentHash)
	writeField(in.DocumentHash)
	writeField(in.Model)
	writeField(in.Phase)
	writeField(in.PromptTemplateHash)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(deps)))
	h.Write(n[:])
	for _, d := range deps {
		writeField(d)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Recorder receives cache events for the audit trail.
type Recorder interface {
	CacheEvent(event, key, artifactHash, phase string)
}

// NopRecorder discards cache events.
type NopRecorder struct{}

func (NopRecorder) CacheEvent(event, key, artifactHash, phase string) {}

// Manager maps cache keys to artifact hashes backed by an artifact store.
// The cache is append-only: no eviction, no TTL.
type Manager struct {
	store    *artifact.Storage
	recorder Recorder

	mu    sync.RWMutex
	index map[string]string // cache key -> artifact hash

	hits   metric.Int64Counter
	misses metric.Int64Counter
}

// NewManager builds a cache over an artifact store, recovering the key index
// from the store's registry.
func NewManager(store *artifact.Storage, recorder Recorder) *Manager {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	meter := otel.Meter("discernus/cache")
	hits, _ := meter.Int64Counter("discernus_cache_hits_total")
	misses, _ := meter.Int64Counter("discernus_cache_misses_total")

	m := &Manager{
		store:    store,
		recorder: recorder,
		index:    make(map[string]string),
		hits:     hits,
		misses:   misses,
	}
	for _, e := range store.Entries() {
		if e.Metadata.CacheKey != "" {
			m.index[e.Metadata.CacheKey] = e.Hash
		}
	}
	return m
}

// Lookup returns the cached bytes for a key, if present. Misses are not
// errors.
func (m *Manager) Lookup(ctx context.Context, key, phase string) ([]byte, bool, error) {
	m.mu.RLock()
	hash, ok := m.index[key]
	m.mu.RUnlock()
	if !ok {
		m.misses.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
		m.recorder.CacheEvent("cache_miss", key, "", phase)
		return nil, false, nil
	}
	data, err := m.store.Get(ctx, hash)
	if err != nil {
		// Missing or corrupt object: treat as a miss so the caller recomputes.
		m.mu.Lock()
		delete(m.index, key)
		m.mu.Unlock()
		m.misses.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
		m.recorder.CacheEvent("cache_invalidated", key, hash, phase)
		return nil, false, nil
	}
	m.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
	m.recorder.CacheEvent("cache_hit", key, hash, phase)
	return data, true, nil
}

// Store writes data into the artifact store under the given key and returns
// the artifact hash.
func (m *Manager) Store(ctx context.Context, key string, data []byte, meta artifact.Metadata) (string, error) {
	meta.CacheKey = key
	hash, err := m.store.Put(ctx, data, meta)
	if err != nil {
		return "", fmt.Errorf("cache store: %w", err)
	}
	m.mu.Lock()
	m.index[key] = hash
	m.mu.Unlock()
	m.recorder.CacheEvent("cache_store", key, hash, meta.Phase)
	return hash, nil
}
