package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no object exists for a hash.
	ErrNotFound = errors.New("artifact not found")
	// ErrCorrupt is returned when a stored object fails its digest check.
	ErrCorrupt = errors.New("artifact corrupt")
)

// Metadata describes a stored artifact. All fields are optional; the hash
// and size are authoritative and filled by the store.
type Metadata struct {
	MediaType  string `json:"media_type,omitempty"`
	Phase      string `json:"phase,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	CacheKey   string `json:"cache_key,omitempty"`
}

// Entry is one registry record for a stored object.
type Entry struct {
	Hash      string    `json:"hash"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Metadata  Metadata  `json:"metadata"`
}

// Storage is a content-addressable artifact store rooted at a run directory.
// Objects are keyed by the lowercase hex SHA-256 of their bytes and written
// once; a JSON registry alongside the objects records metadata per hash.
type Storage struct {
	root string

	mu      sync.Mutex
	entries map[string]Entry
}

const (
	objectsDir   = "objects"
	corruptDir   = "corrupt"
	registryName = "registry.json"
)

// Open opens (or creates) an artifact store at root. A missing registry is
// rebuilt by scanning the object tree.
func Open(root string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Join(root, objectsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	s := &Storage{root: root, entries: make(map[string]Entry)}
	if err := s.loadRegistry(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Storage) Root() string { return s.root }

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data and returns its hash. If an object with the same hash
// already exists the write is skipped and the existing hash returned;
// metadata from the first writer wins, later calls only fill unset fields.
func (s *Storage) Put(ctx context.Context, data []byte, meta Metadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash := HashBytes(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[hash]; ok {
		if _, err := os.Stat(s.objectPath(hash)); err == nil {
			existing.Metadata = mergeMetadata(existing.Metadata, meta)
			s.entries[hash] = existing
			if err := s.writeRegistryLocked(); err != nil {
				return "", err
			}
			return hash, nil
		}
		// Registry entry without an object: fall through and rewrite it.
	}

	path := s.objectPath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit object: %w", err)
	}

	entry := Entry{Hash: hash, Size: int64(len(data)), CreatedAt: time.Now().UTC(), Metadata: meta}
	if prev, ok := s.entries[hash]; ok {
		entry.CreatedAt = prev.CreatedAt
		entry.Metadata = mergeMetadata(prev.Metadata, meta)
	}
	s.entries[hash] = entry
	if err := s.writeRegistryLocked(); err != nil {
		return "", err
	}
	return hash, nil
}

// Get returns the bytes for a hash, verifying the digest on read. A mismatch
// quarantines the object and reports ErrCorrupt; a later Put can restore it.
func (s *Storage) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.objectPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	if HashBytes(data) != hash {
		s.quarantine(hash)
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, hash)
	}
	return data, nil
}

// Has reports whether an object exists for hash.
func (s *Storage) Has(hash string) bool {
	_, err := os.Stat(s.objectPath(hash))
	return err == nil
}

// Stat returns the registry entry for a hash.
func (s *Storage) Stat(hash string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	return e, ok
}

// Entries returns a snapshot of all registry entries.
func (s *Storage) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

func (s *Storage) objectPath(hash string) string {
	fan := "00"
	if len(hash) >= 2 {
		fan = hash[:2]
	}
	return filepath.Join(s.root, objectsDir, fan, hash)
}

// quarantine moves a failed object aside so the hash reads as missing.
func (s *Storage) quarantine(hash string) {
	dst := filepath.Join(s.root, corruptDir, fmt.Sprintf("%s.%d", hash, time.Now().UnixNano()))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return
	}
	_ = os.Rename(s.objectPath(hash), dst)
}

func mergeMetadata(base, extra Metadata) Metadata {
	if base.MediaType == "" {
		base.MediaType = extra.MediaType
	}
	if base.Phase == "" {
		base.Phase = extra.Phase
	}
	if base.DocumentID == "" {
		base.DocumentID = extra.DocumentID
	}
	if base.RunID == "" {
		base.RunID = extra.RunID
	}
	if base.CacheKey == "" {
		base.CacheKey = extra.CacheKey
	}
	return base
}

type registryFile struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

func (s *Storage) loadRegistry() error {
	raw, err := os.ReadFile(filepath.Join(s.root, registryName))
	if err != nil {
		if os.IsNotExist(err) {
			return s.rebuildRegistry()
		}
		return fmt.Errorf("read registry: %w", err)
	}
	var reg registryFile
	if err := json.Unmarshal(raw, &reg); err != nil {
		// Unreadable registry: fall back to scanning objects.
		return s.rebuildRegistry()
	}
	if reg.Entries != nil {
		s.entries = reg.Entries
	}
	return nil
}

// rebuildRegistry scans the object tree and reconstructs entries with the
// metadata it can recover (hash, size, mtime).
func (s *Storage) rebuildRegistry() error {
	s.entries = make(map[string]Entry)
	base := filepath.Join(s.root, objectsDir)
	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		hash := filepath.Base(path)
		if len(hash) != 64 {
			return nil
		}
		s.entries[hash] = Entry{Hash: hash, Size: info.Size(), CreatedAt: info.ModTime().UTC()}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan objects: %w", err)
	}
	return s.writeRegistryLocked()
}

// writeRegistryLocked rewrites the registry atomically. Caller holds mu
// (or is the only reference, during Open).
func (s *Storage) writeRegistryLocked() error {
	reg := registryFile{Version: 1, Entries: s.entries}
	raw, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	path := filepath.Join(s.root, registryName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit registry: %w", err)
	}
	return nil
}
