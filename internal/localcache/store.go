// Package localcache persists a client's replicated document state between
// sessions and tracks whether it holds edits the server has not acknowledged.
package localcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
)

var (
	// ErrInvalidDocumentID indicates an empty document identifier.
	ErrInvalidDocumentID = errors.New("localcache: document id required")
	errMissingPath       = errors.New("localcache: path required")
)

const (
	keyPrefix    = "doc/"
	stateSuffix  = "/state"
	metaSuffix   = "/meta"
	defaultMemFS = "colabdocs-cache"
)

// Meta is the bookkeeping stored beside the state of one document.
type Meta struct {
	Dirty      bool      `json:"dirty"`
	LastEditAt time.Time `json:"last_edit_at"`
	SyncedAt   time.Time `json:"synced_at"`
}

// Entry is the cached state of one document.
type Entry struct {
	State []byte
	Meta  Meta
}

// Config describes where the cache lives. FS is optional and lets tests run
// on vfs.NewMem.
type Config struct {
	Path   string
	FS     vfs.FS
	Clock  func() time.Time
	Logger *zap.Logger
}

// Store is a pebble-backed document cache.
type Store struct {
	mu    sync.Mutex
	db    *pebble.DB
	clock func() time.Time
}

// Open opens or creates the cache.
func Open(cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		if cfg.FS == nil {
			return nil, errMissingPath
		}
		path = defaultMemFS
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	options := &pebble.Options{
		FS:     cfg.FS,
		Logger: logger.Named("pebble").Sugar(),
	}
	db, err := pebble.Open(path, options)
	if err != nil {
		return nil, fmt.Errorf("localcache: open %s: %w", path, err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, clock: clock}, nil
}

// Close flushes and releases the cache.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the cached entry; ok is false when nothing is stored.
func (s *Store) Load(documentID string) (Entry, bool, error) {
	if documentID == "" {
		return Entry{}, false, ErrInvalidDocumentID
	}
	state, stateFound, err := s.get(stateKey(documentID))
	if err != nil {
		return Entry{}, false, err
	}
	meta, metaFound, err := s.meta(documentID)
	if err != nil {
		return Entry{}, false, err
	}
	if !stateFound && !metaFound {
		return Entry{}, false, nil
	}
	return Entry{State: state, Meta: meta}, true, nil
}

// IsDirty reports whether the document holds unacknowledged local edits.
func (s *Store) IsDirty(documentID string) (bool, error) {
	if documentID == "" {
		return false, ErrInvalidDocumentID
	}
	meta, _, err := s.meta(documentID)
	return meta.Dirty, err
}

// SaveState replaces the cached state and leaves the dirty flag untouched.
func (s *Store) SaveState(documentID string, state []byte) error {
	if documentID == "" {
		return ErrInvalidDocumentID
	}
	return s.db.Set(stateKey(documentID), state, pebble.Sync)
}

// MarkDirty records a local edit.
func (s *Store) MarkDirty(documentID string) error {
	if documentID == "" {
		return ErrInvalidDocumentID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, _, err := s.meta(documentID)
	if err != nil {
		return err
	}
	meta.Dirty = true
	meta.LastEditAt = s.clock().UTC()
	return s.putMeta(documentID, meta)
}

// ClearDirty clears the flag once the server acknowledged everything pushed
// at asOf. Edits recorded after asOf keep the document dirty; the return
// value reports whether the flag was cleared.
func (s *Store) ClearDirty(documentID string, asOf time.Time) (bool, error) {
	if documentID == "" {
		return false, ErrInvalidDocumentID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, _, err := s.meta(documentID)
	if err != nil {
		return false, err
	}
	if meta.LastEditAt.After(asOf) {
		return false, nil
	}
	meta.Dirty = false
	meta.SyncedAt = s.clock().UTC()
	return true, s.putMeta(documentID, meta)
}

// Delete drops every key of the document.
func (s *Store) Delete(documentID string) error {
	if documentID == "" {
		return ErrInvalidDocumentID
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(stateKey(documentID), nil); err != nil {
		return err
	}
	if err := batch.Delete(metaKey(documentID), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *Store) meta(documentID string) (Meta, bool, error) {
	raw, found, err := s.get(metaKey(documentID))
	if err != nil || !found {
		return Meta{}, false, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, false, fmt.Errorf("localcache: decode meta of %s: %w", documentID, err)
	}
	return meta, true, nil
}

func (s *Store) putMeta(documentID string, meta Meta) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Set(metaKey(documentID), encoded, pebble.Sync)
}

func (s *Store) get(key []byte) ([]byte, bool, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), true, nil
}

func stateKey(documentID string) []byte {
	return []byte(keyPrefix + documentID + stateSuffix)
}

func metaKey(documentID string) []byte {
	return []byte(keyPrefix + documentID + metaSuffix)
}
