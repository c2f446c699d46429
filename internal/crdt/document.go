// Package crdt wraps an automerge document as the replicated state of one
// collaborative document. All mutation goes through automerge merges or
// committed local transactions; callers never assign fields directly.
package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
)

var (
	// ErrCorruptState indicates that binary CRDT state could not be decoded.
	ErrCorruptState = errors.New("crdt: corrupt state")
	// ErrEmptyUpdate indicates that an update payload carried no bytes.
	ErrEmptyUpdate = errors.New("crdt: empty update")
)

// Document is a concurrency-safe replicated document.
type Document struct {
	mu  sync.Mutex
	doc *automerge.Doc
}

// New returns an empty document.
func New() *Document {
	return &Document{doc: automerge.New()}
}

// Load decodes a full binary state produced by Save.
func Load(state []byte) (*Document, error) {
	if len(state) == 0 {
		return New(), nil
	}
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return &Document{doc: doc}, nil
}

// MergeSnapshot merges a full binary state into the document. The state is
// decoded into a scratch document first so that a corrupt snapshot never
// touches the live state.
func (d *Document) MergeSnapshot(state []byte) error {
	if len(state) == 0 {
		return nil
	}
	scratch, err := automerge.Load(state)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.doc.Merge(scratch); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return nil
}

// chunkMagic prefixes every automerge storage chunk, full saves and
// incremental change chunks alike.
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

func checkUpdate(update []byte) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}
	if !bytes.HasPrefix(update, chunkMagic) {
		return fmt.Errorf("%w: missing chunk header", ErrCorruptState)
	}
	return nil
}

// ApplyUpdate merges an incremental update or a full save. Changes whose
// dependencies are not yet known are queued by automerge until they arrive.
func (d *Document) ApplyUpdate(update []byte) error {
	if err := checkUpdate(update); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return nil
}

// MergeUpdate applies update like ApplyUpdate and reports whether the heads
// moved, i.e. whether the update carried changes this replica lacked.
func (d *Document) MergeUpdate(update []byte) (bool, error) {
	if err := checkUpdate(update); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	before := headsKey(d.doc.Heads())
	if err := d.doc.LoadIncremental(update); err != nil {
		return false, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return headsKey(d.doc.Heads()) != before, nil
}

func headsKey(heads []automerge.ChangeHash) string {
	encoded := make([]string, 0, len(heads))
	for _, head := range heads {
		encoded = append(encoded, head.String())
	}
	sort.Strings(encoded)
	return strings.Join(encoded, ",")
}

// Save returns the full binary state.
func (d *Document) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// Heads returns the hex encoded change hashes at the tip of the history.
func (d *Document) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	heads := d.doc.Heads()
	encoded := make([]string, 0, len(heads))
	for _, head := range heads {
		encoded = append(encoded, head.String())
	}
	return encoded
}

// Clone returns an independent copy at the current heads.
func (d *Document) Clone() (*Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fork, err := d.doc.Fork()
	if err != nil {
		return nil, err
	}
	return &Document{doc: fork}, nil
}

// Edit runs fn as one local transaction, commits it and returns the
// incremental update that carries the new change to other replicas.
func (d *Document) Edit(message string, fn func(tx *Tx) error) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx := &Tx{doc: d.doc}
	if err := fn(tx); err != nil {
		return nil, err
	}
	if tx.mutations == 0 {
		return nil, nil
	}
	if _, err := d.doc.Commit(message); err != nil {
		return nil, fmt.Errorf("crdt: commit failed: %w", err)
	}
	return d.doc.SaveIncremental(), nil
}
