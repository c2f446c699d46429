package documents

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// Status enumerates document lifecycle states owned by the metadata store.
type Status string

const (
	// StatusActive marks a live document.
	StatusActive Status = "active"
	// StatusDeleted marks a soft-deleted document.
	StatusDeleted Status = "deleted"
)

var (
	// ErrInvalidDocumentName indicates that a document name is empty or exceeds storage bounds.
	ErrInvalidDocumentName = errors.New("documents: invalid document name")
	// ErrSnapshotNotFound indicates that no durable snapshot exists for a document.
	ErrSnapshotNotFound = errors.New("documents: snapshot not found")
	// ErrEmptySnapshotState indicates an attempt to persist an empty binary state.
	ErrEmptySnapshotState = errors.New("documents: empty snapshot state")
)

// DocumentName represents a validated document name used as the session scoping key.
type DocumentName string

// NewDocumentName validates raw input and returns a DocumentName.
func NewDocumentName(rawInput string) (DocumentName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentName, maxIdentifierLength)
	}
	if strings.ContainsAny(trimmed, "\x00\n\r") {
		return "", fmt.Errorf("%w: control characters", ErrInvalidDocumentName)
	}
	return DocumentName(trimmed), nil
}

// String returns the underlying name.
func (name DocumentName) String() string {
	return string(name)
}

// Document is the minimal metadata row the sync core touches.
type Document struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;default:''"`
	DisplayName      string `gorm:"column:display_name;size:320;not null;default:''"`
	Status           Status `gorm:"column:status;size:16;not null;default:'active'"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_documents_updated"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Snapshot stores the binary CRDT state and its JSON projection for one document.
type Snapshot struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	State            []byte `gorm:"column:state;not null"`
	ContentJSON      string `gorm:"column:content_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "document_snapshots"
}

// SnapshotRecord is the loaded durable form of a document.
type SnapshotRecord struct {
	name        DocumentName
	state       []byte
	contentJSON string
	updatedAt   time.Time
}

// NewSnapshotRecord builds a record; used by stores and test doubles.
func NewSnapshotRecord(name DocumentName, state []byte, contentJSON string, updatedAt time.Time) SnapshotRecord {
	return SnapshotRecord{
		name:        name,
		state:       append([]byte(nil), state...),
		contentJSON: contentJSON,
		updatedAt:   updatedAt,
	}
}

// Name returns the document name.
func (record SnapshotRecord) Name() DocumentName {
	return record.name
}

// State returns the binary CRDT state.
func (record SnapshotRecord) State() []byte {
	return record.state
}

// ContentJSON returns the JSON projection.
func (record SnapshotRecord) ContentJSON() string {
	return record.contentJSON
}

// UpdatedAt returns the time of the last durable write.
func (record SnapshotRecord) UpdatedAt() time.Time {
	return record.updatedAt
}
