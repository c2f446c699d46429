package documents

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnDocumentID  = "document_id"
	columnState       = "state"
	columnContentJSON = "content_json"
	columnUpdatedAt   = "updated_at_s"
	queryDocumentID   = columnDocumentID + " = ?"
)

// StoreConfig describes the dependencies of a GormStore.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// GormStore is the Persistence Gateway backed by gorm (SQLite by default).
type GormStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewGormStore validates the configuration and returns a GormStore.
func NewGormStore(cfg StoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &GormStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Load returns the latest durable snapshot or ErrSnapshotNotFound.
func (s *GormStore) Load(ctx context.Context, name DocumentName) (SnapshotRecord, error) {
	if name == "" {
		return SnapshotRecord{}, newServiceError(opLoadSnapshot, reasonInvalidName, ErrInvalidDocumentName)
	}
	var snapshot Snapshot
	err := s.db.WithContext(ctx).Where(queryDocumentID, name.String()).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SnapshotRecord{}, ErrSnapshotNotFound
	}
	if err != nil {
		logError(s.logger, opLoadSnapshot, reasonQueryFailed, err, zap.String(fieldDocument, name.String()))
		return SnapshotRecord{}, newServiceError(opLoadSnapshot, reasonQueryFailed, err)
	}
	return NewSnapshotRecord(name, snapshot.State, snapshot.ContentJSON, time.Unix(snapshot.UpdatedAtSeconds, 0).UTC()), nil
}

// Upsert writes the binary state and its projection together and bumps the
// document's last modified timestamp in the same transaction.
func (s *GormStore) Upsert(ctx context.Context, name DocumentName, state []byte, contentJSON string) error {
	if name == "" {
		return newServiceError(opUpsertSnapshot, reasonInvalidName, ErrInvalidDocumentName)
	}
	if len(state) == 0 {
		return newServiceError(opUpsertSnapshot, reasonEmptyState, ErrEmptySnapshotState)
	}
	savedAt := s.clock().UTC().Unix()

	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		snapshot := Snapshot{
			DocumentID:       name.String(),
			State:            state,
			ContentJSON:      contentJSON,
			UpdatedAtSeconds: savedAt,
		}
		if err := transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnDocumentID}},
			DoUpdates: clause.AssignmentColumns([]string{columnState, columnContentJSON, columnUpdatedAt}),
		}).Create(&snapshot).Error; err != nil {
			logError(s.logger, opUpsertSnapshot, reasonSnapshotWrite, err, zap.String(fieldDocument, name.String()))
			return newServiceError(opUpsertSnapshot, reasonSnapshotWrite, err)
		}

		document := Document{
			DocumentID:       name.String(),
			Status:           StatusActive,
			CreatedAtSeconds: savedAt,
			UpdatedAtSeconds: savedAt,
		}
		if err := transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnDocumentID}},
			DoUpdates: clause.AssignmentColumns([]string{columnUpdatedAt}),
		}).Create(&document).Error; err != nil {
			logError(s.logger, opUpsertSnapshot, reasonDocumentWrite, err, zap.String(fieldDocument, name.String()))
			return newServiceError(opUpsertSnapshot, reasonDocumentWrite, err)
		}
		return nil
	})
}

// Content returns the stored JSON projection for the REST content fetch.
func (s *GormStore) Content(ctx context.Context, name DocumentName) (string, error) {
	var snapshot Snapshot
	err := s.db.WithContext(ctx).
		Select(columnContentJSON).
		Where(queryDocumentID, name.String()).
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrSnapshotNotFound
	}
	if err != nil {
		logError(s.logger, opLoadContent, reasonQueryFailed, err, zap.String(fieldDocument, name.String()))
		return "", newServiceError(opLoadContent, reasonQueryFailed, err)
	}
	return snapshot.ContentJSON, nil
}
