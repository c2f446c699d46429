package documents

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	document_id  VARCHAR(190) PRIMARY KEY,
	owner_id     VARCHAR(190) NOT NULL DEFAULT '',
	display_name VARCHAR(320) NOT NULL DEFAULT '',
	status       VARCHAR(16)  NOT NULL DEFAULT 'active',
	created_at_s BIGINT       NOT NULL,
	updated_at_s BIGINT       NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents (updated_at_s);
CREATE TABLE IF NOT EXISTS document_snapshots (
	document_id  VARCHAR(190) PRIMARY KEY,
	state        BYTEA        NOT NULL,
	content_json TEXT         NOT NULL,
	updated_at_s BIGINT       NOT NULL
);`

const postgresUpsert = `
WITH saved AS (
	INSERT INTO document_snapshots (document_id, state, content_json, updated_at_s)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (document_id) DO UPDATE
	SET state = EXCLUDED.state, content_json = EXCLUDED.content_json, updated_at_s = EXCLUDED.updated_at_s
	RETURNING document_id
)
INSERT INTO documents (document_id, owner_id, display_name, status, created_at_s, updated_at_s)
SELECT document_id, '', '', 'active', $4, $4 FROM saved
ON CONFLICT (document_id) DO UPDATE SET updated_at_s = EXCLUDED.updated_at_s`

const postgresLoad = `SELECT state, content_json, updated_at_s FROM document_snapshots WHERE document_id = $1`

const postgresContent = `SELECT content_json FROM document_snapshots WHERE document_id = $1`

// PostgresStoreConfig describes the dependencies of a PostgresStore.
type PostgresStoreConfig struct {
	Pool   *pgxpool.Pool
	Clock  func() time.Time
	Logger *zap.Logger
}

// PostgresStore is the Persistence Gateway backed by a pgx connection pool.
// The snapshot and the document timestamp are written by one statement.
type PostgresStore struct {
	pool   *pgxpool.Pool
	clock  func() time.Time
	logger *zap.Logger
}

// NewPostgresStore validates the configuration and returns a PostgresStore.
func NewPostgresStore(cfg PostgresStoreConfig) (*PostgresStore, error) {
	if cfg.Pool == nil {
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
	return &PostgresStore{pool: cfg.Pool, clock: clock, logger: logger}, nil
}

// EnsureSchema creates the tables when they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		logError(s.logger, opEnsureSchema, reasonSchemaFailed, err)
		return newServiceError(opEnsureSchema, reasonSchemaFailed, err)
	}
	return nil
}

// Load returns the latest durable snapshot or ErrSnapshotNotFound.
func (s *PostgresStore) Load(ctx context.Context, name DocumentName) (SnapshotRecord, error) {
	if name == "" {
		return SnapshotRecord{}, newServiceError(opLoadSnapshot, reasonInvalidName, ErrInvalidDocumentName)
	}
	var (
		state       []byte
		contentJSON string
		updatedAt   int64
	)
	err := s.pool.QueryRow(ctx, postgresLoad, name.String()).Scan(&state, &contentJSON, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRecord{}, ErrSnapshotNotFound
	}
	if err != nil {
		logError(s.logger, opLoadSnapshot, reasonQueryFailed, err, zap.String(fieldDocument, name.String()))
		return SnapshotRecord{}, newServiceError(opLoadSnapshot, reasonQueryFailed, err)
	}
	return NewSnapshotRecord(name, state, contentJSON, time.Unix(updatedAt, 0).UTC()), nil
}

// Upsert writes the binary state, its projection and the document timestamp atomically.
func (s *PostgresStore) Upsert(ctx context.Context, name DocumentName, state []byte, contentJSON string) error {
	if name == "" {
		return newServiceError(opUpsertSnapshot, reasonInvalidName, ErrInvalidDocumentName)
	}
	if len(state) == 0 {
		return newServiceError(opUpsertSnapshot, reasonEmptyState, ErrEmptySnapshotState)
	}
	savedAt := s.clock().UTC().Unix()
	if _, err := s.pool.Exec(ctx, postgresUpsert, name.String(), state, contentJSON, savedAt); err != nil {
		logError(s.logger, opUpsertSnapshot, reasonSnapshotWrite, err, zap.String(fieldDocument, name.String()))
		return newServiceError(opUpsertSnapshot, reasonSnapshotWrite, err)
	}
	return nil
}

// Content returns the stored JSON projection.
func (s *PostgresStore) Content(ctx context.Context, name DocumentName) (string, error) {
	var contentJSON string
	err := s.pool.QueryRow(ctx, postgresContent, name.String()).Scan(&contentJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrSnapshotNotFound
	}
	if err != nil {
		logError(s.logger, opLoadContent, reasonQueryFailed, err, zap.String(fieldDocument, name.String()))
		return "", newServiceError(opLoadContent, reasonQueryFailed, err)
	}
	return contentJSON, nil
}
