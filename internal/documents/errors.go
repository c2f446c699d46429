package documents

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew       = "documents.store.new"
	opLoadSnapshot   = "documents.load_snapshot"
	opUpsertSnapshot = "documents.upsert_snapshot"
	opLoadContent    = "documents.load_content"
	opEnsureSchema   = "documents.ensure_schema"

	fieldDocument = "document"

	reasonMissingDatabase = "missing_database"
	reasonInvalidName     = "invalid_name"
	reasonEmptyState      = "empty_state"
	reasonQueryFailed     = "query_failed"
	reasonSnapshotWrite   = "snapshot_write_failed"
	reasonDocumentWrite   = "document_write_failed"
	reasonSchemaFailed    = "schema_failed"
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("documents store error", attrs...)
}
