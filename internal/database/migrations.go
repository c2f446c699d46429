package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillDocumentRows = "2026-03-01_backfill_document_rows"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillDocumentRows, apply: backfillDocumentRows},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillDocumentRows gives every snapshot written before the metadata row
// existed a matching documents row.
func backfillDocumentRows(db *gorm.DB) error {
	return db.Exec(`
INSERT INTO documents (document_id, owner_id, display_name, status, created_at_s, updated_at_s)
SELECT s.document_id, '', '', 'active', s.updated_at_s, s.updated_at_s
FROM document_snapshots s
LEFT JOIN documents d ON d.document_id = s.document_id
WHERE d.document_id IS NULL`).Error
}
