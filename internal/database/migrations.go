package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/notto/internal/notes"
	"github.com/MarcoPoloResearchLab/notto/internal/remote"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationClampSyncedRevision = "2026-09-14_clamp_synced_revision"
	migrationBackfillChangeSeq   = "2026-09-14_backfill_account_change_seq"
)

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

func localMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationClampSyncedRevision, apply: clampSyncedRevision},
	}
}

func serverMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillChangeSeq, apply: backfillAccountChangeSeq},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger, migrations []migrationDefinition) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// A synced marker ahead of the local revision would hide local edits from push.
func clampSyncedRevision(db *gorm.DB) error {
	return db.Model(&notes.Note{}).
		Where("synced_revision > revision").
		Update("synced_revision", gorm.Expr("revision")).Error
}

// The account counter must never trail a sequence already handed out in the feed.
func backfillAccountChangeSeq(db *gorm.DB) error {
	return db.Model(&remote.Account{}).
		Where("change_seq < (SELECT COALESCE(MAX(seq), 0) FROM remote_notes WHERE remote_notes.user_id = accounts.id)").
		Update("change_seq", gorm.Expr("(SELECT COALESCE(MAX(seq), 0) FROM remote_notes WHERE remote_notes.user_id = accounts.id)")).Error
}
