package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/notto/internal/notes"
	"github.com/MarcoPoloResearchLab/notto/internal/remote"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsClampsSyncedRevision(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(append(notes.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	note := notes.Note{
		ID:             "note-1",
		UserID:         "user-1",
		Title:          "t",
		Content:        "c",
		CreatedAtMs:    1,
		UpdatedAtMs:    1,
		Revision:       2,
		SyncedRevision: 9,
	}
	if err := database.Create(&note).Error; err != nil {
		testContext.Fatalf("failed to insert note: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop(), localMigrations()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored notes.Note
	if err := database.Where("id = ?", note.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload note: %v", err)
	}
	if stored.SyncedRevision != 2 {
		testContext.Fatalf("expected synced revision to be clamped to 2, got %d", stored.SyncedRevision)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationClampSyncedRevision).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "once.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	calls := 0
	migrations := []migrationDefinition{{name: "counting", apply: func(*gorm.DB) error {
		calls++
		return nil
	}}}
	for range 3 {
		if err := applyMigrations(database, nil, migrations); err != nil {
			testContext.Fatalf("failed to apply migrations: %v", err)
		}
	}
	if calls != 1 {
		testContext.Fatalf("expected a single application, got %d", calls)
	}
}

func TestOpenServerBackfillsChangeSeq(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "server.db")

	seed, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := seed.AutoMigrate(remote.Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	if err := seed.Create(&remote.Account{ID: "acct-1", Username: "alice", PasswordHash: "x", CreatedAtMs: 1}).Error; err != nil {
		testContext.Fatalf("failed to insert account: %v", err)
	}
	if err := seed.Create(&remote.Note{UserID: "acct-1", NoteID: "n1", Title: "t", Content: "c", Revision: 1, Seq: 7}).Error; err != nil {
		testContext.Fatalf("failed to insert note: %v", err)
	}
	if sqlDB, err := seed.DB(); err == nil {
		_ = sqlDB.Close()
	}

	database, err := OpenServer(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open server database: %v", err)
	}

	var account remote.Account
	if err := database.Where("id = ?", "acct-1").Take(&account).Error; err != nil {
		testContext.Fatalf("failed to reload account: %v", err)
	}
	if account.ChangeSeq != 7 {
		testContext.Fatalf("expected change seq 7, got %d", account.ChangeSeq)
	}
}

func TestOpenServerRejectsUnknownDriver(testContext *testing.T) {
	if _, err := OpenServer("mysql", "dsn", nil); err == nil {
		testContext.Fatalf("expected unknown driver to fail")
	}
}

func TestOpenSQLiteCreatesLocalSchema(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "local.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open local database: %v", err)
	}
	for _, table := range []string{"users", "sessions", "notes", "folders", "note_conflict_copies", "sync_states", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
}
