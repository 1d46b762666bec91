package notes

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/notto/internal/apperr"
	"github.com/MarcoPoloResearchLab/notto/internal/vault"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingKeys       = errors.New("key source is required")
	errFolderCycle       = errors.New("folder cannot be moved beneath itself")
	errFolderNotEmpty    = errors.New("folder still contains notes or folders")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew      = "notes.service.new"
	opCreate          = "notes.create"
	opGet             = "notes.get"
	opUpdate          = "notes.update"
	opDelete          = "notes.delete"
	opList            = "notes.list"
	opCreateFolder    = "notes.create_folder"
	opListFolders     = "notes.list_folders"
	opMoveFolder      = "notes.move_folder"
	opDeleteFolder    = "notes.delete_folder"
	opListConflicts   = "notes.list_conflicts"
	opRestoreConflict = "notes.restore_conflict"
	opDiscardConflict = "notes.discard_conflict"
	opPendingChanges  = "notes.pending_changes"
	opApplySync       = "notes.apply_sync"
	opMarkPushed      = "notes.mark_pushed"

	reasonInvalidOwner = "invalid_owner"
	reasonInvalidNote  = "invalid_note_id"
	reasonMissing      = "missing"
	reasonQueryFailed  = "query_failed"
	reasonWriteFailed  = "write_failed"
	reasonIDFailed     = "id_generation_failed"
	reasonLocked       = "profile_locked"
	reasonSealFailed   = "encrypt_failed"
	reasonOpenFailed   = "decrypt_failed"
)

// KeySource yields the unlocked master key of a profile.
type KeySource interface {
	MasterKey(owner string) ([]byte, error)
}

// ServiceConfig describes the dependencies of the note repository.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Keys       KeySource
	Logger     *zap.Logger
}

// Service is the owner-scoped note and folder repository.
// Every method takes the owner explicitly; rows of other owners are invisible.
// Note and conflict copy content is stored sealed under the owner's master key.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	keys       KeySource
	logger     *zap.Logger
}

// NewService constructs the repository.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.Internal(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.Internal(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Keys == nil {
		return nil, apperr.Internal(opServiceNew, "missing_keys", errMissingKeys)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		keys:       cfg.Keys,
		logger:     logger,
	}, nil
}

// Create stores a new note and returns its id. A folder, when given, must belong to owner.
func (s *Service) Create(ctx context.Context, owner, title, content string, folderID *string) (string, error) {
	owner, err := validateIdentifier(owner, ErrInvalidUserID)
	if err != nil {
		return "", apperr.InvalidInput(opCreate, reasonInvalidOwner, err)
	}
	sealed, err := s.sealContent(opCreate, owner, content)
	if err != nil {
		return "", err
	}

	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, reasonIDFailed, err)
		return "", apperr.Internal(opCreate, reasonIDFailed, err)
	}

	nowMs := s.nowMs()
	note := Note{
		ID:          noteID,
		UserID:      owner,
		Title:       title,
		Content:     sealed,
		CreatedAtMs: nowMs,
		UpdatedAtMs: nowMs,
		Revision:    1,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if folderID != nil {
			if err := requireFolder(tx, owner, *folderID); err != nil {
				return apperr.InvalidInput(opCreate, "unknown_folder", err)
			}
			folder := *folderID
			note.FolderID = &folder
		}
		if err := tx.Create(&note).Error; err != nil {
			s.logError(opCreate, reasonWriteFailed, err, zap.String("user_id", owner))
			return apperr.Internal(opCreate, reasonWriteFailed, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return noteID, nil
}

// Get returns a live note of owner with its content opened.
func (s *Service) Get(ctx context.Context, owner, noteID string) (Note, error) {
	key, err := s.masterKey(opGet, owner)
	if err != nil {
		return Note{}, err
	}
	var note Note
	err = s.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND deleted = ?", noteID, owner, false).
		Take(&note).Error
	if err != nil {
		return Note{}, s.translateLookup(opGet, err)
	}
	if note.Content, err = s.openContent(opGet, key, note.Content); err != nil {
		return Note{}, err
	}
	return note, nil
}

// Update replaces title and content. The revision bump happens in SQL so
// concurrent edits of one note cannot lose an increment.
func (s *Service) Update(ctx context.Context, owner, noteID, title, content string) (Note, error) {
	sealed, err := s.sealContent(opUpdate, owner, content)
	if err != nil {
		return Note{}, err
	}
	var updated Note
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Note{}).
			Where("id = ? AND user_id = ? AND deleted = ?", noteID, owner, false).
			Updates(map[string]any{
				"title":         title,
				"content":       sealed,
				"updated_at_ms": s.nowMs(),
				"revision":      gorm.Expr("revision + 1"),
			})
		if result.Error != nil {
			s.logError(opUpdate, reasonWriteFailed, result.Error, zap.String("note_id", noteID))
			return apperr.Internal(opUpdate, reasonWriteFailed, result.Error)
		}
		if result.RowsAffected == 0 {
			return apperr.NotFound(opUpdate, reasonMissing, nil)
		}
		if err := tx.Where("id = ?", noteID).Take(&updated).Error; err != nil {
			return apperr.Internal(opUpdate, reasonQueryFailed, err)
		}
		return nil
	})
	if err != nil {
		return Note{}, err
	}
	updated.Content = content
	return updated, nil
}

// Delete tombstones a note the remote knows about and purges one it never saw.
func (s *Service) Delete(ctx context.Context, owner, noteID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var note Note
		err := tx.Where("id = ? AND user_id = ? AND deleted = ?", noteID, owner, false).Take(&note).Error
		if err != nil {
			return s.translateLookup(opDelete, err)
		}

		if note.RemoteRevision == nil {
			if err := purgeNote(tx, owner, noteID); err != nil {
				s.logError(opDelete, "purge_failed", err, zap.String("note_id", noteID))
				return apperr.Internal(opDelete, "purge_failed", err)
			}
			return nil
		}

		nowMs := s.nowMs()
		err = tx.Model(&Note{}).
			Where("id = ? AND user_id = ?", noteID, owner).
			Updates(map[string]any{
				"deleted":       true,
				"deleted_at_ms": nowMs,
				"updated_at_ms": nowMs,
				"revision":      gorm.Expr("revision + 1"),
			}).Error
		if err != nil {
			s.logError(opDelete, reasonWriteFailed, err, zap.String("note_id", noteID))
			return apperr.Internal(opDelete, reasonWriteFailed, err)
		}
		return nil
	})
}

// List returns ids of owner's live notes ordered by creation time, optionally within one folder.
func (s *Service) List(ctx context.Context, owner string, folderID *string) ([]string, error) {
	summaries, err := s.ListSummaries(ctx, owner, folderID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(summaries))
	for _, summary := range summaries {
		ids = append(ids, summary.ID)
	}
	return ids, nil
}

// ListSummaries returns note metadata without loading content.
func (s *Service) ListSummaries(ctx context.Context, owner string, folderID *string) ([]Summary, error) {
	query := s.db.WithContext(ctx).Model(&Note{}).
		Select("id", "folder_id", "title", "created_at_ms", "updated_at_ms", "revision").
		Where("user_id = ? AND deleted = ?", owner, false)
	if folderID != nil {
		query = query.Where("folder_id = ?", *folderID)
	}
	summaries := make([]Summary, 0)
	if err := query.Order("created_at_ms ASC").Order("id ASC").Scan(&summaries).Error; err != nil {
		s.logError(opList, reasonQueryFailed, err, zap.String("user_id", owner))
		return nil, apperr.Internal(opList, reasonQueryFailed, err)
	}
	return summaries, nil
}

func (s *Service) nowMs() int64 {
	return s.clock().UTC().UnixMilli()
}

func (s *Service) translateLookup(operation string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(operation, reasonMissing, err)
	}
	s.logError(operation, reasonQueryFailed, err)
	return apperr.Internal(operation, reasonQueryFailed, err)
}

func (s *Service) masterKey(operation, owner string) ([]byte, error) {
	key, err := s.keys.MasterKey(owner)
	if err != nil {
		return nil, apperr.Unauthenticated(operation, reasonLocked, err)
	}
	return key, nil
}

func (s *Service) sealContent(operation, owner, content string) (string, error) {
	key, err := s.masterKey(operation, owner)
	if err != nil {
		return "", err
	}
	return s.seal(operation, key, content)
}

func (s *Service) seal(operation string, key []byte, content string) (string, error) {
	sealed, err := vault.SealString(key, content)
	if err != nil {
		s.logError(operation, reasonSealFailed, err)
		return "", apperr.Internal(operation, reasonSealFailed, err)
	}
	return sealed, nil
}

func (s *Service) openContent(operation string, key []byte, sealed string) (string, error) {
	content, err := vault.OpenString(key, sealed)
	if err != nil {
		s.logError(operation, reasonOpenFailed, err)
		return "", apperr.Internal(operation, reasonOpenFailed, err)
	}
	return content, nil
}

func purgeNote(tx *gorm.DB, owner, noteID string) error {
	if err := tx.Where("user_id = ? AND note_id = ?", owner, noteID).Delete(&ConflictCopy{}).Error; err != nil {
		return err
	}
	return tx.Where("id = ? AND user_id = ?", noteID, owner).Delete(&Note{}).Error
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notes service error", attrs...)
}
