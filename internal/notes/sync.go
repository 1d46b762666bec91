package notes

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/notto/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PendingChanges returns owner's notes with unpushed local revisions, tombstones
// included, with their content opened.
func (s *Service) PendingChanges(ctx context.Context, owner string) ([]Note, error) {
	key, err := s.masterKey(opPendingChanges, owner)
	if err != nil {
		return nil, err
	}
	pending := make([]Note, 0)
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND revision > synced_revision", owner).
		Order("updated_at_ms ASC").Order("id ASC").
		Find(&pending).Error
	if err != nil {
		s.logError(opPendingChanges, reasonQueryFailed, err, zap.String("user_id", owner))
		return nil, apperr.Internal(opPendingChanges, reasonQueryFailed, err)
	}
	for index := range pending {
		if pending[index].Content, err = s.openContent(opPendingChanges, key, pending[index].Content); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// ApplySync loads one note (nil when absent), lets decide choose the outcome and
// writes it in the same transaction. A note is either fully reconciled or untouched.
// decide sees and returns plaintext content.
func (s *Service) ApplySync(ctx context.Context, owner, noteID string, decide func(local *Note) (SyncMutation, error)) error {
	noteID, err := validateIdentifier(noteID, ErrInvalidNoteID)
	if err != nil {
		return apperr.InvalidInput(opApplySync, reasonInvalidNote, err)
	}
	key, err := s.masterKey(opApplySync, owner)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Note
		var local *Note
		err := tx.Where("id = ? AND user_id = ?", noteID, owner).Take(&existing).Error
		switch {
		case err == nil:
			if existing.Content, err = s.openContent(opApplySync, key, existing.Content); err != nil {
				return err
			}
			local = &existing
		case errors.Is(err, gorm.ErrRecordNotFound):
			local = nil
		default:
			s.logError(opApplySync, reasonQueryFailed, err, zap.String("note_id", noteID))
			return apperr.Internal(opApplySync, reasonQueryFailed, err)
		}

		mutation, err := decide(local)
		if err != nil {
			return err
		}

		for index := range mutation.Copies {
			copyID, err := s.idProvider.NewID()
			if err != nil {
				return apperr.Internal(opApplySync, reasonIDFailed, err)
			}
			preserved := mutation.Copies[index]
			preserved.ID = copyID
			preserved.UserID = owner
			preserved.NoteID = noteID
			if preserved.CapturedAtMs == 0 {
				preserved.CapturedAtMs = s.nowMs()
			}
			if preserved.Content, err = s.seal(opApplySync, key, preserved.Content); err != nil {
				return err
			}
			if err := tx.Create(&preserved).Error; err != nil {
				s.logError(opApplySync, "copy_write_failed", err, zap.String("note_id", noteID))
				return apperr.Internal(opApplySync, "copy_write_failed", err)
			}
		}

		switch {
		case mutation.Purge:
			if local != nil {
				if err := tx.Where("id = ? AND user_id = ?", noteID, owner).Delete(&Note{}).Error; err != nil {
					s.logError(opApplySync, "purge_failed", err, zap.String("note_id", noteID))
					return apperr.Internal(opApplySync, "purge_failed", err)
				}
			}
		case mutation.Save != nil:
			saved := *mutation.Save
			saved.ID = noteID
			saved.UserID = owner
			if saved.Content, err = s.seal(opApplySync, key, saved.Content); err != nil {
				return err
			}
			if saved.FolderID != nil {
				if err := requireFolder(tx, owner, *saved.FolderID); err != nil {
					saved.FolderID = nil
				}
			}
			if err := tx.Save(&saved).Error; err != nil {
				s.logError(opApplySync, reasonWriteFailed, err, zap.String("note_id", noteID))
				return apperr.Internal(opApplySync, reasonWriteFailed, err)
			}
		}
		return nil
	})
}

// MarkPushed records that the remote accepted pushedRevision as remoteRevision.
// An accepted tombstone that was not edited since the push is purged. A note
// deleted locally while its first push was in flight is kept as a tombstone
// so the next push removes it from the remote too.
func (s *Service) MarkPushed(ctx context.Context, owner, noteID string, pushedRevision, remoteRevision int64, tombstone bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var note Note
		err := tx.Where("id = ? AND user_id = ?", noteID, owner).Take(&note).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if tombstone {
				return nil
			}
			return s.recordLateDeletion(tx, owner, noteID, pushedRevision, remoteRevision)
		}
		if err != nil {
			return apperr.Internal(opMarkPushed, reasonQueryFailed, err)
		}

		if tombstone && note.Deleted && note.Revision == pushedRevision {
			if err := tx.Where("id = ? AND user_id = ?", noteID, owner).Delete(&Note{}).Error; err != nil {
				s.logError(opMarkPushed, "purge_failed", err, zap.String("note_id", noteID))
				return apperr.Internal(opMarkPushed, "purge_failed", err)
			}
			return nil
		}

		synced := note.SyncedRevision
		if pushedRevision > synced {
			synced = pushedRevision
		}
		err = tx.Model(&Note{}).
			Where("id = ? AND user_id = ?", noteID, owner).
			Updates(map[string]any{"synced_revision": synced, "remote_revision": remoteRevision}).Error
		if err != nil {
			s.logError(opMarkPushed, reasonWriteFailed, err, zap.String("note_id", noteID))
			return apperr.Internal(opMarkPushed, reasonWriteFailed, err)
		}
		return nil
	})
}

func (s *Service) recordLateDeletion(tx *gorm.DB, owner, noteID string, pushedRevision, remoteRevision int64) error {
	nowMs := s.nowMs()
	accepted := remoteRevision
	tombstone := Note{
		ID:             noteID,
		UserID:         owner,
		UpdatedAtMs:    nowMs,
		Revision:       pushedRevision + 1,
		SyncedRevision: pushedRevision,
		RemoteRevision: &accepted,
		Deleted:        true,
		DeletedAtMs:    nowMs,
	}
	if err := tx.Create(&tombstone).Error; err != nil {
		s.logError(opMarkPushed, reasonWriteFailed, err, zap.String("note_id", noteID))
		return apperr.Internal(opMarkPushed, reasonWriteFailed, err)
	}
	s.logger.Debug("kept tombstone for note deleted during push", zap.String("note_id", noteID))
	return nil
}
