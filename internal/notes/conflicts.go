package notes

import (
	"context"

	"github.com/MarcoPoloResearchLab/notto/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ListConflictCopies returns preserved losing versions, oldest first, optionally for one note.
func (s *Service) ListConflictCopies(ctx context.Context, owner string, noteID *string) ([]ConflictCopy, error) {
	key, err := s.masterKey(opListConflicts, owner)
	if err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Where("user_id = ?", owner)
	if noteID != nil {
		query = query.Where("note_id = ?", *noteID)
	}
	copies := make([]ConflictCopy, 0)
	if err := query.Order("captured_at_ms ASC").Order("id ASC").Find(&copies).Error; err != nil {
		s.logError(opListConflicts, reasonQueryFailed, err, zap.String("user_id", owner))
		return nil, apperr.Internal(opListConflicts, reasonQueryFailed, err)
	}
	for index := range copies {
		if copies[index].Content, err = s.openContent(opListConflicts, key, copies[index].Content); err != nil {
			return nil, err
		}
	}
	return copies, nil
}

// RestoreConflictCopy writes a preserved version back as a new local revision and
// drops the copy. When its note no longer exists the copy becomes a new note.
// It returns the id of the note holding the restored content.
func (s *Service) RestoreConflictCopy(ctx context.Context, owner, copyID string) (string, error) {
	var restoredID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var preserved ConflictCopy
		if err := tx.Where("id = ? AND user_id = ?", copyID, owner).Take(&preserved).Error; err != nil {
			return s.translateLookup(opRestoreConflict, err)
		}

		nowMs := s.nowMs()
		result := tx.Model(&Note{}).
			Where("id = ? AND user_id = ? AND deleted = ?", preserved.NoteID, owner, false).
			Updates(map[string]any{
				"title":         preserved.Title,
				"content":       preserved.Content,
				"updated_at_ms": nowMs,
				"revision":      gorm.Expr("revision + 1"),
			})
		if result.Error != nil {
			return apperr.Internal(opRestoreConflict, reasonWriteFailed, result.Error)
		}
		restoredID = preserved.NoteID

		if result.RowsAffected == 0 {
			newID, err := s.idProvider.NewID()
			if err != nil {
				return apperr.Internal(opRestoreConflict, reasonIDFailed, err)
			}
			revived := Note{
				ID:          newID,
				UserID:      owner,
				Title:       preserved.Title,
				Content:     preserved.Content,
				CreatedAtMs: nowMs,
				UpdatedAtMs: nowMs,
				Revision:    1,
			}
			if err := tx.Create(&revived).Error; err != nil {
				s.logError(opRestoreConflict, reasonWriteFailed, err, zap.String("copy_id", copyID))
				return apperr.Internal(opRestoreConflict, reasonWriteFailed, err)
			}
			restoredID = newID
		}

		if err := tx.Where("id = ?", preserved.ID).Delete(&ConflictCopy{}).Error; err != nil {
			return apperr.Internal(opRestoreConflict, reasonWriteFailed, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return restoredID, nil
}

// DiscardConflictCopy deletes a preserved version.
func (s *Service) DiscardConflictCopy(ctx context.Context, owner, copyID string) error {
	result := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", copyID, owner).Delete(&ConflictCopy{})
	if result.Error != nil {
		s.logError(opDiscardConflict, reasonWriteFailed, result.Error, zap.String("copy_id", copyID))
		return apperr.Internal(opDiscardConflict, reasonWriteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound(opDiscardConflict, reasonMissing, nil)
	}
	return nil
}
