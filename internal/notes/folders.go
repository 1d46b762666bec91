package notes

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/notto/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CreateFolder adds a folder under an optional parent of the same owner.
func (s *Service) CreateFolder(ctx context.Context, owner, name string, parentID *string) (string, error) {
	owner, err := validateIdentifier(owner, ErrInvalidUserID)
	if err != nil {
		return "", apperr.InvalidInput(opCreateFolder, reasonInvalidOwner, err)
	}
	name, err = validateFolderName(name)
	if err != nil {
		return "", apperr.InvalidInput(opCreateFolder, "invalid_name", err)
	}
	folderID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateFolder, reasonIDFailed, err)
		return "", apperr.Internal(opCreateFolder, reasonIDFailed, err)
	}

	nowMs := s.nowMs()
	folder := Folder{ID: folderID, UserID: owner, Name: name, CreatedAtMs: nowMs, UpdatedAtMs: nowMs}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if parentID != nil {
			if err := requireFolder(tx, owner, *parentID); err != nil {
				return apperr.InvalidInput(opCreateFolder, "unknown_parent", err)
			}
			parent := *parentID
			folder.ParentID = &parent
		}
		if err := tx.Create(&folder).Error; err != nil {
			s.logError(opCreateFolder, reasonWriteFailed, err, zap.String("user_id", owner))
			return apperr.Internal(opCreateFolder, reasonWriteFailed, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return folderID, nil
}

// ListFolders returns owner's folders ordered by creation time.
func (s *Service) ListFolders(ctx context.Context, owner string) ([]Folder, error) {
	folders := make([]Folder, 0)
	err := s.db.WithContext(ctx).
		Where("user_id = ?", owner).
		Order("created_at_ms ASC").Order("id ASC").
		Find(&folders).Error
	if err != nil {
		s.logError(opListFolders, reasonQueryFailed, err, zap.String("user_id", owner))
		return nil, apperr.Internal(opListFolders, reasonQueryFailed, err)
	}
	return folders, nil
}

// MoveFolder re-parents a folder. Moving a folder beneath itself or one of its
// descendants is rejected, so the tree stays acyclic.
func (s *Service) MoveFolder(ctx context.Context, owner, folderID string, parentID *string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireFolder(tx, owner, folderID); err != nil {
			return s.translateLookup(opMoveFolder, err)
		}
		if parentID != nil {
			if err := requireFolder(tx, owner, *parentID); err != nil {
				return apperr.InvalidInput(opMoveFolder, "unknown_parent", err)
			}
			isDescendant, err := descendsFrom(tx, owner, *parentID, folderID)
			if err != nil {
				return apperr.Internal(opMoveFolder, reasonQueryFailed, err)
			}
			if isDescendant {
				return apperr.InvalidInput(opMoveFolder, "cycle", errFolderCycle)
			}
		}
		err := tx.Model(&Folder{}).
			Where("id = ? AND user_id = ?", folderID, owner).
			Updates(map[string]any{"parent_id": parentID, "updated_at_ms": s.nowMs()}).Error
		if err != nil {
			s.logError(opMoveFolder, reasonWriteFailed, err, zap.String("folder_id", folderID))
			return apperr.Internal(opMoveFolder, reasonWriteFailed, err)
		}
		return nil
	})
}

// DeleteFolder removes an empty folder. Folders holding sub-folders or live
// notes fail with Conflict; tombstoned notes are detached to the root.
func (s *Service) DeleteFolder(ctx context.Context, owner, folderID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireFolder(tx, owner, folderID); err != nil {
			return s.translateLookup(opDeleteFolder, err)
		}
		var children int64
		if err := tx.Model(&Folder{}).Where("user_id = ? AND parent_id = ?", owner, folderID).Count(&children).Error; err != nil {
			return apperr.Internal(opDeleteFolder, reasonQueryFailed, err)
		}
		var liveNotes int64
		if err := tx.Model(&Note{}).Where("user_id = ? AND folder_id = ? AND deleted = ?", owner, folderID, false).Count(&liveNotes).Error; err != nil {
			return apperr.Internal(opDeleteFolder, reasonQueryFailed, err)
		}
		if children > 0 || liveNotes > 0 {
			return apperr.Conflict(opDeleteFolder, "not_empty", errFolderNotEmpty)
		}
		if err := tx.Model(&Note{}).Where("user_id = ? AND folder_id = ?", owner, folderID).Update("folder_id", nil).Error; err != nil {
			return apperr.Internal(opDeleteFolder, reasonWriteFailed, err)
		}
		if err := tx.Where("id = ? AND user_id = ?", folderID, owner).Delete(&Folder{}).Error; err != nil {
			s.logError(opDeleteFolder, reasonWriteFailed, err, zap.String("folder_id", folderID))
			return apperr.Internal(opDeleteFolder, reasonWriteFailed, err)
		}
		return nil
	})
}

func requireFolder(tx *gorm.DB, owner, folderID string) error {
	var folder Folder
	return tx.Select("id").Where("id = ? AND user_id = ?", folderID, owner).Take(&folder).Error
}

// descendsFrom reports whether candidate is ancestor itself or lies beneath it.
func descendsFrom(tx *gorm.DB, owner, candidate, ancestor string) (bool, error) {
	visited := make(map[string]struct{})
	current := candidate
	for {
		if current == ancestor {
			return true, nil
		}
		if _, seen := visited[current]; seen {
			return false, errors.New("folder tree already contains a cycle")
		}
		visited[current] = struct{}{}

		var folder Folder
		if err := tx.Select("id", "parent_id").Where("id = ? AND user_id = ?", current, owner).Take(&folder).Error; err != nil {
			return false, err
		}
		if folder.ParentID == nil {
			return false, nil
		}
		current = *folder.ParentID
	}
}
