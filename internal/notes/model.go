package notes

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxIdentifierLength = 190
	maxFolderNameLength = 255
)

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidFolderName indicates that a folder name is empty or too long.
	ErrInvalidFolderName = errors.New("notes: invalid folder name")
)

func validateIdentifier(raw string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

func validateFolderName(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > maxFolderNameLength {
		return "", ErrInvalidFolderName
	}
	return trimmed, nil
}

// Note is a locally stored note with its sync reconciliation markers.
//
// Revision increases on every local mutation. SyncedRevision is the local revision
// last confirmed by the remote and RemoteRevision the remote revision last reconciled;
// a note with Revision > SyncedRevision has unpushed changes.
type Note struct {
	ID             string  `gorm:"column:id;primaryKey;size:190;not null"`
	UserID         string  `gorm:"column:user_id;size:190;not null;index:idx_notes_owner_created,priority:1"`
	FolderID       *string `gorm:"column:folder_id;size:190;index"`
	Title          string  `gorm:"column:title;type:text;not null"`
	Content        string  `gorm:"column:content;type:text;not null"`
	CreatedAtMs    int64   `gorm:"column:created_at_ms;not null;index:idx_notes_owner_created,priority:2"`
	UpdatedAtMs    int64   `gorm:"column:updated_at_ms;not null"`
	Revision       int64   `gorm:"column:revision;not null;default:1"`
	SyncedRevision int64   `gorm:"column:synced_revision;not null;default:0"`
	RemoteRevision *int64  `gorm:"column:remote_revision"`
	Deleted        bool    `gorm:"column:deleted;not null;default:false"`
	DeletedAtMs    int64   `gorm:"column:deleted_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// Dirty reports whether the note holds changes the remote has not confirmed.
func (n Note) Dirty() bool {
	return n.Revision > n.SyncedRevision
}

// Summary is the metadata of a note without its content.
type Summary struct {
	ID          string  `json:"id"`
	FolderID    *string `json:"folder_id,omitempty"`
	Title       string  `json:"title"`
	CreatedAtMs int64   `json:"created_at_ms"`
	UpdatedAtMs int64   `json:"updated_at_ms"`
	Revision    int64   `json:"revision"`
}

// Folder groups notes in an owner-scoped tree.
type Folder struct {
	ID          string  `gorm:"column:id;primaryKey;size:190;not null"`
	UserID      string  `gorm:"column:user_id;size:190;not null;index:idx_folders_owner_created,priority:1"`
	Name        string  `gorm:"column:name;size:255;not null"`
	ParentID    *string `gorm:"column:parent_id;size:190;index"`
	CreatedAtMs int64   `gorm:"column:created_at_ms;not null;index:idx_folders_owner_created,priority:2"`
	UpdatedAtMs int64   `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Folder) TableName() string {
	return "folders"
}

// CopyOrigin names which side of a conflict a preserved copy came from.
type CopyOrigin string

const (
	// CopyOriginLocal marks a local version that lost to a newer remote one.
	CopyOriginLocal CopyOrigin = "local"
	// CopyOriginRemote marks a remote version that lost to a newer local one.
	CopyOriginRemote CopyOrigin = "remote"
)

// ConflictCopy preserves the losing side of a last-writer-wins decision.
type ConflictCopy struct {
	ID           string     `gorm:"column:id;primaryKey;size:190;not null"`
	UserID       string     `gorm:"column:user_id;size:190;not null;index:idx_copies_owner_note,priority:1"`
	NoteID       string     `gorm:"column:note_id;size:190;not null;index:idx_copies_owner_note,priority:2"`
	Origin       CopyOrigin `gorm:"column:origin;size:16;not null"`
	Title        string     `gorm:"column:title;type:text;not null"`
	Content      string     `gorm:"column:content;type:text;not null"`
	Revision     int64      `gorm:"column:revision;not null"`
	UpdatedAtMs  int64      `gorm:"column:updated_at_ms;not null"`
	CapturedAtMs int64      `gorm:"column:captured_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ConflictCopy) TableName() string {
	return "note_conflict_copies"
}

// SyncMutation is the outcome of reconciling one note, applied atomically by ApplySync.
type SyncMutation struct {
	Save   *Note
	Purge  bool
	Copies []ConflictCopy
}

// Models lists the persisted note types for schema migration.
func Models() []any {
	return []any{&Note{}, &Folder{}, &ConflictCopy{}}
}
