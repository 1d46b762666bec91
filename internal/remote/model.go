package remote

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("remote: invalid note id")
	// ErrInvalidTimestamp indicates that a millisecond timestamp is negative.
	ErrInvalidTimestamp = errors.New("remote: invalid timestamp")
	// ErrInvalidRevision indicates that a base revision is negative.
	ErrInvalidRevision = errors.New("remote: invalid base revision")
)

func validateNoteID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return trimmed, nil
}

// Account is a sync identity on the server, distinct from any device-local user.
type Account struct {
	ID           string `gorm:"column:id;primaryKey;size:190;not null"`
	Username     string `gorm:"column:username;size:255;not null;uniqueIndex"`
	PasswordHash string `gorm:"column:password_hash;size:255;not null"`
	KeySalt      string `gorm:"column:key_salt;size:64;not null;default:''"`
	WrappedKey   string `gorm:"column:wrapped_key;type:text;not null;default:''"`
	ChangeSeq    int64  `gorm:"column:change_seq;not null;default:0"`
	CreatedAtMs  int64  `gorm:"column:created_at_ms;not null"`
}

// KeyEnvelope is the account content key sealed by the client under a key
// derived from the sync password. The server stores it without reading it.
type KeyEnvelope struct {
	KeySalt    string
	WrappedKey string
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}

// Note is the authoritative server copy of a note.
// Revision increases on every accepted write; Seq orders the account's change feed.
type Note struct {
	UserID           string  `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_remote_notes_feed,priority:1"`
	NoteID           string  `gorm:"column:note_id;primaryKey;size:190;not null"`
	FolderID         *string `gorm:"column:folder_id;size:190"`
	Title            string  `gorm:"column:title;type:text;not null"`
	Content          string  `gorm:"column:content;type:text;not null"`
	CreatedAtMs      int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs      int64   `gorm:"column:updated_at_ms;not null"`
	Revision         int64   `gorm:"column:revision;not null;default:1"`
	Seq              int64   `gorm:"column:seq;not null;index:idx_remote_notes_feed,priority:2"`
	IsDeleted        bool    `gorm:"column:is_deleted;not null;default:false"`
	DeletedAtMs      int64   `gorm:"column:deleted_at_ms;not null;default:0"`
	LastWriterDevice string  `gorm:"column:last_writer_device;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "remote_notes"
}

// NoteChange is the append-only audit trail of accepted writes. It keeps the
// overwritten version so no accepted push destroys data on the server.
type NoteChange struct {
	ChangeID         string `gorm:"column:change_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_remote_changes_user_time,priority:1"`
	NoteID           string `gorm:"column:note_id;size:190;not null"`
	AppliedAtMs      int64  `gorm:"column:applied_at_ms;not null;index:idx_remote_changes_user_time,priority:2"`
	ClientDevice     string `gorm:"column:client_device;size:190;not null"`
	BaseRevision     int64  `gorm:"column:base_revision;not null"`
	PreviousRevision *int64 `gorm:"column:prev_revision"`
	NewRevision      int64  `gorm:"column:new_revision;not null"`
	PreviousTitle    string `gorm:"column:prev_title;type:text;not null;default:''"`
	PreviousContent  string `gorm:"column:prev_content;type:text;not null;default:''"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NoteChange) TableName() string {
	return "remote_note_changes"
}

// ChangeRequest is one pushed note version. BaseRevision is the server revision
// the client last reconciled; zero for notes the client believes are new.
type ChangeRequest struct {
	NoteID       string
	BaseRevision int64
	FolderID     *string
	Title        string
	Content      string
	CreatedAtMs  int64
	UpdatedAtMs  int64
	Deleted      bool
	DeletedAtMs  int64
}

func (c ChangeRequest) validate() (ChangeRequest, error) {
	noteID, err := validateNoteID(c.NoteID)
	if err != nil {
		return ChangeRequest{}, err
	}
	c.NoteID = noteID
	if c.BaseRevision < 0 {
		return ChangeRequest{}, fmt.Errorf("%w: %d", ErrInvalidRevision, c.BaseRevision)
	}
	if c.CreatedAtMs < 0 || c.UpdatedAtMs < 0 || c.DeletedAtMs < 0 {
		return ChangeRequest{}, ErrInvalidTimestamp
	}
	return c, nil
}

// ConflictOutcome captures the decision from resolveChange.
type ConflictOutcome struct {
	Accepted    bool
	UpdatedNote *Note
	AuditRecord *NoteChange
}

// Models lists the persisted server types for schema migration.
func Models() []any {
	return []any{&Account{}, &Note{}, &NoteChange{}}
}
