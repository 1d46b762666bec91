package remote

// JSON payloads of the sync server API, shared by the HTTP router and the sync client.

const (
	// EventNoteChanged is streamed after a push writes at least one note.
	EventNoteChanged = "note-change"
	// EventHeartbeat keeps idle event streams open through proxies.
	EventHeartbeat = "heartbeat"
)

// CredentialsPayload is the body of account creation and login. Account
// creation also carries the sealed account content key.
type CredentialsPayload struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	KeySalt    string `json:"key_salt,omitempty"`
	WrappedKey string `json:"wrapped_key,omitempty"`
}

// AccountPayload is returned by account creation.
type AccountPayload struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
}

// TokenPayload is returned by login together with the sealed account content key.
type TokenPayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	KeySalt     string `json:"key_salt"`
	WrappedKey  string `json:"wrapped_key"`
}

// NotePayload is a note version on the wire.
type NotePayload struct {
	NoteID       string  `json:"note_id"`
	BaseRevision int64   `json:"base_revision,omitempty"`
	Revision     int64   `json:"revision,omitempty"`
	Seq          int64   `json:"seq,omitempty"`
	FolderID     *string `json:"folder_id,omitempty"`
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	CreatedAtMs  int64   `json:"created_at_ms"`
	UpdatedAtMs  int64   `json:"updated_at_ms"`
	Deleted      bool    `json:"deleted"`
	DeletedAtMs  int64   `json:"deleted_at_ms,omitempty"`
	Device       string  `json:"device,omitempty"`
}

// PushRequest uploads local changes.
type PushRequest struct {
	Device  string        `json:"device"`
	Changes []NotePayload `json:"changes"`
}

// PushResult reports the decision for one pushed change. Note is the server copy
// after the decision: the accepted version or the current one on rejection.
type PushResult struct {
	NoteID   string      `json:"note_id"`
	Accepted bool        `json:"accepted"`
	Note     NotePayload `json:"note"`
}

// PushResponse answers a PushRequest.
type PushResponse struct {
	Results   []PushResult `json:"results"`
	LatestSeq int64        `json:"latest_seq"`
}

// ChangesResponse is one page of the change feed.
type ChangesResponse struct {
	Notes     []NotePayload `json:"notes"`
	NextSince int64         `json:"next_since"`
	HasMore   bool          `json:"has_more"`
}

// NoteChangePayload is one accepted write from a note's audit trail.
type NoteChangePayload struct {
	ChangeID         string `json:"change_id"`
	AppliedAtMs      int64  `json:"applied_at_ms"`
	Device           string `json:"device"`
	BaseRevision     int64  `json:"base_revision"`
	PreviousRevision *int64 `json:"previous_revision,omitempty"`
	NewRevision      int64  `json:"new_revision"`
	PreviousTitle    string `json:"previous_title"`
	PreviousContent  string `json:"previous_content"`
	Deleted          bool   `json:"deleted"`
}

// HistoryResponse lists a note's audit trail, newest first.
type HistoryResponse struct {
	NoteID  string              `json:"note_id"`
	Changes []NoteChangePayload `json:"changes"`
}

// EventPayload is a realtime change notification.
type EventPayload struct {
	Type      string   `json:"type"`
	NoteIDs   []string `json:"note_ids,omitempty"`
	Device    string   `json:"device,omitempty"`
	LatestSeq int64    `json:"latest_seq,omitempty"`
	Timestamp int64    `json:"timestamp_ms"`
}

// ErrorPayload is the body of every non-2xx response.
type ErrorPayload struct {
	Error string `json:"error"`
}

// ToPayload converts a stored note for the wire.
func ToPayload(note Note) NotePayload {
	return NotePayload{
		NoteID:      note.NoteID,
		Revision:    note.Revision,
		Seq:         note.Seq,
		FolderID:    note.FolderID,
		Title:       note.Title,
		Content:     note.Content,
		CreatedAtMs: note.CreatedAtMs,
		UpdatedAtMs: note.UpdatedAtMs,
		Deleted:     note.IsDeleted,
		DeletedAtMs: note.DeletedAtMs,
		Device:      note.LastWriterDevice,
	}
}

// ToChangeRequest converts a pushed payload into a store request.
func ToChangeRequest(payload NotePayload) ChangeRequest {
	return ChangeRequest{
		NoteID:       payload.NoteID,
		BaseRevision: payload.BaseRevision,
		FolderID:     payload.FolderID,
		Title:        payload.Title,
		Content:      payload.Content,
		CreatedAtMs:  payload.CreatedAtMs,
		UpdatedAtMs:  payload.UpdatedAtMs,
		Deleted:      payload.Deleted,
		DeletedAtMs:  payload.DeletedAtMs,
	}
}

// ToChangePayload converts an audit record for the wire.
func ToChangePayload(change NoteChange) NoteChangePayload {
	return NoteChangePayload{
		ChangeID:         change.ChangeID,
		AppliedAtMs:      change.AppliedAtMs,
		Device:           change.ClientDevice,
		BaseRevision:     change.BaseRevision,
		PreviousRevision: change.PreviousRevision,
		NewRevision:      change.NewRevision,
		PreviousTitle:    change.PreviousTitle,
		PreviousContent:  change.PreviousContent,
		Deleted:          change.IsDeleted,
	}
}
