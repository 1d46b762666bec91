package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/MarcoPoloResearchLab/notto/internal/apperr"
	"github.com/MarcoPoloResearchLab/notto/internal/notes"
)

type commandFunc func(ctx context.Context, g *Gateway, payload json.RawMessage) (any, error)

// command adapts a typed handler to the raw payload table.
func command[T any](name string, run func(ctx context.Context, g *Gateway, request T) (any, error)) commandFunc {
	return func(ctx context.Context, g *Gateway, payload json.RawMessage) (any, error) {
		var request T
		trimmed := bytes.TrimSpace(payload)
		if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
			if err := json.Unmarshal(trimmed, &request); err != nil {
				return nil, apperr.InvalidInput("gateway."+name, "invalid_payload", err)
			}
		}
		return run(ctx, g, request)
	}
}

var commandTable = map[string]commandFunc{
	"register":             command("register", runRegister),
	"login":                command("login", runLogin),
	"verify_totp_login":    command("verify_totp_login", runVerifyTotpLogin),
	"verify_session_token": command("verify_session_token", runVerifySessionToken),
	"logout":               command("logout", runLogout),
	"setup_totp":           command("setup_totp", runSetupTotp),
	"verify_totp_setup":    command("verify_totp_setup", runVerifyTotpSetup),
	"recover_account":      command("recover_account", runRecoverAccount),
	"change_password":      command("change_password", runChangePassword),
	"create_note":          command("create_note", runCreateNote),
	"get_note":             command("get_note", runGetNote),
	"update_note":          command("update_note", runUpdateNote),
	"delete_note":          command("delete_note", runDeleteNote),
	"list_notes":           command("list_notes", runListNotes),
	"create_folder":        command("create_folder", runCreateFolder),
	"list_folders":         command("list_folders", runListFolders),
	"move_folder":          command("move_folder", runMoveFolder),
	"delete_folder":        command("delete_folder", runDeleteFolder),
	"list_conflicts":       command("list_conflicts", runListConflicts),
	"restore_conflict":     command("restore_conflict", runRestoreConflict),
	"discard_conflict":     command("discard_conflict", runDiscardConflict),
	"sync_create_account":  command("sync_create_account", runSyncCreateAccount),
	"sync_login":           command("sync_login", runSyncLogin),
	"initialize_sync":      command("initialize_sync", runInitializeSync),
	"start_sync":           command("start_sync", runStartSync),
	"get_sync_status":      command("get_sync_status", runGetSyncStatus),
	"check_connectivity":   command("check_connectivity", runCheckConnectivity),
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type successResponse struct {
	Success bool `json:"success"`
}

var succeeded = successResponse{Success: true}

func runRegister(ctx context.Context, g *Gateway, request credentialsRequest) (any, error) {
	return g.auth.Register(ctx, request.Username, request.Password)
}

func runLogin(ctx context.Context, g *Gateway, request credentialsRequest) (any, error) {
	result, err := g.auth.Login(ctx, request.Username, request.Password)
	if err != nil {
		return nil, err
	}
	if result.Token != "" {
		g.setActive(result.UserID)
	}
	return result, nil
}

type totpLoginRequest struct {
	Challenge string `json:"challenge"`
	Code      string `json:"code"`
}

func runVerifyTotpLogin(ctx context.Context, g *Gateway, request totpLoginRequest) (any, error) {
	result, err := g.auth.VerifyTotpLogin(ctx, request.Challenge, request.Code)
	if err != nil {
		return nil, err
	}
	g.setActive(result.UserID)
	return result, nil
}

type userResponse struct {
	UserID string `json:"user_id"`
}

func runVerifySessionToken(ctx context.Context, g *Gateway, request tokenRequest) (any, error) {
	userID, err := g.auth.VerifySessionToken(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	g.setActive(userID)
	return userResponse{UserID: userID}, nil
}

type logoutRequest struct {
	UserID string `json:"user_id"`
}

func runLogout(ctx context.Context, g *Gateway, request logoutRequest) (any, error) {
	userID := request.UserID
	if userID == "" {
		userID = g.ActiveProfile()
	}
	if userID == "" {
		return succeeded, nil
	}
	g.sync.Stop(userID)
	if err := g.auth.Logout(ctx, userID); err != nil {
		return nil, err
	}
	g.clearActive(userID)
	return succeeded, nil
}

func runSetupTotp(ctx context.Context, g *Gateway, request tokenRequest) (any, error) {
	return g.auth.SetupTotp(ctx, request.Token)
}

type totpSetupRequest struct {
	Token  string `json:"token"`
	Secret string `json:"secret"`
	Code   string `json:"code"`
}

func runVerifyTotpSetup(ctx context.Context, g *Gateway, request totpSetupRequest) (any, error) {
	return g.auth.VerifyTotpSetup(ctx, request.Token, request.Secret, request.Code)
}

type recoverRequest struct {
	Username       string `json:"username"`
	RecoveryPhrase string `json:"recovery_phrase"`
	NewPassword    string `json:"new_password"`
}

func runRecoverAccount(ctx context.Context, g *Gateway, request recoverRequest) (any, error) {
	if err := g.auth.RecoverAccount(ctx, request.Username, request.RecoveryPhrase, request.NewPassword); err != nil {
		return nil, err
	}
	return succeeded, nil
}

type changePasswordRequest struct {
	Token       string `json:"token"`
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func runChangePassword(ctx context.Context, g *Gateway, request changePasswordRequest) (any, error) {
	if err := g.auth.ChangePassword(ctx, request.Token, request.OldPassword, request.NewPassword); err != nil {
		return nil, err
	}
	return succeeded, nil
}

type createNoteRequest struct {
	Token    string  `json:"token"`
	Title    string  `json:"title"`
	Content  string  `json:"content"`
	FolderID *string `json:"folder_id"`
}

type noteIDResponse struct {
	NoteID string `json:"note_id"`
}

func runCreateNote(ctx context.Context, g *Gateway, request createNoteRequest) (any, error) {
	owner, err := g.owner(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	noteID, err := g.notes.Create(ctx, owner, request.Title, request.Content, request.FolderID)
	if err != nil {
		return nil, err
	}
	return noteIDResponse{NoteID: noteID}, nil
}

type noteRequest struct {
	Token  string `json:"token"`
	NoteID string `json:"note_id"`
}

type noteResponse struct {
	NoteID      string  `json:"note_id"`
	FolderID    *string `json:"folder_id,omitempty"`
	Title       string  `json:"title"`
	Content     string  `json:"content"`
	CreatedAtMs int64   `json:"created_at_ms"`
	UpdatedAtMs int64   `json:"updated_at_ms"`
	Revision    int64   `json:"revision"`
}

func toNoteResponse(note notes.Note) noteResponse {
	return noteResponse{
		NoteID:      note.ID,
		FolderID:    note.FolderID,
		Title:       note.Title,
		Content:     note.Content,
		CreatedAtMs: note.CreatedAtMs,
		UpdatedAtMs: note.UpdatedAtMs,
		Revision:    note.Revision,
	}
}

func runGetNote(ctx context.Context, g *Gateway, request noteRequest) (any, error) {
	owner, err := g.owner(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	note, err := g.notes.Get(ctx, owner, request.NoteID)
	if err != nil {
		return nil, err
	}
	return toNoteResponse(note), nil
}

type updateNoteRequest struct {
	Token   string `json:"token"`
	NoteID  string `json:"note_id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

func runUpdateNote(ctx context.Context, g *Gateway, request updateNoteRequest) (any, error) {
	owner, err := g.owner(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	note, err := g.notes.Update(ctx, owner, request.NoteID, request.Title, request.Content)
	if err != nil {
		return nil, err
	}
	return toNoteResponse(note), nil
}

func runDeleteNote(ctx context.Context, g *Gateway, request noteRequest) (any, error) {
	owner, err := g.owner(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	if err := g.notes.Delete(ctx, owner, request.NoteID); err != nil {
		return nil, err
	}
	return succeeded, nil
}

type listNotesRequest struct {
	Token    string  `json:"token"`
	FolderID *string `json:"folder_id"`
	Summary  bool    `json:"summary"`
}

type listNotesResponse struct {
	NoteIDs []string        `json:"note_ids"`
	Notes   []notes.Summary `json:"notes,omitempty"`
}

func runListNotes(ctx context.Context, g *Gateway, request listNotesRequest) (any, error) {
	owner, err := g.owner(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	if !request.Summary {
		ids, err := g.notes.List(ctx, owner, request.FolderID)
		if err != nil {
			return nil, err
		}
		return listNotesResponse{NoteIDs: ids}, nil
	}
	summaries, err := g.notes.ListSummaries(ctx, owner, request.FolderID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(summaries))
	for _, summary := range summaries {
		ids = append(ids, summary.ID)
	}
	return listNotesResponse{NoteIDs: ids, Notes: summaries}, nil
}

type createFolderRequest struct {
	Token    string  `json:"token"`
	Name     string  `json:"name"`
	ParentID *string `json:"parent_id"`
}

type folderIDResponse struct {
	FolderID string `json:"folder_id"`
}

func runCreateFolder(ctx context.Context, g *Gateway, request createFolderRequest) (any, error) {
	owner, err := g.owner(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	folderID, err := g.notes.CreateFolder(ctx, owner, request.Name, request.ParentID)
	if err != nil {
		return nil, err
	}
	return folderIDResponse{FolderID: folderID}, nil
}

type folderResponse struct {
	FolderID    string  `json:"folder_id"`
	Name        string  `json:"name"`
	ParentID    *string `json:"parent_id,omitempty"`
	CreatedAtMs int64   `json:"created_at_ms"`
}

type listFoldersResponse struct {
	FolderIDs []string         `json:"folder_ids"`
	Folders   []folderResponse `json:"folders"`
}

func runListFolders(ctx context.Context, g *Gateway, request tokenRequest) (any, error) {
	owner, err := g.owner(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	folders, err := g.notes.ListFolders(ctx, owner)
	if err != nil {
		return nil, err
	}
	response := listFoldersResponse{
		FolderIDs: make([]string, 0, len(folders)),
		Folders:   make([]folderResponse, 0, len(folders)),
	}
	for _, folder := range folders {
		response.FolderIDs = append(response.FolderIDs, folder.ID)
		response.Folders = append(response.Folders, folderResponse{
			FolderID:    folder.ID,
			Name:        folder.Name,
			ParentID:    folder.ParentID,
			CreatedAtMs: folder.CreatedAtMs,
		})
	}
	return response, nil
}

type moveFolderRequest struct {
	Token    string  `json:"token"`
	FolderID string  `json:"folder_id"`
	ParentID *string `json:"parent_id"`
}

func runMoveFolder(ctx context.Context, g *Gateway, request moveFolderRequest) (any, error) {
	owner, err := g.owner(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	if err := g.notes.MoveFolder(ctx, owner, request.FolderID, request.ParentID); err != nil {
		return nil, err
	}
	return succeeded, nil
}

type folderRequest struct {
	Token    string `json:"token"`
	FolderID string `json:"folder_id"`
}

func runDeleteFolder(ctx context.Context, g *Gateway, request folderRequest) (any, error) {
	owner, err := g.owner(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	if err := g.notes.DeleteFolder(ctx, owner, request.FolderID); err != nil {
		return nil, err
	}
	return succeeded, nil
}

type listConflictsRequest struct {
	Token  string  `json:"token"`
	NoteID *string `json:"note_id"`
}

type conflictResponse struct {
	CopyID       string `json:"copy_id"`
	NoteID       string `json:"note_id"`
	Origin       string `json:"origin"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	Revision     int64  `json:"revision"`
	UpdatedAtMs  int64  `json:"updated_at_ms"`
	CapturedAtMs int64  `json:"captured_at_ms"`
}

type listConflictsResponse struct {
	Conflicts []conflictResponse `json:"conflicts"`
}

func runListConflicts(ctx context.Context, g *Gateway, request listConflictsRequest) (any, error) {
	owner, err := g.owner(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	copies, err := g.notes.ListConflictCopies(ctx, owner, request.NoteID)
	if err != nil {
		return nil, err
	}
	response := listConflictsResponse{Conflicts: make([]conflictResponse, 0, len(copies))}
	for _, preserved := range copies {
		response.Conflicts = append(response.Conflicts, conflictResponse{
			CopyID:       preserved.ID,
			NoteID:       preserved.NoteID,
			Origin:       string(preserved.Origin),
			Title:        preserved.Title,
			Content:      preserved.Content,
			Revision:     preserved.Revision,
			UpdatedAtMs:  preserved.UpdatedAtMs,
			CapturedAtMs: preserved.CapturedAtMs,
		})
	}
	return response, nil
}

type conflictRequest struct {
	Token  string `json:"token"`
	CopyID string `json:"copy_id"`
}

func runRestoreConflict(ctx context.Context, g *Gateway, request conflictRequest) (any, error) {
	owner, err := g.owner(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	noteID, err := g.notes.RestoreConflictCopy(ctx, owner, request.CopyID)
	if err != nil {
		return nil, err
	}
	return noteIDResponse{NoteID: noteID}, nil
}

func runDiscardConflict(ctx context.Context, g *Gateway, request conflictRequest) (any, error) {
	owner, err := g.owner(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	if err := g.notes.DiscardConflictCopy(ctx, owner, request.CopyID); err != nil {
		return nil, err
	}
	return succeeded, nil
}

type syncCredentialsRequest struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func runSyncCreateAccount(ctx context.Context, g *Gateway, request syncCredentialsRequest) (any, error) {
	owner, err := g.owner(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	if err := g.sync.CreateAccount(ctx, owner, request.Username, request.Password); err != nil {
		return nil, err
	}
	return succeeded, nil
}

func runSyncLogin(ctx context.Context, g *Gateway, request syncCredentialsRequest) (any, error) {
	owner, err := g.owner(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	return g.sync.Login(ctx, owner, request.Username, request.Password)
}

type initializeSyncRequest struct {
	Token     string `json:"token"`
	ServerURL string `json:"server_url"`
}

type initializeSyncResponse struct {
	Handle string `json:"handle"`
}

func runInitializeSync(ctx context.Context, g *Gateway, request initializeSyncRequest) (any, error) {
	if strings.TrimSpace(request.Token) == "" {
		return nil, apperr.Unauthenticated("gateway.initialize_sync", "missing_token", errMissingToken)
	}
	owner, err := g.owner(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	handle, err := g.sync.Initialize(ctx, owner, request.ServerURL)
	if err != nil {
		return nil, err
	}
	return initializeSyncResponse{Handle: handle}, nil
}

func runStartSync(ctx context.Context, g *Gateway, request tokenRequest) (any, error) {
	owner, err := g.owner(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	return g.sync.Sync(ctx, owner)
}

func runGetSyncStatus(ctx context.Context, g *Gateway, request tokenRequest) (any, error) {
	owner, err := g.owner(ctx, request.Token)
	if err != nil {
		return nil, err
	}
	return g.sync.Status(ctx, owner)
}

type connectivityRequest struct {
	Token     string `json:"token"`
	ServerURL string `json:"server_url"`
}

func runCheckConnectivity(ctx context.Context, g *Gateway, request connectivityRequest) (any, error) {
	owner := ""
	if request.Token != "" || g.ActiveProfile() != "" {
		resolved, err := g.owner(ctx, request.Token)
		if err != nil {
			return nil, err
		}
		owner = resolved
	}
	return g.sync.CheckConnectivity(ctx, owner, request.ServerURL)
}
