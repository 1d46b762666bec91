package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/notto/internal/apperr"
	"github.com/MarcoPoloResearchLab/notto/internal/auth"
	"github.com/MarcoPoloResearchLab/notto/internal/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsListsEveryCommand(t *testing.T) {
	names := Commands()
	require.Len(t, names, 27)
	require.Contains(t, names, "check_connectivity")
	require.Contains(t, names, "restore_conflict")
	require.IsIncreasing(t, names)
}

func TestDispatchRejectsUnknownCommand(t *testing.T) {
	g := newInstallation(t)

	_, err := g.Dispatch(context.Background(), "drop_tables", nil)
	failure := Translate(err)
	require.Equal(t, apperr.KindNotFound, failure.Kind)
	require.Equal(t, "gateway.dispatch.unknown_command", failure.Code)
}

func TestDispatchRejectsMalformedPayload(t *testing.T) {
	g := newInstallation(t)

	_, err := g.Dispatch(context.Background(), "register", []byte(`{"username": 7`))
	require.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
	require.Equal(t, "gateway.register.invalid_payload", apperr.CodeOf(err))
}

func TestNoteCommandsRequireAProfile(t *testing.T) {
	g := newInstallation(t)

	_, err := dispatch(t, g, "create_note", map[string]string{"title": "t"})
	require.Equal(t, "gateway.owner.no_active_profile", apperr.CodeOf(err))

	_, err = dispatch(t, g, "list_notes", map[string]string{"token": "forged"})
	require.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestNoteAndFolderCommands(t *testing.T) {
	g := newInstallation(t)
	signIn(t, g, "alice")

	folder := mustDispatch(t, g, "create_folder", map[string]string{"name": "Work"}).(folderIDResponse)
	created := mustDispatch(t, g, "create_note", map[string]any{
		"title":     "Plan",
		"content":   "ship it",
		"folder_id": folder.FolderID,
	}).(noteIDResponse)

	note := mustDispatch(t, g, "get_note", map[string]string{"note_id": created.NoteID}).(noteResponse)
	require.Equal(t, "ship it", note.Content)
	require.Equal(t, folder.FolderID, *note.FolderID)
	require.Equal(t, int64(1), note.Revision)

	updated := mustDispatch(t, g, "update_note", map[string]string{
		"note_id": created.NoteID,
		"title":   "Plan",
		"content": "ship it today",
	}).(noteResponse)
	require.Equal(t, int64(2), updated.Revision)

	listed := mustDispatch(t, g, "list_notes", map[string]any{"folder_id": folder.FolderID, "summary": true}).(listNotesResponse)
	require.Equal(t, []string{created.NoteID}, listed.NoteIDs)
	require.Len(t, listed.Notes, 1)

	folders := mustDispatch(t, g, "list_folders", nil).(listFoldersResponse)
	require.Equal(t, []string{folder.FolderID}, folders.FolderIDs)
	require.Equal(t, "Work", folders.Folders[0].Name)

	_, err := dispatch(t, g, "delete_folder", map[string]string{"folder_id": folder.FolderID})
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	mustDispatch(t, g, "delete_note", map[string]string{"note_id": created.NoteID})
	_, err = dispatch(t, g, "get_note", map[string]string{"note_id": created.NoteID})
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	mustDispatch(t, g, "delete_folder", map[string]string{"folder_id": folder.FolderID})
	folders = mustDispatch(t, g, "list_folders", nil).(listFoldersResponse)
	require.Empty(t, folders.FolderIDs)
}

func TestProfilesAreIsolated(t *testing.T) {
	g := newInstallation(t)
	aliceToken := signIn(t, g, "alice")
	created := mustDispatch(t, g, "create_note", map[string]string{"title": "secret"}).(noteIDResponse)

	signIn(t, g, "bob")
	_, err := dispatch(t, g, "get_note", map[string]string{"note_id": created.NoteID})
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	note := mustDispatch(t, g, "get_note", map[string]string{"token": aliceToken, "note_id": created.NoteID}).(noteResponse)
	require.Equal(t, "secret", note.Title)
}

func TestLogoutClearsActiveProfile(t *testing.T) {
	g := newInstallation(t)
	token := signIn(t, g, "alice")
	userID := g.ActiveProfile()
	require.NotEmpty(t, userID)

	result := mustDispatch(t, g, "logout", nil)
	require.Equal(t, succeeded, result)
	require.Empty(t, g.ActiveProfile())

	_, err := dispatch(t, g, "verify_session_token", map[string]string{"token": token})
	require.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))

	// logging out with nobody signed in is a no-op
	mustDispatch(t, g, "logout", nil)
}

func TestVerifySessionTokenActivatesProfile(t *testing.T) {
	g := newInstallation(t)
	token := signIn(t, g, "alice")
	userID := g.ActiveProfile()
	mustDispatch(t, g, "logout", map[string]string{"user_id": "someone-else"})
	require.Equal(t, userID, g.ActiveProfile())

	g.clearActive(userID)
	result := mustDispatch(t, g, "verify_session_token", map[string]string{"token": token}).(userResponse)
	require.Equal(t, userID, result.UserID)
	require.Equal(t, userID, g.ActiveProfile())
}

func TestChangePasswordAndRecoverThroughCommands(t *testing.T) {
	g := newInstallation(t)
	registered := mustDispatch(t, g, "register", map[string]string{"username": "alice", "password": "local-password"}).(auth.RegisterResult)
	require.NotEmpty(t, registered.RecoveryPhrase)
	login := mustDispatch(t, g, "login", map[string]string{"username": "alice", "password": "local-password"}).(auth.LoginResult)

	mustDispatch(t, g, "change_password", map[string]string{
		"token":        login.Token,
		"old_password": "local-password",
		"new_password": "changed-password",
	})
	_, err := dispatch(t, g, "login", map[string]string{"username": "alice", "password": "local-password"})
	require.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))

	mustDispatch(t, g, "recover_account", map[string]string{
		"username":        "alice",
		"recovery_phrase": registered.RecoveryPhrase,
		"new_password":    "recovered-password",
	})
	relogin := mustDispatch(t, g, "login", map[string]string{"username": "alice", "password": "recovered-password"}).(auth.LoginResult)
	require.NotEmpty(t, relogin.Token)
}

func TestSyncBetweenInstallations(t *testing.T) {
	remoteServer := newRemoteServer(t)
	laptop := newInstallation(t)
	phone := newInstallation(t)
	laptopToken := signIn(t, laptop, "alice")
	phoneToken := signIn(t, phone, "alice-phone")

	handle := mustDispatch(t, laptop, "initialize_sync", map[string]string{"token": laptopToken, "server_url": remoteServer.URL}).(initializeSyncResponse)
	require.NotEmpty(t, handle.Handle)
	mustDispatch(t, laptop, "sync_create_account", map[string]string{"username": "alice", "password": "remote-password"})
	loggedIn := mustDispatch(t, laptop, "sync_login", map[string]string{"username": "alice", "password": "remote-password"})
	require.Equal(t, true, loggedIn)

	created := mustDispatch(t, laptop, "create_note", map[string]string{"title": "groceries", "content": "eggs"}).(noteIDResponse)
	status := mustDispatch(t, laptop, "start_sync", nil).(syncer.StatusView)
	require.Equal(t, syncer.StatusSuccess, status.Status)

	mustDispatch(t, phone, "initialize_sync", map[string]string{"token": phoneToken, "server_url": remoteServer.URL + "/"})
	mustDispatch(t, phone, "sync_login", map[string]string{"username": "alice", "password": "remote-password"})
	status = mustDispatch(t, phone, "start_sync", nil).(syncer.StatusView)
	require.Equal(t, syncer.StatusSuccess, status.Status)
	require.Equal(t, remoteServer.URL, status.ServerURL)

	note := mustDispatch(t, phone, "get_note", map[string]string{"note_id": created.NoteID}).(noteResponse)
	assert.Equal(t, "eggs", note.Content)

	view := mustDispatch(t, phone, "get_sync_status", nil).(syncer.StatusView)
	assert.True(t, view.LoggedIn)
	assert.Equal(t, "alice", view.RemoteUsername)
}

func TestInitializeSyncRequiresToken(t *testing.T) {
	g := newInstallation(t)
	signIn(t, g, "alice")

	_, err := dispatch(t, g, "initialize_sync", map[string]string{"server_url": "http://127.0.0.1:1"})
	require.Equal(t, "gateway.initialize_sync.missing_token", apperr.CodeOf(err))
}

func TestCheckConnectivityWithoutProfile(t *testing.T) {
	remoteServer := newRemoteServer(t)
	g := newInstallation(t)

	reachable := mustDispatch(t, g, "check_connectivity", map[string]string{"server_url": remoteServer.URL})
	require.Equal(t, true, reachable)

	remoteServer.Close()
	reachable = mustDispatch(t, g, "check_connectivity", map[string]string{"server_url": remoteServer.URL})
	require.Equal(t, false, reachable)

	_, err := dispatch(t, g, "check_connectivity", map[string]string{"server_url": "ftp://example.com"})
	require.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestTranslateHidesInternalDetail(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Failure
	}{
		{
			name: "typed",
			err:  apperr.Conflict("notes.delete_folder", "not_empty", errors.New("3 notes inside")),
			want: Failure{Kind: apperr.KindConflict, Code: "notes.delete_folder.not_empty", Message: "the request conflicts with stored state"},
		},
		{
			name: "internal",
			err:  apperr.Internal("notes.create", "write_failed", errors.New("disk I/O error at /var/db")),
			want: Failure{Kind: apperr.KindInternal, Code: "internal", Message: "internal error"},
		},
		{
			name: "foreign",
			err:  errors.New("sql: database is closed"),
			want: Failure{Kind: apperr.KindInternal, Code: "internal", Message: "internal error"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Translate(tc.err))
		})
	}
}
