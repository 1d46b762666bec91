package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notto/internal/apperr"
	"github.com/MarcoPoloResearchLab/notto/internal/remote"
	"github.com/stretchr/testify/require"
)

var baseTime = time.UnixMilli(1_700_000_000_000)

func connect(t *testing.T, d *device, serverURL, username string, create bool) {
	t.Helper()
	ctx := context.Background()
	handle, err := d.manager.Initialize(ctx, localOwner, serverURL)
	require.NoError(t, err)
	require.NotEmpty(t, handle)
	if create {
		require.NoError(t, d.manager.CreateAccount(ctx, localOwner, username, "password-1"))
	}
	logged, err := d.manager.Login(ctx, localOwner, username, "password-1")
	require.NoError(t, err)
	require.True(t, logged)
}

func syncOK(t *testing.T, d *device) {
	t.Helper()
	status, err := d.manager.Sync(context.Background(), localOwner)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status.Status, status.Message)
}

func TestSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	httpServer := newRemoteServer(t)
	laptop := newDevice(t, "laptop", baseTime, nil)
	connect(t, laptop, httpServer.URL, "alice", true)

	noteID, err := laptop.notes.Create(ctx, localOwner, "t", "c", nil)
	require.NoError(t, err)

	syncOK(t, laptop)
	first, err := laptop.notes.Get(ctx, localOwner, noteID)
	require.NoError(t, err)
	require.False(t, first.Dirty())
	require.Equal(t, int64(1), *first.RemoteRevision)

	syncOK(t, laptop)
	second, err := laptop.notes.Get(ctx, localOwner, noteID)
	require.NoError(t, err)
	require.Equal(t, first.Revision, second.Revision)
	require.Equal(t, first.SyncedRevision, second.SyncedRevision)
	require.Equal(t, *first.RemoteRevision, *second.RemoteRevision)

	status, err := laptop.manager.Status(ctx, localOwner)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status.Status)
	require.True(t, status.LoggedIn)
	require.NotZero(t, status.LastSyncAtMs)
}

func TestSyncNewerLocalEditWinsAndKeepsRemoteCopy(t *testing.T) {
	ctx := context.Background()
	httpServer := newRemoteServer(t)
	laptop := newDevice(t, "laptop", baseTime.Add(time.Hour), nil)
	phone := newDevice(t, "phone", baseTime, nil)
	connect(t, laptop, httpServer.URL, "alice", true)
	connect(t, phone, httpServer.URL, "alice", false)

	noteID, err := laptop.notes.Create(ctx, localOwner, "title", "original", nil)
	require.NoError(t, err)
	syncOK(t, laptop)
	syncOK(t, phone)

	_, err = phone.notes.Update(ctx, localOwner, noteID, "title", "from phone")
	require.NoError(t, err)
	syncOK(t, phone)

	_, err = laptop.notes.Update(ctx, localOwner, noteID, "title", "from laptop")
	require.NoError(t, err)
	syncOK(t, laptop)

	kept, err := laptop.notes.Get(ctx, localOwner, noteID)
	require.NoError(t, err)
	require.Equal(t, "from laptop", kept.Content)
	require.False(t, kept.Dirty())
	require.Equal(t, int64(3), *kept.RemoteRevision)

	copies, err := laptop.notes.ListConflictCopies(ctx, localOwner, &noteID)
	require.NoError(t, err)
	require.Len(t, copies, 1)
	require.Equal(t, "from phone", copies[0].Content)

	syncOK(t, phone)
	pulled, err := phone.notes.Get(ctx, localOwner, noteID)
	require.NoError(t, err)
	require.Equal(t, "from laptop", pulled.Content)
}

func TestSyncNewerRemoteEditWinsAndKeepsLocalCopy(t *testing.T) {
	ctx := context.Background()
	httpServer := newRemoteServer(t)
	laptop := newDevice(t, "laptop", baseTime, nil)
	phone := newDevice(t, "phone", baseTime.Add(time.Hour), nil)
	connect(t, laptop, httpServer.URL, "alice", true)
	connect(t, phone, httpServer.URL, "alice", false)

	noteID, err := laptop.notes.Create(ctx, localOwner, "title", "original", nil)
	require.NoError(t, err)
	syncOK(t, laptop)
	syncOK(t, phone)

	_, err = phone.notes.Update(ctx, localOwner, noteID, "title", "from phone")
	require.NoError(t, err)
	syncOK(t, phone)

	_, err = laptop.notes.Update(ctx, localOwner, noteID, "title", "from laptop")
	require.NoError(t, err)
	syncOK(t, laptop)

	adopted, err := laptop.notes.Get(ctx, localOwner, noteID)
	require.NoError(t, err)
	require.Equal(t, "from phone", adopted.Content)
	require.False(t, adopted.Dirty())

	copies, err := laptop.notes.ListConflictCopies(ctx, localOwner, &noteID)
	require.NoError(t, err)
	require.Len(t, copies, 1)
	require.Equal(t, "from laptop", copies[0].Content)
}

func TestSyncPropagatesDeletionAndPurges(t *testing.T) {
	ctx := context.Background()
	httpServer := newRemoteServer(t)
	laptop := newDevice(t, "laptop", baseTime, nil)
	phone := newDevice(t, "phone", baseTime, nil)
	connect(t, laptop, httpServer.URL, "alice", true)
	connect(t, phone, httpServer.URL, "alice", false)

	noteID, err := laptop.notes.Create(ctx, localOwner, "title", "body", nil)
	require.NoError(t, err)
	syncOK(t, laptop)
	syncOK(t, phone)

	require.NoError(t, laptop.notes.Delete(ctx, localOwner, noteID))
	pending, err := laptop.notes.PendingChanges(ctx, localOwner)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.True(t, pending[0].Deleted)

	syncOK(t, laptop)
	pending, err = laptop.notes.PendingChanges(ctx, localOwner)
	require.NoError(t, err)
	require.Empty(t, pending)

	syncOK(t, phone)
	_, err = phone.notes.Get(ctx, localOwner, noteID)
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSyncNewerEditOutlivesRemoteDeletion(t *testing.T) {
	ctx := context.Background()
	httpServer := newRemoteServer(t)
	laptop := newDevice(t, "laptop", baseTime, nil)
	phone := newDevice(t, "phone", baseTime.Add(time.Hour), nil)
	connect(t, laptop, httpServer.URL, "alice", true)
	connect(t, phone, httpServer.URL, "alice", false)

	noteID, err := laptop.notes.Create(ctx, localOwner, "title", "body", nil)
	require.NoError(t, err)
	syncOK(t, laptop)
	syncOK(t, phone)

	require.NoError(t, laptop.notes.Delete(ctx, localOwner, noteID))
	syncOK(t, laptop)

	_, err = phone.notes.Update(ctx, localOwner, noteID, "title", "still needed")
	require.NoError(t, err)
	syncOK(t, phone)

	syncOK(t, laptop)
	revived, err := laptop.notes.Get(ctx, localOwner, noteID)
	require.NoError(t, err)
	require.Equal(t, "still needed", revived.Content)
}

func TestOfflineKeepsLocalEditsPending(t *testing.T) {
	ctx := context.Background()
	httpServer := newRemoteServer(t)
	laptop := newDevice(t, "laptop", baseTime, nil)
	connect(t, laptop, httpServer.URL, "alice", true)

	noteID, err := laptop.notes.Create(ctx, localOwner, "title", "body", nil)
	require.NoError(t, err)
	syncOK(t, laptop)

	httpServer.Close()

	reachable, err := laptop.manager.CheckConnectivity(ctx, localOwner, "")
	require.NoError(t, err)
	require.False(t, reachable)
	status, err := laptop.manager.Status(ctx, localOwner)
	require.NoError(t, err)
	require.Equal(t, StatusOffline, status.Status)

	_, err = laptop.notes.Update(ctx, localOwner, noteID, "title", "offline edit")
	require.NoError(t, err)

	status, err = laptop.manager.Sync(ctx, localOwner)
	require.NoError(t, err)
	require.Equal(t, StatusOffline, status.Status)

	pending, err := laptop.notes.PendingChanges(ctx, localOwner)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "offline edit", pending[0].Content)
}

func TestSyncRequiresInitializeAndLogin(t *testing.T) {
	ctx := context.Background()
	httpServer := newRemoteServer(t)
	laptop := newDevice(t, "laptop", baseTime, nil)

	_, err := laptop.manager.Sync(ctx, localOwner)
	require.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))

	_, err = laptop.manager.Initialize(ctx, localOwner, "ftp://example.com")
	require.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))

	_, err = laptop.manager.Initialize(ctx, localOwner, httpServer.URL+"/")
	require.NoError(t, err)
	_, err = laptop.manager.Sync(ctx, localOwner)
	require.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))

	_, err = laptop.manager.Login(ctx, localOwner, "nobody", "password-1")
	require.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))

	require.NoError(t, laptop.manager.CreateAccount(ctx, localOwner, "alice", "password-1"))
	err = laptop.manager.CreateAccount(ctx, localOwner, "alice", "password-1")
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestCheckConnectivityWithoutProfile(t *testing.T) {
	ctx := context.Background()
	httpServer := newRemoteServer(t)
	laptop := newDevice(t, "laptop", baseTime, nil)

	reachable, err := laptop.manager.CheckConnectivity(ctx, "", httpServer.URL)
	require.NoError(t, err)
	require.True(t, reachable)

	reachable, err = laptop.manager.CheckConnectivity(ctx, "", "http://127.0.0.1:1")
	require.NoError(t, err)
	require.False(t, reachable)

	_, err = laptop.manager.CheckConnectivity(ctx, "", "")
	require.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

// pushHookClient runs beforePush once, just before the first push leaves the device.
type pushHookClient struct {
	RemoteClient
	once       sync.Once
	beforePush func()
}

func (c *pushHookClient) Push(ctx context.Context, serverURL, token string, request remote.PushRequest) (remote.PushResponse, error) {
	c.once.Do(c.beforePush)
	return c.RemoteClient.Push(ctx, serverURL, token, request)
}

func TestNoteDeletedDuringFirstPushStaysDeleted(t *testing.T) {
	ctx := context.Background()
	httpServer := newRemoteServer(t)
	client := &pushHookClient{RemoteClient: NewHTTPClient(nil)}
	laptop := newDevice(t, "laptop", baseTime, client)
	phone := newDevice(t, "phone", baseTime, nil)
	connect(t, laptop, httpServer.URL, "alice", true)
	connect(t, phone, httpServer.URL, "alice", false)

	noteID, err := laptop.notes.Create(ctx, localOwner, "t", "c", nil)
	require.NoError(t, err)
	client.beforePush = func() {
		require.NoError(t, laptop.notes.Delete(ctx, localOwner, noteID))
	}

	syncOK(t, laptop)
	_, err = laptop.notes.Get(ctx, localOwner, noteID)
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	syncOK(t, laptop)
	_, err = laptop.notes.Get(ctx, localOwner, noteID)
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	pending, err := laptop.notes.PendingChanges(ctx, localOwner)
	require.NoError(t, err)
	require.Empty(t, pending)

	syncOK(t, phone)
	_, err = phone.notes.Get(ctx, localOwner, noteID)
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestServerOnlySeesSealedContent(t *testing.T) {
	ctx := context.Background()
	httpServer := newRemoteServer(t)
	laptop := newDevice(t, "laptop", baseTime, nil)
	phone := newDevice(t, "phone", baseTime, nil)
	connect(t, laptop, httpServer.URL, "alice", true)
	connect(t, phone, httpServer.URL, "alice", false)

	noteID, err := laptop.notes.Create(ctx, localOwner, "plans", "meet at noon", nil)
	require.NoError(t, err)
	syncOK(t, laptop)

	client := NewHTTPClient(nil)
	token, err := client.Login(ctx, httpServer.URL, "alice", "password-1")
	require.NoError(t, err)
	require.NotEmpty(t, token.WrappedKey)
	page, err := client.Changes(ctx, httpServer.URL, token.AccessToken, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Notes, 1)
	require.Equal(t, "plans", page.Notes[0].Title)
	require.NotEmpty(t, page.Notes[0].Content)
	require.NotContains(t, page.Notes[0].Content, "noon")

	syncOK(t, phone)
	pulled, err := phone.notes.Get(ctx, localOwner, noteID)
	require.NoError(t, err)
	require.Equal(t, "meet at noon", pulled.Content)
}

func TestLockedProfileCannotSync(t *testing.T) {
	ctx := context.Background()
	httpServer := newRemoteServer(t)
	laptop := newDevice(t, "laptop", baseTime, nil)
	connect(t, laptop, httpServer.URL, "alice", true)

	laptop.keys.Lock(localOwner)

	status, err := laptop.manager.Sync(ctx, localOwner)
	require.NoError(t, err)
	require.Equal(t, StatusError, status.Status)
	require.Equal(t, errProfileLocked.Error(), status.Message)

	_, err = laptop.manager.Login(ctx, localOwner, "alice", "password-1")
	require.Equal(t, "syncer.login.profile_locked", apperr.CodeOf(err))
	err = laptop.manager.CreateAccount(ctx, localOwner, "bob", "password-1")
	require.Equal(t, "syncer.create_account.profile_locked", apperr.CodeOf(err))
}
