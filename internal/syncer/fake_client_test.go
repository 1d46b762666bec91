package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notto/internal/remote"
	"github.com/MarcoPoloResearchLab/notto/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	token   remote.TokenPayload
	changes func(since int64) (remote.ChangesResponse, error)
	push    func(call int, request remote.PushRequest) (remote.PushResponse, error)

	mu         sync.Mutex
	accountKey []byte

	events  chan remote.EventPayload
	offline atomic.Bool

	changeCalls atomic.Int64
	pushCalls   atomic.Int64
}

func (f *fakeClient) CreateAccount(context.Context, string, string, string, remote.KeyEnvelope) error {
	return nil
}

// Login hands out a fresh account key wrapped under password on every call.
func (f *fakeClient) Login(ctx context.Context, _ string, _ string, password string) (remote.TokenPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accountKey == nil {
		key, err := vault.NewKey()
		if err != nil {
			return remote.TokenPayload{}, err
		}
		f.accountKey = key
	}
	envelope, err := newEnvelope(ctx, testHasher, password, f.accountKey)
	if err != nil {
		return remote.TokenPayload{}, err
	}
	token := f.token
	token.KeySalt = envelope.KeySalt
	token.WrappedKey = envelope.WrappedKey
	return token, nil
}

// seal encrypts content the way another device of the account would.
func (f *fakeClient) seal(t *testing.T, content string) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotNil(t, f.accountKey)
	sealed, err := vault.SealString(f.accountKey, content)
	require.NoError(t, err)
	return sealed
}

func (f *fakeClient) Push(_ context.Context, _ string, _ string, request remote.PushRequest) (remote.PushResponse, error) {
	call := int(f.pushCalls.Add(1))
	if f.push == nil {
		return remote.PushResponse{}, errors.New("unexpected push")
	}
	return f.push(call, request)
}

func (f *fakeClient) Changes(_ context.Context, _ string, _ string, since int64, _ int) (remote.ChangesResponse, error) {
	f.changeCalls.Add(1)
	if f.changes == nil {
		return remote.ChangesResponse{NextSince: since}, nil
	}
	return f.changes(since)
}

func (f *fakeClient) Health(context.Context, string) error {
	if f.offline.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeClient) Watch(ctx context.Context, _ string, _ string, handle func(remote.EventPayload)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-f.events:
			handle(event)
		}
	}
}

func TestConcurrentSyncRequestsShareOneRun(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	client := &fakeClient{
		token: remote.TokenPayload{AccessToken: "token", ExpiresIn: 3600},
		changes: func(since int64) (remote.ChangesResponse, error) {
			once.Do(func() { close(entered) })
			<-release
			return remote.ChangesResponse{NextSince: since}, nil
		},
	}
	laptop := newDevice(t, "laptop", baseTime, client)
	connect(t, laptop, "http://sync.example.com", "alice", false)

	var wg sync.WaitGroup
	results := make([]StatusView, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		status, err := laptop.manager.Sync(ctx, localOwner)
		assert.NoError(t, err)
		results[0] = status
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		status, err := laptop.manager.Sync(ctx, localOwner)
		assert.NoError(t, err)
		results[1] = status
	}()

	require.Eventually(t, func() bool {
		status, err := laptop.manager.Status(ctx, localOwner)
		return err == nil && status.Status == StatusSyncing
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int64(1), client.changeCalls.Load())
	require.Equal(t, StatusSuccess, results[0].Status)
	require.Equal(t, results[0], results[1])
}

func TestRejectedPushIsReconciledAndRetried(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{token: remote.TokenPayload{AccessToken: "token", ExpiresIn: 3600}}
	laptop := newDevice(t, "laptop", baseTime.Add(time.Hour), client)
	connect(t, laptop, "http://sync.example.com", "alice", false)

	noteID, err := laptop.notes.Create(ctx, localOwner, "title", "mine", nil)
	require.NoError(t, err)

	client.push = func(call int, request remote.PushRequest) (remote.PushResponse, error) {
		change := request.Changes[0]
		switch call {
		case 1:
			require.Equal(t, int64(0), change.BaseRevision)
			require.NotEqual(t, "mine", change.Content)
			current := remote.NotePayload{NoteID: change.NoteID, Revision: 4, Title: "title", Content: client.seal(t, "theirs"), UpdatedAtMs: baseTime.UnixMilli()}
			return remote.PushResponse{Results: []remote.PushResult{{NoteID: change.NoteID, Accepted: false, Note: current}}, LatestSeq: 4}, nil
		case 2:
			require.Equal(t, int64(4), change.BaseRevision)
			accepted := change
			accepted.Revision = 5
			return remote.PushResponse{Results: []remote.PushResult{{NoteID: change.NoteID, Accepted: true, Note: accepted}}, LatestSeq: 5}, nil
		}
		return remote.PushResponse{}, errors.New("too many pushes")
	}

	syncOK(t, laptop)
	require.Equal(t, int64(2), client.pushCalls.Load())

	stored, err := laptop.notes.Get(ctx, localOwner, noteID)
	require.NoError(t, err)
	require.Equal(t, "mine", stored.Content)
	require.False(t, stored.Dirty())
	require.Equal(t, int64(5), *stored.RemoteRevision)

	copies, err := laptop.notes.ListConflictCopies(ctx, localOwner, &noteID)
	require.NoError(t, err)
	require.Len(t, copies, 1)
	require.Equal(t, "theirs", copies[0].Content)
}

func TestExpiredRemoteTokenReportsError(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{token: remote.TokenPayload{AccessToken: "token", ExpiresIn: 60}}
	laptop := newDevice(t, "laptop", baseTime, client)
	connect(t, laptop, "http://sync.example.com", "alice", false)

	laptop.clock.Advance(2 * time.Minute)

	status, err := laptop.manager.Sync(ctx, localOwner)
	require.NoError(t, err)
	require.Equal(t, StatusError, status.Status)
	require.Equal(t, errTokenExpired.Error(), status.Message)
	require.Zero(t, client.changeCalls.Load())

	_, err = laptop.manager.Login(ctx, localOwner, "alice", "password-1")
	require.NoError(t, err)
	status, err = laptop.manager.Status(ctx, localOwner)
	require.NoError(t, err)
	require.Equal(t, StatusIdle, status.Status)
}

func TestInitializeWithNewServerDropsRemoteSession(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{token: remote.TokenPayload{AccessToken: "token", ExpiresIn: 3600}}
	laptop := newDevice(t, "laptop", baseTime, client)
	connect(t, laptop, "http://sync.example.com", "alice", false)

	handle, err := laptop.manager.Initialize(ctx, localOwner, "http://sync.example.com")
	require.NoError(t, err)
	status, err := laptop.manager.Status(ctx, localOwner)
	require.NoError(t, err)
	require.True(t, status.LoggedIn)

	again, err := laptop.manager.Initialize(ctx, localOwner, "https://other.example.com")
	require.NoError(t, err)
	require.Equal(t, handle, again)
	status, err = laptop.manager.Status(ctx, localOwner)
	require.NoError(t, err)
	require.False(t, status.LoggedIn)
	require.Equal(t, "https://other.example.com", status.ServerURL)
}

func TestHealthRecoveryLeavesOfflineAndSyncs(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{token: remote.TokenPayload{AccessToken: "token", ExpiresIn: 3600}}
	client.offline.Store(true)
	laptop := newDeviceWithTiming(t, "laptop", baseTime, client, Timing{
		Interval:       time.Hour,
		HealthInterval: 20 * time.Millisecond,
		HealthTimeout:  time.Second,
		BackoffBase:    10 * time.Millisecond,
		BackoffMax:     40 * time.Millisecond,
	})
	connect(t, laptop, "http://sync.example.com", "alice", false)

	require.Eventually(t, func() bool {
		status, err := laptop.manager.Status(ctx, localOwner)
		return err == nil && status.Status == StatusOffline
	}, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, client.changeCalls.Load())

	client.offline.Store(false)
	require.Eventually(t, func() bool {
		status, err := laptop.manager.Status(ctx, localOwner)
		return err == nil && status.Status == StatusSuccess && client.changeCalls.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestChangeEventFromAnotherDeviceNudgesSync(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		token:  remote.TokenPayload{AccessToken: "token", ExpiresIn: 3600},
		events: make(chan remote.EventPayload),
	}
	laptop := newDeviceWithTiming(t, "laptop", baseTime, client, Timing{
		Interval:       time.Hour,
		HealthInterval: time.Hour,
		HealthTimeout:  time.Second,
		BackoffBase:    10 * time.Millisecond,
		BackoffMax:     40 * time.Millisecond,
		Watch:          true,
	})
	connect(t, laptop, "http://sync.example.com", "alice", false)
	state, err := laptop.manager.states.load(ctx, localOwner)
	require.NoError(t, err)

	client.events <- remote.EventPayload{Type: remote.EventNoteChanged, Device: state.DeviceID, NoteIDs: []string{"n1"}}
	client.events <- remote.EventPayload{Type: remote.EventHeartbeat}
	require.Never(t, func() bool {
		return client.changeCalls.Load() > 0
	}, 100*time.Millisecond, 10*time.Millisecond)

	client.events <- remote.EventPayload{Type: remote.EventNoteChanged, Device: "phone", NoteIDs: []string{"n1"}}
	require.Eventually(t, func() bool {
		return client.changeCalls.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCheckingAnotherServerLeavesProfileStatus(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{token: remote.TokenPayload{AccessToken: "token", ExpiresIn: 3600}}
	laptop := newDevice(t, "laptop", baseTime, client)
	connect(t, laptop, "http://sync.example.com", "alice", false)
	syncOK(t, laptop)

	client.offline.Store(true)
	reachable, err := laptop.manager.CheckConnectivity(ctx, localOwner, "http://other.example.com")
	require.NoError(t, err)
	require.False(t, reachable)
	status, err := laptop.manager.Status(ctx, localOwner)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status.Status)

	reachable, err = laptop.manager.CheckConnectivity(ctx, localOwner, "http://sync.example.com/")
	require.NoError(t, err)
	require.False(t, reachable)
	status, err = laptop.manager.Status(ctx, localOwner)
	require.NoError(t, err)
	require.Equal(t, StatusOffline, status.Status)

	client.offline.Store(false)
	reachable, err = laptop.manager.CheckConnectivity(ctx, localOwner, "http://other.example.com")
	require.NoError(t, err)
	require.True(t, reachable)
	status, err = laptop.manager.Status(ctx, localOwner)
	require.NoError(t, err)
	require.Equal(t, StatusOffline, status.Status)
}
