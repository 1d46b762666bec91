package syncer

import (
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notto/internal/auth"
	"github.com/MarcoPoloResearchLab/notto/internal/notes"
	"github.com/MarcoPoloResearchLab/notto/internal/remote"
	"github.com/MarcoPoloResearchLab/notto/internal/server"
	"github.com/MarcoPoloResearchLab/notto/internal/vault"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const localOwner = "local-user"

var testHasher = auth.NewHasher(auth.PasswordParams{MemoryKiB: 64, Iterations: 1, Parallelism: 1}, 2)

type sequentialIDs struct {
	prefix string
	next   atomic.Int64
}

func (p *sequentialIDs) NewID() (string, error) {
	return fmt.Sprintf("%s-%03d", p.prefix, p.next.Add(1)), nil
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *steppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRemoteServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "remote.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(remote.Models()...))

	service, err := remote.NewService(remote.ServiceConfig{
		Database:   db,
		IDProvider: &sequentialIDs{prefix: "acct"},
		Hasher:     testHasher,
	})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("sync-test-secret"),
		Issuer:        "notto-server",
		Audience:      "notto-sync",
		TokenTTL:      time.Hour,
	})
	require.NoError(t, err)
	handler, err := server.NewHTTPHandler(server.Dependencies{TokenManager: issuer, RemoteService: service})
	require.NoError(t, err)

	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return httpServer
}

// device is one installation with its own store, keyring, clock and sync manager.
type device struct {
	notes   *notes.Service
	keys    *vault.Keyring
	manager *Manager
	clock   *steppingClock
}

func newDevice(t *testing.T, name string, start time.Time, client RemoteClient) *device {
	t.Helper()
	return newDeviceWithTiming(t, name, start, client, Timing{
		Interval:       time.Hour,
		HealthInterval: time.Hour,
		HealthTimeout:  time.Second,
		BackoffBase:    10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	})
}

func newDeviceWithTiming(t *testing.T, name string, start time.Time, client RemoteClient, timing Timing) *device {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), name+".db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(append(notes.Models(), Models()...)...))

	masterKey, err := vault.NewKey()
	require.NoError(t, err)
	keys := vault.NewKeyring()
	keys.Unlock(localOwner, masterKey)

	clock := &steppingClock{now: start}
	store, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequentialIDs{prefix: name},
		Keys:       keys,
	})
	require.NoError(t, err)

	manager, err := NewManager(ManagerConfig{
		Database: db,
		Notes:    store,
		Keys:     keys,
		Deriver:  testHasher,
		Client:   client,
		Clock:    clock.Now,
		Timing:   timing,
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	return &device{notes: store, keys: keys, manager: manager, clock: clock}
}
