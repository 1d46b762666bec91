package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notto/internal/auth"
	"github.com/MarcoPoloResearchLab/notto/internal/database"
	"github.com/MarcoPoloResearchLab/notto/internal/notes"
	"github.com/MarcoPoloResearchLab/notto/internal/remote"
	"github.com/MarcoPoloResearchLab/notto/internal/server"
	"github.com/MarcoPoloResearchLab/notto/internal/syncer"
	"github.com/MarcoPoloResearchLab/notto/internal/users"
	"github.com/MarcoPoloResearchLab/notto/internal/vault"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func testHasher() *auth.Hasher {
	return auth.NewHasher(auth.PasswordParams{MemoryKiB: 64, Iterations: 1, Parallelism: 1}, 2)
}

func newRemoteServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenServer(database.DriverSQLite, filepath.Join(t.TempDir(), "remote.db"), nil)
	require.NoError(t, err)
	service, err := remote.NewService(remote.ServiceConfig{
		Database:   db,
		IDProvider: notes.NewUUIDProvider(),
		Hasher:     testHasher(),
	})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("gateway-test-secret"),
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

// newInstallation wires one local core the way cmd/notto does.
func newInstallation(t *testing.T) *Gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "notto.db"), nil)
	require.NoError(t, err)

	store, err := users.NewStore(users.StoreConfig{Database: db})
	require.NoError(t, err)
	hasher := testHasher()
	keys := vault.NewKeyring()
	authService, err := auth.NewService(auth.ServiceConfig{
		Store:      store,
		Hasher:     hasher,
		IDProvider: notes.NewUUIDProvider(),
		Keys:       keys,
	})
	require.NoError(t, err)
	noteService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		IDProvider: notes.NewUUIDProvider(),
		Keys:       keys,
	})
	require.NoError(t, err)
	manager, err := syncer.NewManager(syncer.ManagerConfig{
		Database: db,
		Notes:    noteService,
		Keys:     keys,
		Deriver:  hasher,
		Timing: syncer.Timing{
			Interval:       time.Hour,
			HealthInterval: time.Hour,
			HealthTimeout:  time.Second,
			BackoffBase:    10 * time.Millisecond,
			BackoffMax:     50 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	g, err := New(Config{Auth: authService, Notes: noteService, Sync: manager})
	require.NoError(t, err)
	return g
}

func dispatch(t *testing.T, g *Gateway, name string, payload any) (any, error) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return g.Dispatch(context.Background(), name, raw)
}

func mustDispatch(t *testing.T, g *Gateway, name string, payload any) any {
	t.Helper()
	result, err := dispatch(t, g, name, payload)
	require.NoError(t, err, "command %s", name)
	return result
}

// signIn registers username locally and makes it the active profile.
func signIn(t *testing.T, g *Gateway, username string) string {
	t.Helper()
	mustDispatch(t, g, "register", map[string]string{"username": username, "password": "local-password"})
	result := mustDispatch(t, g, "login", map[string]string{"username": username, "password": "local-password"})
	login, ok := result.(auth.LoginResult)
	require.True(t, ok)
	require.NotEmpty(t, login.Token)
	return login.Token
}
