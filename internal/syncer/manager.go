package syncer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notto/internal/apperr"
	"github.com/MarcoPoloResearchLab/notto/internal/remote"
	"github.com/MarcoPoloResearchLab/notto/internal/vault"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opManagerNew    = "syncer.manager.new"
	opInitialize    = "syncer.initialize"
	opCreateAccount = "syncer.create_account"
	opLogin         = "syncer.login"
	opSync          = "syncer.sync"
	opConnectivity  = "syncer.check_connectivity"
	opLoadState     = "syncer.load_state"
	opSaveState     = "syncer.save_state"
	opRestore       = "syncer.restore"

	reasonQueryFailed = "query_failed"
	reasonWriteFailed = "write_failed"

	defaultInterval       = 30 * time.Second
	defaultHealthInterval = 15 * time.Second
	defaultHealthTimeout  = 5 * time.Second
	defaultBackoffBase    = 2 * time.Second
	defaultBackoffMax     = 5 * time.Minute
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingNotes    = errors.New("note store is required")
	errMissingOwner    = errors.New("local profile is required")
	errMissingUsername = errors.New("remote username is required")
)

// ManagerConfig describes the dependencies of the sync manager.
type ManagerConfig struct {
	Database *gorm.DB
	Notes    NoteStore
	Keys     KeySource
	Deriver  KeyDeriver
	Client   RemoteClient
	Timing   Timing
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Manager owns one engine per local profile and their background loops.
type Manager struct {
	notes   NoteStore
	keys    KeySource
	deriver KeyDeriver
	client  RemoteClient
	states  stateStore
	timing  Timing
	clock   func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	engines map[string]*Engine
	running map[string]*runningEngine
}

type runningEngine struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager constructs a Manager. Zero timing values take defaults.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Database == nil {
		return nil, apperr.Internal(opManagerNew, "missing_database", errMissingDatabase)
	}
	if cfg.Notes == nil {
		return nil, apperr.Internal(opManagerNew, "missing_notes", errMissingNotes)
	}
	if cfg.Keys == nil {
		return nil, apperr.Internal(opManagerNew, "missing_keys", errMissingKeys)
	}
	if cfg.Deriver == nil {
		return nil, apperr.Internal(opManagerNew, "missing_deriver", errMissingDeriver)
	}
	client := cfg.Client
	if client == nil {
		client = NewHTTPClient(nil)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		notes:   cfg.Notes,
		keys:    cfg.Keys,
		deriver: cfg.Deriver,
		client:  client,
		states:  stateStore{db: cfg.Database},
		timing:  withDefaults(cfg.Timing),
		clock:   clock,
		logger:  logger,
		engines: make(map[string]*Engine),
		running: make(map[string]*runningEngine),
	}, nil
}

func withDefaults(timing Timing) Timing {
	if timing.Interval <= 0 {
		timing.Interval = defaultInterval
	}
	if timing.HealthInterval <= 0 {
		timing.HealthInterval = defaultHealthInterval
	}
	if timing.HealthTimeout <= 0 {
		timing.HealthTimeout = defaultHealthTimeout
	}
	if timing.BackoffBase <= 0 {
		timing.BackoffBase = defaultBackoffBase
	}
	if timing.BackoffMax <= 0 {
		timing.BackoffMax = defaultBackoffMax
	}
	return timing
}

// Initialize stores the server address of owner's profile and returns the engine handle.
// Changing the address drops the remote session and restarts the change feed.
func (m *Manager) Initialize(ctx context.Context, owner, serverURL string) (string, error) {
	if strings.TrimSpace(owner) == "" {
		return "", apperr.Unauthenticated(opInitialize, "missing_owner", errMissingOwner)
	}
	normalized, err := NormalizeServerURL(serverURL)
	if err != nil {
		return "", err
	}

	changedServer := false
	state, err := m.states.update(ctx, owner, m.nowMs(), func(s *SyncState) {
		if s.ServerURL != normalized {
			changedServer = s.ServerURL != ""
			s.ServerURL = normalized
			s.RemoteUsername = ""
			s.RemoteToken = ""
			s.RemoteTokenExpiresAtMs = 0
			s.AccountKey = ""
			s.Cursor = 0
		}
		if s.DeviceID == "" {
			s.DeviceID = uuid.NewString()
		}
		if s.EngineHandle == "" {
			s.EngineHandle = uuid.NewString()
		}
		if s.Status == StatusSyncing || s.Status == "" {
			s.Status = StatusIdle
		}
	})
	if err != nil {
		return "", err
	}
	if changedServer {
		m.stop(owner)
	}
	m.engine(owner)
	m.logger.Info("sync initialized", zap.String("user_id", owner), zap.String("server_url", normalized))
	return state.EngineHandle, nil
}

// CreateAccount registers the sync identity on owner's configured server. A
// fresh account content key travels along, sealed under the sync password.
func (m *Manager) CreateAccount(ctx context.Context, owner, username, password string) error {
	state, err := m.initializedState(ctx, opCreateAccount, owner)
	if err != nil {
		return err
	}
	if strings.TrimSpace(username) == "" {
		return apperr.InvalidInput(opCreateAccount, "invalid_username", errMissingUsername)
	}
	if _, err := m.masterKey(opCreateAccount, owner); err != nil {
		return err
	}
	accountKey, err := vault.NewKey()
	if err != nil {
		return apperr.Internal(opCreateAccount, "key_generation_failed", err)
	}
	envelope, err := newEnvelope(ctx, m.deriver, password, accountKey)
	if err != nil {
		return apperr.Internal(opCreateAccount, "seal_failed", err)
	}
	return m.client.CreateAccount(ctx, state.ServerURL, strings.TrimSpace(username), password, envelope)
}

// Login obtains a remote token for owner's profile, unwraps the account
// content key and starts background sync.
func (m *Manager) Login(ctx context.Context, owner, username, password string) (bool, error) {
	state, err := m.initializedState(ctx, opLogin, owner)
	if err != nil {
		return false, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return false, apperr.InvalidInput(opLogin, "invalid_username", errMissingUsername)
	}
	masterKey, err := m.masterKey(opLogin, owner)
	if err != nil {
		return false, err
	}
	token, err := m.client.Login(ctx, state.ServerURL, username, password)
	if err != nil {
		return false, err
	}
	accountKey, err := openEnvelope(ctx, m.deriver, password, remote.KeyEnvelope{KeySalt: token.KeySalt, WrappedKey: token.WrappedKey})
	if err != nil {
		return false, apperr.Internal(opLogin, "account_key_unavailable", err)
	}
	storedKey, err := sealAccountKey(masterKey, accountKey)
	if err != nil {
		return false, apperr.Internal(opLogin, "seal_failed", err)
	}

	now := m.nowMs()
	_, err = m.states.update(ctx, owner, now, func(s *SyncState) {
		if s.RemoteUsername != username {
			s.Cursor = 0
		}
		s.RemoteUsername = username
		s.RemoteToken = token.AccessToken
		s.AccountKey = storedKey
		s.RemoteTokenExpiresAtMs = 0
		if token.ExpiresIn > 0 {
			s.RemoteTokenExpiresAtMs = now + token.ExpiresIn*int64(time.Second/time.Millisecond)
		}
		if s.Status == StatusError {
			s.Status = StatusIdle
			s.Message = ""
		}
	})
	if err != nil {
		return false, err
	}
	m.start(owner)
	return true, nil
}

// Sync runs one reconciliation for owner, joining a run already in flight.
func (m *Manager) Sync(ctx context.Context, owner string) (StatusView, error) {
	if strings.TrimSpace(owner) == "" {
		return StatusView{}, apperr.Unauthenticated(opSync, "missing_owner", errMissingOwner)
	}
	return m.engine(owner).Sync(ctx)
}

// Status reports owner's sync state.
func (m *Manager) Status(ctx context.Context, owner string) (StatusView, error) {
	if strings.TrimSpace(owner) == "" {
		return StatusView{Status: StatusIdle}, nil
	}
	return m.engine(owner).Status(ctx)
}

// CheckConnectivity checks serverURL, or owner's configured server when empty.
// Only a check of the configured server moves the profile into or out of offline.
func (m *Manager) CheckConnectivity(ctx context.Context, owner, serverURL string) (bool, error) {
	configured := ""
	if strings.TrimSpace(owner) != "" {
		state, err := m.states.load(ctx, owner)
		if err != nil {
			return false, err
		}
		configured = state.ServerURL
	}
	if strings.TrimSpace(serverURL) == "" {
		if strings.TrimSpace(owner) == "" {
			return false, apperr.InvalidInput(opConnectivity, "missing_server_url", errNotInitialized)
		}
		if configured == "" {
			return false, apperr.InvalidInput(opConnectivity, "not_initialized", errNotInitialized)
		}
		serverURL = configured
	}
	normalized, err := NormalizeServerURL(serverURL)
	if err != nil {
		return false, err
	}
	if configured != "" && normalized == configured {
		return m.engine(owner).CheckHealth(ctx, normalized), nil
	}
	checkCtx, cancel := context.WithTimeout(ctx, m.timing.HealthTimeout)
	defer cancel()
	return m.client.Health(checkCtx, normalized) == nil, nil
}

// Restore starts background sync for every profile holding a remote session.
func (m *Manager) Restore(ctx context.Context) error {
	states, err := m.states.listLoggedIn(ctx)
	if err != nil {
		return err
	}
	for _, state := range states {
		if state.Status == StatusSyncing {
			if _, err := m.states.update(ctx, state.UserID, m.nowMs(), func(s *SyncState) { s.Status = StatusIdle }); err != nil {
				return err
			}
		}
		m.start(state.UserID)
	}
	return nil
}

// Stop ends owner's background loops and waits for an in-flight run to settle.
func (m *Manager) Stop(owner string) {
	m.stop(owner)
}

// Close stops every engine.
func (m *Manager) Close() {
	m.mu.Lock()
	owners := make([]string, 0, len(m.running))
	for owner := range m.running {
		owners = append(owners, owner)
	}
	m.mu.Unlock()
	for _, owner := range owners {
		m.stop(owner)
	}
}

func (m *Manager) initializedState(ctx context.Context, operation, owner string) (SyncState, error) {
	if strings.TrimSpace(owner) == "" {
		return SyncState{}, apperr.Unauthenticated(operation, "missing_owner", errMissingOwner)
	}
	state, err := m.states.load(ctx, owner)
	if err != nil {
		return SyncState{}, err
	}
	if state.ServerURL == "" {
		return SyncState{}, apperr.InvalidInput(operation, "not_initialized", errNotInitialized)
	}
	return state, nil
}

func (m *Manager) masterKey(operation, owner string) ([]byte, error) {
	key, err := m.keys.MasterKey(owner)
	if err != nil {
		return nil, apperr.Unauthenticated(operation, "profile_locked", err)
	}
	return key, nil
}

func (m *Manager) engine(owner string) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	engine, ok := m.engines[owner]
	if !ok {
		engine = newEngine(owner, m.notes, m.keys, m.client, m.states, m.timing, m.clock, m.logger)
		m.engines[owner] = engine
	}
	return engine
}

func (m *Manager) start(owner string) {
	engine := m.engine(owner)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[owner]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	running := &runningEngine{cancel: cancel, done: make(chan struct{})}
	m.running[owner] = running
	go func() {
		defer close(running.done)
		if err := engine.Run(ctx); err != nil {
			m.logger.Warn("sync loops stopped", zap.String("user_id", owner), zap.Error(err))
		}
	}()
}

func (m *Manager) stop(owner string) {
	m.mu.Lock()
	running, ok := m.running[owner]
	delete(m.running, owner)
	m.mu.Unlock()
	if !ok {
		return
	}
	running.cancel()
	<-running.done
}

func (m *Manager) nowMs() int64 {
	return m.clock().UTC().UnixMilli()
}
