// Package gateway maps named commands onto the local services and turns
// service errors into failures safe to show a client.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/notto/internal/apperr"
	"github.com/MarcoPoloResearchLab/notto/internal/auth"
	"github.com/MarcoPoloResearchLab/notto/internal/notes"
	"github.com/MarcoPoloResearchLab/notto/internal/syncer"
	"go.uber.org/zap"
)

const (
	opDispatch = "gateway.dispatch"
	opOwner    = "gateway.owner"
)

var (
	errMissingAuth    = errors.New("auth service is required")
	errMissingNotes   = errors.New("note service is required")
	errMissingSync    = errors.New("sync manager is required")
	errUnknownCommand = errors.New("unknown command")
	errNoProfile      = errors.New("no active profile")
	errMissingToken   = errors.New("session token is required")
)

// AuthService is the slice of the auth service the gateway dispatches to.
type AuthService interface {
	Register(ctx context.Context, username, password string) (auth.RegisterResult, error)
	Login(ctx context.Context, username, password string) (auth.LoginResult, error)
	VerifyTotpLogin(ctx context.Context, challenge, code string) (auth.LoginResult, error)
	VerifySessionToken(ctx context.Context, token string) (string, error)
	Logout(ctx context.Context, userID string) error
	SetupTotp(ctx context.Context, token string) (auth.TotpSetup, error)
	VerifyTotpSetup(ctx context.Context, token, secret, code string) (bool, error)
	RecoverAccount(ctx context.Context, username, phrase, newPassword string) error
	ChangePassword(ctx context.Context, token, oldPassword, newPassword string) error
}

// NoteService is the slice of the note repository the gateway dispatches to.
type NoteService interface {
	Create(ctx context.Context, owner, title, content string, folderID *string) (string, error)
	Get(ctx context.Context, owner, noteID string) (notes.Note, error)
	Update(ctx context.Context, owner, noteID, title, content string) (notes.Note, error)
	Delete(ctx context.Context, owner, noteID string) error
	List(ctx context.Context, owner string, folderID *string) ([]string, error)
	ListSummaries(ctx context.Context, owner string, folderID *string) ([]notes.Summary, error)
	CreateFolder(ctx context.Context, owner, name string, parentID *string) (string, error)
	ListFolders(ctx context.Context, owner string) ([]notes.Folder, error)
	MoveFolder(ctx context.Context, owner, folderID string, parentID *string) error
	DeleteFolder(ctx context.Context, owner, folderID string) error
	ListConflictCopies(ctx context.Context, owner string, noteID *string) ([]notes.ConflictCopy, error)
	RestoreConflictCopy(ctx context.Context, owner, copyID string) (string, error)
	DiscardConflictCopy(ctx context.Context, owner, copyID string) error
}

// SyncService is the slice of the sync manager the gateway dispatches to.
type SyncService interface {
	Initialize(ctx context.Context, owner, serverURL string) (string, error)
	CreateAccount(ctx context.Context, owner, username, password string) error
	Login(ctx context.Context, owner, username, password string) (bool, error)
	Sync(ctx context.Context, owner string) (syncer.StatusView, error)
	Status(ctx context.Context, owner string) (syncer.StatusView, error)
	CheckConnectivity(ctx context.Context, owner, serverURL string) (bool, error)
	Stop(owner string)
}

// Config describes the dependencies of the gateway.
type Config struct {
	Auth   AuthService
	Notes  NoteService
	Sync   SyncService
	Logger *zap.Logger
}

// Gateway dispatches commands. It remembers the local active profile, which is
// separate from the sync identity held by the sync manager.
type Gateway struct {
	auth   AuthService
	notes  NoteService
	sync   SyncService
	logger *zap.Logger

	mu     sync.RWMutex
	active string
}

// New constructs a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Auth == nil {
		return nil, errMissingAuth
	}
	if cfg.Notes == nil {
		return nil, errMissingNotes
	}
	if cfg.Sync == nil {
		return nil, errMissingSync
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{auth: cfg.Auth, notes: cfg.Notes, sync: cfg.Sync, logger: logger}, nil
}

// Commands lists the command names in sorted order.
func Commands() []string {
	names := make([]string, 0, len(commandTable))
	for name := range commandTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch decodes payload for the named command and runs it.
func (g *Gateway) Dispatch(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	handler, ok := commandTable[strings.TrimSpace(name)]
	if !ok {
		return nil, apperr.NotFound(opDispatch, "unknown_command", fmt.Errorf("%w: %q", errUnknownCommand, name))
	}
	result, err := handler(ctx, g, payload)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			g.logger.Error("command failed", zap.String("command", name), zap.String("code", apperr.CodeOf(err)), zap.Error(err))
		} else {
			g.logger.Debug("command rejected", zap.String("command", name), zap.String("code", apperr.CodeOf(err)))
		}
		return nil, err
	}
	return result, nil
}

// ActiveProfile reports the local user commands run as when they carry no token.
func (g *Gateway) ActiveProfile() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

func (g *Gateway) setActive(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = userID
}

func (g *Gateway) clearActive(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == userID {
		g.active = ""
	}
}

// owner resolves an explicit session token, falling back to the active profile.
func (g *Gateway) owner(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) != "" {
		return g.auth.VerifySessionToken(ctx, token)
	}
	if active := g.ActiveProfile(); active != "" {
		return active, nil
	}
	return "", apperr.Unauthenticated(opOwner, "no_active_profile", errNoProfile)
}

// Failure is the client-visible form of an error.
type Failure struct {
	Kind    apperr.Kind `json:"error"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

var failureMessages = map[apperr.Kind]string{
	apperr.KindInvalidInput:    "the request is invalid",
	apperr.KindUnauthenticated: "authentication required",
	apperr.KindNotFound:        "not found",
	apperr.KindConflict:        "the request conflicts with stored state",
	apperr.KindUnavailable:     "the sync server is unavailable",
	apperr.KindInternal:        "internal error",
}

// Translate converts err into a Failure without exposing its cause.
func Translate(err error) Failure {
	kind := apperr.KindOf(err)
	code := apperr.CodeOf(err)
	if kind == apperr.KindInternal || code == "" {
		code = string(kind)
	}
	return Failure{Kind: kind, Code: code, Message: failureMessages[kind]}
}
