package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/notto/internal/apperr"
	"github.com/MarcoPoloResearchLab/notto/internal/notes"
	"github.com/MarcoPoloResearchLab/notto/internal/remote"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	pullPageSize  = 200
	pushBatchSize = 100
)

var (
	errNotInitialized = errors.New("sync is not initialized for this profile")
	errNotLoggedIn    = errors.New("sync login required")
	errTokenExpired   = errors.New("remote session expired")
	errUnreachable    = errors.New("sync server unreachable")
	errStreamClosed   = errors.New("change stream closed")
)

// NoteStore is the slice of the note repository the engine reconciles against.
type NoteStore interface {
	PendingChanges(ctx context.Context, owner string) ([]notes.Note, error)
	ApplySync(ctx context.Context, owner, noteID string, decide func(local *notes.Note) (notes.SyncMutation, error)) error
	MarkPushed(ctx context.Context, owner, noteID string, pushedRevision, remoteRevision int64, tombstone bool) error
}

// Timing bounds the background loops of an engine.
type Timing struct {
	Interval       time.Duration
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	Watch          bool
}

// Engine synchronizes the notes of one local user.
type Engine struct {
	userID string
	notes  NoteStore
	keys   KeySource
	client RemoteClient
	states stateStore
	timing Timing
	clock  func() time.Time
	logger *zap.Logger

	flight singleflight.Group
	nudges chan struct{}
}

func newEngine(userID string, store NoteStore, keys KeySource, client RemoteClient, states stateStore, timing Timing, clock func() time.Time, logger *zap.Logger) *Engine {
	return &Engine{
		userID: userID,
		notes:  store,
		keys:   keys,
		client: client,
		states: states,
		timing: timing,
		clock:  clock,
		logger: logger.With(zap.String("user_id", userID)),
		nudges: make(chan struct{}, 1),
	}
}

// Sync runs one reconciliation. Callers arriving while a run is in flight
// share its result instead of starting another.
func (e *Engine) Sync(ctx context.Context) (StatusView, error) {
	result, err, _ := e.flight.Do(e.userID, func() (any, error) {
		return e.run(ctx)
	})
	if err != nil {
		return StatusView{}, err
	}
	return result.(StatusView), nil
}

// Nudge asks the sync loop for an early run.
func (e *Engine) Nudge() {
	select {
	case e.nudges <- struct{}{}:
	default:
	}
}

func (e *Engine) run(ctx context.Context) (StatusView, error) {
	state, err := e.states.load(ctx, e.userID)
	if err != nil {
		return StatusView{}, err
	}
	if state.ServerURL == "" {
		return StatusView{}, apperr.InvalidInput(opSync, "not_initialized", errNotInitialized)
	}
	if state.RemoteToken == "" {
		return StatusView{}, apperr.Unauthenticated(opSync, "not_logged_in", errNotLoggedIn)
	}
	if state.RemoteTokenExpiresAtMs > 0 && e.nowMs() >= state.RemoteTokenExpiresAtMs {
		failed, saveErr := e.setStatus(ctx, StatusError, errTokenExpired.Error(), false)
		if saveErr != nil {
			return StatusView{}, saveErr
		}
		return failed.view(), nil
	}
	accountKey, keyErr := e.accountKey(state)
	if keyErr != nil {
		e.logger.Warn("sync blocked", zap.Error(keyErr))
		failed, saveErr := e.setStatus(ctx, StatusError, keyErr.Error(), false)
		if saveErr != nil {
			return StatusView{}, saveErr
		}
		return failed.view(), nil
	}

	if _, err := e.setStatus(ctx, StatusSyncing, "", false); err != nil {
		return StatusView{}, err
	}

	syncErr := e.reconcileAll(ctx, state, accountKey)
	if syncErr == nil {
		done, err := e.setStatus(ctx, StatusSuccess, "", true)
		if err != nil {
			return StatusView{}, err
		}
		return done.view(), nil
	}

	// the run's own context may be gone; the outcome is still recorded
	recordCtx := context.WithoutCancel(ctx)
	status, message := StatusError, syncErr.Error()
	switch {
	case errors.Is(syncErr, context.Canceled) || errors.Is(syncErr, context.DeadlineExceeded):
		status, message = StatusIdle, "sync cancelled"
	case apperr.Is(syncErr, apperr.KindUnavailable):
		status, message = StatusOffline, errUnreachable.Error()
	case apperr.Is(syncErr, apperr.KindUnauthenticated):
		message = errTokenExpired.Error()
	}
	e.logger.Warn("sync failed", zap.String("status", string(status)), zap.Error(syncErr))
	failed, err := e.setStatus(recordCtx, status, message, false)
	if err != nil {
		return StatusView{}, err
	}
	return failed.view(), nil
}

func (e *Engine) reconcileAll(ctx context.Context, state SyncState, accountKey []byte) error {
	if err := e.pull(ctx, state, accountKey); err != nil {
		return err
	}
	rejected, err := e.push(ctx, state, accountKey)
	if err != nil {
		return err
	}
	if len(rejected) == 0 {
		return nil
	}
	// one retry for changes that lost a push race and were reconciled since
	retried, err := e.push(ctx, state, accountKey)
	if err != nil {
		return err
	}
	if len(retried) > 0 {
		e.logger.Info("push conflicts deferred to next run", zap.Int("count", len(retried)))
	}
	return nil
}

func (e *Engine) pull(ctx context.Context, state SyncState, accountKey []byte) error {
	cursor := state.Cursor
	for {
		page, err := e.client.Changes(ctx, state.ServerURL, state.RemoteToken, cursor, pullPageSize)
		if err != nil {
			return err
		}
		for _, incoming := range page.Notes {
			if err := e.applyRemote(ctx, accountKey, incoming); err != nil {
				return err
			}
		}
		if page.NextSince != cursor {
			cursor = page.NextSince
			if _, err := e.states.update(ctx, e.userID, e.nowMs(), func(s *SyncState) { s.Cursor = cursor }); err != nil {
				return err
			}
		}
		if !page.HasMore {
			return nil
		}
	}
}

func (e *Engine) applyRemote(ctx context.Context, accountKey []byte, incoming remote.NotePayload) error {
	opened, err := openPayload(accountKey, incoming)
	if err != nil {
		return apperr.Internal(opSync, "decrypt_failed", err)
	}
	return e.notes.ApplySync(ctx, e.userID, opened.NoteID, func(local *notes.Note) (notes.SyncMutation, error) {
		return reconcile(local, opened, e.nowMs()), nil
	})
}

// push uploads pending changes and returns the ids the server rejected.
func (e *Engine) push(ctx context.Context, state SyncState, accountKey []byte) ([]string, error) {
	pending, err := e.notes.PendingChanges(ctx, e.userID)
	if err != nil {
		return nil, err
	}
	rejected := make([]string, 0)
	for start := 0; start < len(pending); start += pushBatchSize {
		end := min(start+pushBatchSize, len(pending))
		batch := pending[start:end]

		request := remote.PushRequest{Device: state.DeviceID, Changes: make([]remote.NotePayload, 0, len(batch))}
		for _, note := range batch {
			payload, err := sealPayload(accountKey, toPayload(note))
			if err != nil {
				return nil, apperr.Internal(opSync, "encrypt_failed", err)
			}
			request.Changes = append(request.Changes, payload)
		}
		response, err := e.client.Push(ctx, state.ServerURL, state.RemoteToken, request)
		if err != nil {
			return nil, err
		}
		for index, result := range response.Results {
			local := batch[index]
			if result.Accepted {
				if err := e.notes.MarkPushed(ctx, e.userID, local.ID, local.Revision, result.Note.Revision, local.Deleted); err != nil {
					return nil, err
				}
				continue
			}
			rejected = append(rejected, local.ID)
			if err := e.applyRemote(ctx, accountKey, result.Note); err != nil {
				return nil, err
			}
		}
	}
	return rejected, nil
}

func toPayload(note notes.Note) remote.NotePayload {
	base := int64(0)
	if note.RemoteRevision != nil {
		base = *note.RemoteRevision
	}
	return remote.NotePayload{
		NoteID:       note.ID,
		BaseRevision: base,
		FolderID:     note.FolderID,
		Title:        note.Title,
		Content:      note.Content,
		CreatedAtMs:  note.CreatedAtMs,
		UpdatedAtMs:  note.UpdatedAtMs,
		Deleted:      note.Deleted,
		DeletedAtMs:  note.DeletedAtMs,
	}
}

// accountKey unseals the account content key stored at login.
func (e *Engine) accountKey(state SyncState) ([]byte, error) {
	masterKey, err := e.keys.MasterKey(e.userID)
	if err != nil {
		return nil, errProfileLocked
	}
	accountKey, err := openAccountKey(masterKey, state.AccountKey)
	if err != nil {
		return nil, errMissingAccountKey
	}
	return accountKey, nil
}

// CheckHealth checks the server and moves the profile into or out of offline.
func (e *Engine) CheckHealth(ctx context.Context, serverURL string) bool {
	checkCtx, cancel := context.WithTimeout(ctx, e.timing.HealthTimeout)
	defer cancel()
	err := e.client.Health(checkCtx, serverURL)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		e.logger.Debug("health check failed", zap.Error(err))
		if _, saveErr := e.setStatus(ctx, StatusOffline, errUnreachable.Error(), false); saveErr != nil {
			e.logger.Error("failed to record offline status", zap.Error(saveErr))
		}
		return false
	}
	state, loadErr := e.states.load(ctx, e.userID)
	if loadErr == nil && state.Status == StatusOffline {
		if _, saveErr := e.setStatus(ctx, StatusIdle, "", false); saveErr != nil {
			e.logger.Error("failed to record idle status", zap.Error(saveErr))
		}
	}
	return true
}

// Run drives the sync timer, the health check and the change watcher until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return e.syncLoop(groupCtx) })
	group.Go(func() error { return e.healthLoop(groupCtx) })
	if e.timing.Watch {
		group.Go(func() error { return e.watchLoop(groupCtx) })
	}
	return group.Wait()
}

func (e *Engine) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.timing.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-e.nudges:
		}
		if _, err := e.Sync(ctx); err != nil && ctx.Err() == nil {
			e.logger.Debug("scheduled sync skipped", zap.Error(err))
		}
	}
}

func (e *Engine) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.timing.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		state, err := e.states.load(ctx, e.userID)
		if err != nil || state.ServerURL == "" {
			continue
		}
		if e.CheckHealth(ctx, state.ServerURL) {
			continue
		}
		err = retry.Do(ctx, e.backoff(), func(ctx context.Context) error {
			if e.CheckHealth(ctx, state.ServerURL) {
				return nil
			}
			return retry.RetryableError(errUnreachable)
		})
		if err != nil {
			return nil
		}
		e.Nudge()
	}
}

func (e *Engine) watchLoop(ctx context.Context) error {
	_ = retry.Do(ctx, e.backoff(), func(ctx context.Context) error {
		state, err := e.states.load(ctx, e.userID)
		if err != nil {
			return retry.RetryableError(err)
		}
		if state.RemoteToken == "" {
			return nil
		}
		err = e.client.Watch(ctx, state.ServerURL, state.RemoteToken, func(event remote.EventPayload) {
			if event.Type == remote.EventNoteChanged && event.Device != state.DeviceID {
				e.Nudge()
			}
		})
		if ctx.Err() != nil || apperr.Is(err, apperr.KindUnauthenticated) {
			return nil
		}
		if err == nil {
			err = errStreamClosed
		}
		return retry.RetryableError(err)
	})
	return nil
}

func (e *Engine) backoff() retry.Backoff {
	backoff := retry.NewExponential(e.timing.BackoffBase)
	backoff = retry.WithJitterPercent(10, backoff)
	return retry.WithCappedDuration(e.timing.BackoffMax, backoff)
}

// Status reports the persisted state.
func (e *Engine) Status(ctx context.Context) (StatusView, error) {
	state, err := e.states.load(ctx, e.userID)
	if err != nil {
		return StatusView{}, err
	}
	return state.view(), nil
}

func (e *Engine) setStatus(ctx context.Context, status Status, message string, succeeded bool) (SyncState, error) {
	now := e.nowMs()
	return e.states.update(ctx, e.userID, now, func(s *SyncState) {
		s.Status = status
		s.Message = message
		if succeeded {
			s.LastSyncAtMs = now
		}
	})
}

func (e *Engine) nowMs() int64 {
	return e.clock().UTC().UnixMilli()
}
