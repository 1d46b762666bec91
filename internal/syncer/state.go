package syncer

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/notto/internal/apperr"
	"gorm.io/gorm"
)

// Status is the observable sync state of one local profile.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// SyncState is the persisted sync identity and progress of one local user.
// Only the sync engine writes it. AccountKey is sealed under the profile's master key.
type SyncState struct {
	UserID                 string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Status                 Status `gorm:"column:status;size:16;not null;default:'idle'"`
	Message                string `gorm:"column:message;type:text;not null;default:''"`
	LastSyncAtMs           int64  `gorm:"column:last_sync_at_ms;not null;default:0"`
	ServerURL              string `gorm:"column:server_url;size:2048;not null;default:''"`
	RemoteUsername         string `gorm:"column:remote_username;size:255;not null;default:''"`
	RemoteToken            string `gorm:"column:remote_token;type:text;not null;default:''"`
	RemoteTokenExpiresAtMs int64  `gorm:"column:remote_token_expires_at_ms;not null;default:0"`
	AccountKey             string `gorm:"column:account_key;type:text;not null;default:''"`
	Cursor                 int64  `gorm:"column:feed_cursor;not null;default:0"`
	DeviceID               string `gorm:"column:device_id;size:190;not null;default:''"`
	EngineHandle           string `gorm:"column:engine_handle;size:190;not null;default:''"`
	UpdatedAtMs            int64  `gorm:"column:updated_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncState) TableName() string {
	return "sync_states"
}

// Models lists the persisted sync types for schema migration.
func Models() []any {
	return []any{&SyncState{}}
}

// StatusView is the read-only projection returned to callers.
type StatusView struct {
	Status         Status `json:"status"`
	Message        string `json:"message,omitempty"`
	LastSyncAtMs   int64  `json:"last_sync_at_ms,omitempty"`
	ServerURL      string `json:"server_url,omitempty"`
	RemoteUsername string `json:"remote_username,omitempty"`
	LoggedIn       bool   `json:"logged_in"`
}

func (s SyncState) view() StatusView {
	status := s.Status
	if status == "" {
		status = StatusIdle
	}
	return StatusView{
		Status:         status,
		Message:        s.Message,
		LastSyncAtMs:   s.LastSyncAtMs,
		ServerURL:      s.ServerURL,
		RemoteUsername: s.RemoteUsername,
		LoggedIn:       s.RemoteToken != "",
	}
}

type stateStore struct {
	db *gorm.DB
}

func (s stateStore) load(ctx context.Context, userID string) (SyncState, error) {
	var state SyncState
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncState{UserID: userID, Status: StatusIdle}, nil
	}
	if err != nil {
		return SyncState{}, apperr.Internal(opLoadState, reasonQueryFailed, err)
	}
	return state, nil
}

// update applies mutate to the stored state, creating it when absent.
func (s stateStore) update(ctx context.Context, userID string, nowMs int64, mutate func(*SyncState)) (SyncState, error) {
	var result SyncState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state := SyncState{UserID: userID, Status: StatusIdle}
		err := tx.Where("user_id = ?", userID).Take(&state).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		mutate(&state)
		state.UserID = userID
		state.UpdatedAtMs = nowMs
		if err := tx.Save(&state).Error; err != nil {
			return err
		}
		result = state
		return nil
	})
	if err != nil {
		return SyncState{}, apperr.Internal(opSaveState, reasonWriteFailed, err)
	}
	return result, nil
}

func (s stateStore) listLoggedIn(ctx context.Context) ([]SyncState, error) {
	states := make([]SyncState, 0)
	err := s.db.WithContext(ctx).
		Where("remote_token <> '' AND server_url <> ''").
		Order("user_id ASC").
		Find(&states).Error
	if err != nil {
		return nil, apperr.Internal(opRestore, reasonQueryFailed, err)
	}
	return states, nil
}
