package users

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/MarcoPoloResearchLab/notto/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opStoreNew              = "users.store.new"
	opPutUser               = "users.put_user"
	opGetUserByUsername     = "users.get_user_by_username"
	opGetUserByID           = "users.get_user_by_id"
	opPutSession            = "users.put_session"
	opGetSession            = "users.get_session"
	opDeleteSession         = "users.delete_session"
	opDeleteSessionsForUser = "users.delete_sessions_for_user"
	opRotateCredentials     = "users.rotate_credentials"
	opPutChallenge          = "users.put_challenge"
	opGetChallenge          = "users.get_challenge"
	opFailChallenge         = "users.fail_challenge"
	opCompleteChallenge     = "users.complete_challenge"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errChallengeSpent   = errors.New("login challenge was already used or exhausted")
	errTotpStepReplayed = errors.New("totp code was already accepted")
)

// StoreConfig describes the dependencies of the credential store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store persists users and sessions.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs a credential store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, apperr.Internal(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// HashToken returns the storage key for a raw session token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// PutUser inserts or replaces a user. A username held by another id is a conflict.
func (s *Store) PutUser(ctx context.Context, user User) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.putUser(tx, opPutUser, user)
	})
}

// RotateCredentials saves user and revokes its sessions except keepTokens in
// one transaction, so a new password never coexists with old sessions.
func (s *Store) RotateCredentials(ctx context.Context, user User, keepTokens ...string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.putUser(tx, opRotateCredentials, user); err != nil {
			return err
		}
		return s.deleteSessions(tx, opRotateCredentials, user.ID, keepTokens)
	})
}

func (s *Store) putUser(tx *gorm.DB, operation string, user User) error {
	var holder User
	err := tx.Where("username = ?", user.Username).Take(&holder).Error
	switch {
	case err == nil && holder.ID != user.ID:
		return apperr.Conflict(operation, "username_taken", nil)
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		s.logError(operation, "lookup_failed", err, zap.String("user_id", user.ID))
		return apperr.Internal(operation, "lookup_failed", err)
	}
	if err := tx.Save(&user).Error; err != nil {
		s.logError(operation, "save_failed", err, zap.String("user_id", user.ID))
		return apperr.Internal(operation, "save_failed", err)
	}
	return nil
}

// GetUserByUsername loads a user by exact username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&user).Error
	if err != nil {
		return User{}, s.translateLookup(opGetUserByUsername, err)
	}
	return user, nil
}

// GetUserByID loads a user by id.
func (s *Store) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if err != nil {
		return User{}, s.translateLookup(opGetUserByID, err)
	}
	return user, nil
}

// PutSession records a session keyed by the hash of token.
func (s *Store) PutSession(ctx context.Context, token string, session Session) error {
	session.TokenHash = HashToken(token)
	if err := s.db.WithContext(ctx).Save(&session).Error; err != nil {
		s.logError(opPutSession, "save_failed", err, zap.String("user_id", session.UserID))
		return apperr.Internal(opPutSession, "save_failed", err)
	}
	return nil
}

// GetSession loads the session for a raw token.
func (s *Store) GetSession(ctx context.Context, token string) (Session, error) {
	var session Session
	err := s.db.WithContext(ctx).Where("token_hash = ?", HashToken(token)).Take(&session).Error
	if err != nil {
		return Session{}, s.translateLookup(opGetSession, err)
	}
	return session, nil
}

// DeleteSession removes the session for a raw token. Missing sessions are not an error.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	err := s.db.WithContext(ctx).Where("token_hash = ?", HashToken(token)).Delete(&Session{}).Error
	if err != nil {
		s.logError(opDeleteSession, "delete_failed", err)
		return apperr.Internal(opDeleteSession, "delete_failed", err)
	}
	return nil
}

// DeleteSessionsForUser removes every session of userID, optionally sparing one token.
func (s *Store) DeleteSessionsForUser(ctx context.Context, userID string, keepTokens ...string) error {
	return s.deleteSessions(s.db.WithContext(ctx), opDeleteSessionsForUser, userID, keepTokens)
}

func (s *Store) deleteSessions(tx *gorm.DB, operation, userID string, keepTokens []string) error {
	query := tx.Where("user_id = ?", userID)
	if len(keepTokens) > 0 {
		hashes := make([]string, 0, len(keepTokens))
		for _, token := range keepTokens {
			hashes = append(hashes, HashToken(token))
		}
		query = query.Where("token_hash NOT IN ?", hashes)
	}
	if err := query.Delete(&Session{}).Error; err != nil {
		s.logError(operation, "delete_failed", err, zap.String("user_id", userID))
		return apperr.Internal(operation, "delete_failed", err)
	}
	return nil
}

// PutChallenge records a pending second-factor login and drops challenges
// that expired before it was issued.
func (s *Store) PutChallenge(ctx context.Context, challenge LoginChallenge) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("expires_at_ms < ?", challenge.IssuedAtMs).Delete(&LoginChallenge{}).Error; err != nil {
			s.logError(opPutChallenge, "cleanup_failed", err)
			return apperr.Internal(opPutChallenge, "cleanup_failed", err)
		}
		if err := tx.Create(&challenge).Error; err != nil {
			s.logError(opPutChallenge, "save_failed", err, zap.String("user_id", challenge.UserID))
			return apperr.Internal(opPutChallenge, "save_failed", err)
		}
		return nil
	})
}

// GetChallenge loads a challenge by id.
func (s *Store) GetChallenge(ctx context.Context, challengeID string) (LoginChallenge, error) {
	var challenge LoginChallenge
	err := s.db.WithContext(ctx).Where("id = ?", challengeID).Take(&challenge).Error
	if err != nil {
		return LoginChallenge{}, s.translateLookup(opGetChallenge, err)
	}
	return challenge, nil
}

// FailChallenge counts one rejected code and returns the new total.
func (s *Store) FailChallenge(ctx context.Context, challengeID string) (int, error) {
	var attempts int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&LoginChallenge{}).
			Where("id = ?", challengeID).
			Update("failed_attempts", gorm.Expr("failed_attempts + 1"))
		if result.Error != nil {
			s.logError(opFailChallenge, "update_failed", result.Error)
			return apperr.Internal(opFailChallenge, "update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return apperr.NotFound(opFailChallenge, "missing", nil)
		}
		var challenge LoginChallenge
		if err := tx.Where("id = ?", challengeID).Take(&challenge).Error; err != nil {
			return apperr.Internal(opFailChallenge, "query_failed", err)
		}
		attempts = challenge.FailedAttempts
		return nil
	})
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

// CompleteChallenge consumes a challenge that is unspent and has fewer than
// maxFailures failed attempts. A positive totpStep must be later than the
// last step accepted for the user and becomes the new last step.
func (s *Store) CompleteChallenge(ctx context.Context, challengeID, userID string, maxFailures int, totpStep, nowMs int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&LoginChallenge{}).
			Where("id = ? AND user_id = ? AND consumed_at_ms = 0 AND failed_attempts < ?", challengeID, userID, maxFailures).
			Update("consumed_at_ms", nowMs)
		if result.Error != nil {
			s.logError(opCompleteChallenge, "update_failed", result.Error, zap.String("user_id", userID))
			return apperr.Internal(opCompleteChallenge, "update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return apperr.Conflict(opCompleteChallenge, "challenge_spent", errChallengeSpent)
		}
		if totpStep <= 0 {
			return nil
		}
		return s.advanceTotpStep(tx, userID, totpStep, nowMs)
	})
}

// advanceTotpStep records totpStep as the last accepted step of userID when it
// is later than the stored one and fails with a conflict otherwise.
func (s *Store) advanceTotpStep(tx *gorm.DB, userID string, totpStep, nowMs int64) error {
	result := tx.Model(&User{}).
		Where("id = ? AND last_totp_step < ?", userID, totpStep).
		Updates(map[string]any{"last_totp_step": totpStep, "updated_at_ms": nowMs})
	if result.Error != nil {
		s.logError(opCompleteChallenge, "update_failed", result.Error, zap.String("user_id", userID))
		return apperr.Internal(opCompleteChallenge, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.Conflict(opCompleteChallenge, "totp_step_replayed", errTotpStepReplayed)
	}
	return nil
}

func (s *Store) translateLookup(operation string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(operation, "missing", err)
	}
	s.logError(operation, "query_failed", err)
	return apperr.Internal(operation, "query_failed", err)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("credential store failure", allFields...)
}
