package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/notto/internal/apperr"
	"github.com/MarcoPoloResearchLab/notto/internal/users"
	"github.com/MarcoPoloResearchLab/notto/internal/vault"
	"go.uber.org/zap"
)

const (
	minPasswordLength = 8
	maxUsernameLength = 255

	defaultSessionTTL   = 30 * 24 * time.Hour
	defaultTotpIssuer   = "Notto"
	challengeIssuerName = "notto"
	challengeAudience   = "notto-totp-challenge"
	challengeTTL        = 5 * time.Minute

	// MaxChallengeFailures is the number of rejected codes after which a login challenge is refused.
	MaxChallengeFailures = 5

	sessionKeyPurpose   = "notto-session-key"
	challengeKeyPurpose = "notto-challenge-key"
)

const (
	opServiceNew          = "auth.service.new"
	opRegister            = "auth.register"
	opLogin               = "auth.login"
	opVerifyTotpLogin     = "auth.verify_totp_login"
	opVerifySessionToken  = "auth.verify_session_token"
	opLogout              = "auth.logout"
	opSetupTotp           = "auth.setup_totp"
	opVerifyTotpSetup     = "auth.verify_totp_setup"
	opRecoverAccount      = "auth.recover_account"
	opChangePassword      = "auth.change_password"
	reasonBadCredentials  = "invalid_credentials"
	reasonInvalidSession  = "invalid_session"
	reasonExpiredSession  = "expired_session"
	reasonHashFailed      = "hash_failed"
	reasonRandomFailed    = "random_failed"
	reasonIDFailed        = "id_generation_failed"
	reasonInvalidPassword = "invalid_password"
	reasonInvalidCode     = "invalid_code"
	reasonChallenge       = "invalid_challenge"
	reasonMasterKey       = "master_key_unavailable"
)

var (
	errMissingStore       = errors.New("credential store is required")
	errMissingHasher      = errors.New("password hasher is required")
	errMissingIDProvider  = errors.New("id provider is required")
	errMissingKeys        = errors.New("key holder is required")
	errChallengeUsed      = errors.New("login challenge was already completed")
	errChallengeExhausted = errors.New("login challenge has too many failed attempts")
	errPasswordTooShort   = errors.New("password must be at least 8 characters")
	errUsernameLength     = errors.New("username must be between 1 and 255 characters")
	errTotpNotEnabled     = errors.New("totp is not enabled")
	errInvalidRecoveryKey = errors.New("recovery phrase does not match")
)

// CredentialStore is the persistence contract of the auth service.
type CredentialStore interface {
	PutUser(ctx context.Context, user users.User) error
	GetUserByUsername(ctx context.Context, username string) (users.User, error)
	GetUserByID(ctx context.Context, userID string) (users.User, error)
	PutSession(ctx context.Context, token string, session users.Session) error
	GetSession(ctx context.Context, token string) (users.Session, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteSessionsForUser(ctx context.Context, userID string, keepTokens ...string) error
	RotateCredentials(ctx context.Context, user users.User, keepTokens ...string) error
	PutChallenge(ctx context.Context, challenge users.LoginChallenge) error
	GetChallenge(ctx context.Context, challengeID string) (users.LoginChallenge, error)
	FailChallenge(ctx context.Context, challengeID string) (int, error)
	CompleteChallenge(ctx context.Context, challengeID, userID string, maxFailures int, totpStep, nowMs int64) error
}

// KeyHolder keeps the master keys of signed-in profiles.
type KeyHolder interface {
	Unlock(owner string, key []byte)
	Lock(owner string)
}

// PasswordHasher hashes and verifies secrets with a slow KDF.
type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(ctx context.Context, password, encoded string) (bool, error)
	Derive(ctx context.Context, secret, salt []byte) ([]byte, error)
}

// IDProvider issues user identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the auth service.
type ServiceConfig struct {
	Store           CredentialStore
	Hasher          PasswordHasher
	IDProvider      IDProvider
	Keys            KeyHolder
	ChallengeSecret []byte
	SessionTTL      time.Duration
	TotpIssuer      string
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Service implements registration, login, sessions, TOTP and recovery.
type Service struct {
	store      CredentialStore
	hasher     PasswordHasher
	idProvider IDProvider
	keys       KeyHolder
	challenges *TokenIssuer
	sessionTTL time.Duration
	totpIssuer string
	clock      func() time.Time
	logger     *zap.Logger
	dummyHash  string
	dummySalt  []byte
}

// RegisterResult carries the new user id and the one-time recovery phrase.
type RegisterResult struct {
	UserID         string `json:"user_id"`
	RecoveryPhrase string `json:"recovery_phrase"`
}

// LoginResult is either an issued session or a pending TOTP challenge.
type LoginResult struct {
	UserID       string `json:"user_id,omitempty"`
	Token        string `json:"token,omitempty"`
	ExpiresAtMs  int64  `json:"expires_at_ms,omitempty"`
	TotpRequired bool   `json:"totp_required"`
	Challenge    string `json:"challenge,omitempty"`
}

// TotpSetup is returned once by SetupTotp. BackupCodes are never retrievable again.
type TotpSetup struct {
	Secret      string   `json:"secret"`
	BackupCodes []string `json:"backup_codes"`
	QRCodeURI   string   `json:"qr_code_uri"`
}

// NewService constructs the auth service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, apperr.Internal(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Hasher == nil {
		return nil, apperr.Internal(opServiceNew, "missing_hasher", errMissingHasher)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.Internal(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Keys == nil {
		return nil, apperr.Internal(opServiceNew, "missing_keys", errMissingKeys)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	totpIssuer := cfg.TotpIssuer
	if totpIssuer == "" {
		totpIssuer = defaultTotpIssuer
	}

	secret := cfg.ChallengeSecret
	if len(secret) == 0 {
		generated, err := RandomSigningSecret()
		if err != nil {
			return nil, apperr.Internal(opServiceNew, reasonRandomFailed, err)
		}
		secret = generated
	}
	challenges, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: secret,
		Issuer:        challengeIssuerName,
		Audience:      challengeAudience,
		TokenTTL:      challengeTTL,
		Clock:         clock,
	})
	if err != nil {
		return nil, apperr.Internal(opServiceNew, "challenge_issuer_failed", err)
	}

	dummyHash, err := cfg.Hasher.Hash(context.Background(), "notto-unknown-user")
	if err != nil {
		return nil, apperr.Internal(opServiceNew, reasonHashFailed, err)
	}
	dummySalt, err := newSalt()
	if err != nil {
		return nil, apperr.Internal(opServiceNew, reasonRandomFailed, err)
	}

	return &Service{
		store:      cfg.Store,
		hasher:     cfg.Hasher,
		idProvider: cfg.IDProvider,
		keys:       cfg.Keys,
		challenges: challenges,
		sessionTTL: sessionTTL,
		totpIssuer: totpIssuer,
		clock:      clock,
		logger:     logger,
		dummyHash:  dummyHash,
		dummySalt:  dummySalt,
	}, nil
}

// Register creates a user and returns its recovery phrase exactly once. A new
// master key is sealed under the password and under the recovery phrase.
func (s *Service) Register(ctx context.Context, username, password string) (RegisterResult, error) {
	username = users.NormalizeUsername(username)
	if err := validateUsername(username); err != nil {
		return RegisterResult{}, apperr.InvalidInput(opRegister, "invalid_username", err)
	}
	if err := validatePassword(password); err != nil {
		return RegisterResult{}, apperr.InvalidInput(opRegister, reasonInvalidPassword, err)
	}
	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return RegisterResult{}, apperr.Conflict(opRegister, "username_taken", nil)
	} else if !apperr.Is(err, apperr.KindNotFound) {
		return RegisterResult{}, err
	}

	passwordHash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		s.logError(opRegister, reasonHashFailed, err)
		return RegisterResult{}, apperr.Internal(opRegister, reasonHashFailed, err)
	}
	phrase, err := newRecoveryPhrase()
	if err != nil {
		s.logError(opRegister, reasonRandomFailed, err)
		return RegisterResult{}, apperr.Internal(opRegister, reasonRandomFailed, err)
	}
	recoverySalt, err := newSalt()
	if err != nil {
		s.logError(opRegister, reasonRandomFailed, err)
		return RegisterResult{}, apperr.Internal(opRegister, reasonRandomFailed, err)
	}
	verifier, err := s.hasher.Derive(ctx, []byte(normalizePhrase(phrase)), recoverySalt)
	if err != nil {
		s.logError(opRegister, reasonHashFailed, err)
		return RegisterResult{}, apperr.Internal(opRegister, reasonHashFailed, err)
	}

	masterKey, err := vault.NewKey()
	if err != nil {
		s.logError(opRegister, reasonRandomFailed, err)
		return RegisterResult{}, apperr.Internal(opRegister, reasonRandomFailed, err)
	}
	passwordKeySalt, byPassword, err := s.sealMasterKey(ctx, password, masterKey)
	if err != nil {
		s.logError(opRegister, reasonMasterKey, err)
		return RegisterResult{}, apperr.Internal(opRegister, reasonMasterKey, err)
	}
	recoveryKeySalt, byRecovery, err := s.sealMasterKey(ctx, normalizePhrase(phrase), masterKey)
	if err != nil {
		s.logError(opRegister, reasonMasterKey, err)
		return RegisterResult{}, apperr.Internal(opRegister, reasonMasterKey, err)
	}

	userID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRegister, reasonIDFailed, err)
		return RegisterResult{}, apperr.Internal(opRegister, reasonIDFailed, err)
	}

	nowMs := s.clock().UTC().UnixMilli()
	user := users.User{
		ID:                  userID,
		Username:            username,
		PasswordHash:        passwordHash,
		RecoverySalt:        recoverySalt,
		RecoveryVerifier:    verifier,
		PasswordKeySalt:     passwordKeySalt,
		MasterKeyByPassword: byPassword,
		RecoveryKeySalt:     recoveryKeySalt,
		MasterKeyByRecovery: byRecovery,
		CreatedAtMs:         nowMs,
		UpdatedAtMs:         nowMs,
	}
	if err := s.store.PutUser(ctx, user); err != nil {
		return RegisterResult{}, err
	}

	s.logger.Info("user registered", zap.String("user_id", userID))
	return RegisterResult{UserID: userID, RecoveryPhrase: phrase}, nil
}

// Login verifies credentials. Unknown users and wrong passwords cost one full
// hash verification each and fail with the same error.
func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	username = users.NormalizeUsername(username)
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if !apperr.Is(err, apperr.KindNotFound) {
			return LoginResult{}, err
		}
		if _, verifyErr := s.hasher.Verify(ctx, password, s.dummyHash); verifyErr != nil && ctx.Err() != nil {
			return LoginResult{}, apperr.Internal(opLogin, reasonHashFailed, verifyErr)
		}
		return LoginResult{}, apperr.Unauthenticated(opLogin, reasonBadCredentials, nil)
	}

	matches, err := s.hasher.Verify(ctx, password, user.PasswordHash)
	if err != nil {
		s.logError(opLogin, reasonHashFailed, err, zap.String("user_id", user.ID))
		return LoginResult{}, apperr.Internal(opLogin, reasonHashFailed, err)
	}
	if !matches {
		return LoginResult{}, apperr.Unauthenticated(opLogin, reasonBadCredentials, nil)
	}

	masterKey, err := s.openMasterKey(ctx, password, user.PasswordKeySalt, user.MasterKeyByPassword)
	if err != nil {
		s.logError(opLogin, reasonMasterKey, err, zap.String("user_id", user.ID))
		return LoginResult{}, apperr.Internal(opLogin, reasonMasterKey, err)
	}

	if user.TotpEnabled() {
		return s.issueChallenge(ctx, user.ID, masterKey)
	}
	return s.issueSession(ctx, opLogin, user.ID, masterKey)
}

// VerifyTotpLogin completes a challenged login with a TOTP code or an unused
// backup code. A challenge completes once and is refused after
// MaxChallengeFailures rejected codes; a TOTP code is accepted once per user.
func (s *Service) VerifyTotpLogin(ctx context.Context, challenge, code string) (LoginResult, error) {
	claims, err := s.challenges.ParseToken(challenge)
	if err != nil {
		return LoginResult{}, apperr.Unauthenticated(opVerifyTotpLogin, reasonChallenge, err)
	}
	record, err := s.store.GetChallenge(ctx, users.HashToken(claims.ID))
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return LoginResult{}, apperr.Unauthenticated(opVerifyTotpLogin, reasonChallenge, err)
		}
		return LoginResult{}, err
	}
	switch {
	case record.UserID != claims.Subject:
		return LoginResult{}, apperr.Unauthenticated(opVerifyTotpLogin, reasonChallenge, nil)
	case record.ConsumedAtMs != 0:
		return LoginResult{}, apperr.Unauthenticated(opVerifyTotpLogin, "challenge_used", errChallengeUsed)
	case record.FailedAttempts >= MaxChallengeFailures:
		return LoginResult{}, apperr.Unauthenticated(opVerifyTotpLogin, "challenge_exhausted", errChallengeExhausted)
	}

	user, err := s.store.GetUserByID(ctx, record.UserID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return LoginResult{}, apperr.Unauthenticated(opVerifyTotpLogin, reasonChallenge, err)
		}
		return LoginResult{}, err
	}
	if !user.TotpEnabled() {
		return LoginResult{}, apperr.Unauthenticated(opVerifyTotpLogin, "totp_not_enabled", errTotpNotEnabled)
	}

	now := s.clock().UTC()
	if step, matched := matchTotpStep(code, user.TotpSecret, now); matched {
		err = s.store.CompleteChallenge(ctx, record.ID, user.ID, MaxChallengeFailures, step, now.UnixMilli())
	} else if remaining, consumed := consumeBackupCode(user.BackupCodeHashes(), code); consumed {
		err = s.store.CompleteChallenge(ctx, record.ID, user.ID, MaxChallengeFailures, 0, now.UnixMilli())
		if err == nil {
			user.TotpBackupCodes = users.EncodeCodes(remaining)
			user.UpdatedAtMs = now.UnixMilli()
			if err := s.store.PutUser(ctx, user); err != nil {
				return LoginResult{}, err
			}
			s.logger.Info("backup code consumed", zap.String("user_id", user.ID), zap.Int("remaining", len(remaining)))
		}
	} else {
		err = apperr.Unauthenticated(opVerifyTotpLogin, reasonInvalidCode, nil)
	}
	if err != nil {
		if apperr.Is(err, apperr.KindInternal) {
			return LoginResult{}, err
		}
		attempts, failErr := s.store.FailChallenge(ctx, record.ID)
		if failErr != nil {
			return LoginResult{}, failErr
		}
		s.logger.Info("totp code rejected", zap.String("user_id", user.ID), zap.Int("failed_attempts", attempts))
		return LoginResult{}, apperr.Unauthenticated(opVerifyTotpLogin, reasonInvalidCode, nil)
	}

	masterKey, err := vault.Open(vault.DeriveKey(challengeKeyPurpose, []byte(challenge)), record.WrappedKey)
	if err != nil {
		s.logError(opVerifyTotpLogin, reasonMasterKey, err, zap.String("user_id", user.ID))
		return LoginResult{}, apperr.Internal(opVerifyTotpLogin, reasonMasterKey, err)
	}
	return s.issueSession(ctx, opVerifyTotpLogin, user.ID, masterKey)
}

// VerifySessionToken resolves a token to its user and unlocks the user's
// master key. Expiry is fixed at issuance; expired sessions are removed when seen.
func (s *Service) VerifySessionToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", apperr.Unauthenticated(opVerifySessionToken, "missing_token", nil)
	}
	session, err := s.store.GetSession(ctx, token)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return "", apperr.Unauthenticated(opVerifySessionToken, reasonInvalidSession, nil)
		}
		return "", err
	}
	if s.clock().UTC().UnixMilli() >= session.ExpiresAtMs {
		if err := s.store.DeleteSession(ctx, token); err != nil {
			s.logError(opVerifySessionToken, "expired_cleanup_failed", err, zap.String("user_id", session.UserID))
		}
		return "", apperr.Unauthenticated(opVerifySessionToken, reasonExpiredSession, nil)
	}
	masterKey, err := vault.Open(vault.DeriveKey(sessionKeyPurpose, []byte(token)), session.WrappedKey)
	if err != nil {
		s.logError(opVerifySessionToken, reasonMasterKey, err, zap.String("user_id", session.UserID))
		return "", apperr.Unauthenticated(opVerifySessionToken, reasonInvalidSession, err)
	}
	s.keys.Unlock(session.UserID, masterKey)
	return session.UserID, nil
}

// Logout invalidates every session of userID and locks its master key. It is idempotent.
func (s *Service) Logout(ctx context.Context, userID string) error {
	if userID == "" {
		return apperr.InvalidInput(opLogout, "missing_user_id", nil)
	}
	if err := s.store.DeleteSessionsForUser(ctx, userID); err != nil {
		return err
	}
	s.keys.Lock(userID)
	s.logger.Info("user logged out", zap.String("user_id", userID))
	return nil
}

// SetupTotp stores a pending secret and backup codes, replacing any earlier pending setup.
func (s *Service) SetupTotp(ctx context.Context, token string) (TotpSetup, error) {
	user, err := s.sessionUser(ctx, token)
	if err != nil {
		return TotpSetup{}, err
	}
	key, err := generateTotpKey(s.totpIssuer, user.Username)
	if err != nil {
		s.logError(opSetupTotp, "generate_failed", err, zap.String("user_id", user.ID))
		return TotpSetup{}, apperr.Internal(opSetupTotp, "generate_failed", err)
	}
	codes, hashes, err := newBackupCodes()
	if err != nil {
		s.logError(opSetupTotp, reasonRandomFailed, err, zap.String("user_id", user.ID))
		return TotpSetup{}, apperr.Internal(opSetupTotp, reasonRandomFailed, err)
	}

	user.PendingTotpSecret = key.Secret()
	user.PendingBackupCodes = users.EncodeCodes(hashes)
	user.UpdatedAtMs = s.clock().UTC().UnixMilli()
	if err := s.store.PutUser(ctx, user); err != nil {
		return TotpSetup{}, err
	}

	return TotpSetup{Secret: key.Secret(), BackupCodes: codes, QRCodeURI: key.URL()}, nil
}

// VerifyTotpSetup activates the pending secret when secret matches it and code validates.
// The confirming code counts as used.
func (s *Service) VerifyTotpSetup(ctx context.Context, token, secret, code string) (bool, error) {
	user, err := s.sessionUser(ctx, token)
	if err != nil {
		return false, err
	}
	if user.PendingTotpSecret == "" || !constantTimeEqual(user.PendingTotpSecret, secret) {
		return false, nil
	}
	step, matched := matchTotpStep(code, user.PendingTotpSecret, s.clock())
	if !matched {
		return false, nil
	}

	user.TotpSecret = user.PendingTotpSecret
	user.TotpBackupCodes = user.PendingBackupCodes
	user.PendingTotpSecret = ""
	user.PendingBackupCodes = ""
	user.LastTotpStep = max(user.LastTotpStep, step)
	user.UpdatedAtMs = s.clock().UTC().UnixMilli()
	if err := s.store.PutUser(ctx, user); err != nil {
		return false, err
	}
	s.logger.Info("totp enabled", zap.String("user_id", user.ID))
	return true, nil
}

// RecoverAccount resets the password when phrase matches the stored verifier.
// The master key is resealed under the new password and every existing
// session is revoked in the same write.
func (s *Service) RecoverAccount(ctx context.Context, username, phrase, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return apperr.InvalidInput(opRecoverAccount, reasonInvalidPassword, err)
	}
	normalized := normalizePhrase(phrase)

	user, err := s.store.GetUserByUsername(ctx, users.NormalizeUsername(username))
	if err != nil {
		if !apperr.Is(err, apperr.KindNotFound) {
			return err
		}
		_, _ = s.hasher.Derive(ctx, []byte(normalized), s.dummySalt)
		return apperr.Unauthenticated(opRecoverAccount, reasonBadCredentials, nil)
	}

	candidate, err := s.hasher.Derive(ctx, []byte(normalized), user.RecoverySalt)
	if err != nil {
		return apperr.Internal(opRecoverAccount, reasonHashFailed, err)
	}
	if !validPhrase(normalized) || subtle.ConstantTimeCompare(candidate, user.RecoveryVerifier) != 1 {
		return apperr.Unauthenticated(opRecoverAccount, reasonBadCredentials, errInvalidRecoveryKey)
	}

	masterKey, err := s.openMasterKey(ctx, normalized, user.RecoveryKeySalt, user.MasterKeyByRecovery)
	if err != nil {
		s.logError(opRecoverAccount, reasonMasterKey, err, zap.String("user_id", user.ID))
		return apperr.Internal(opRecoverAccount, reasonMasterKey, err)
	}
	if err := s.setPassword(ctx, &user, newPassword, masterKey); err != nil {
		s.logError(opRecoverAccount, reasonHashFailed, err, zap.String("user_id", user.ID))
		return apperr.Internal(opRecoverAccount, reasonHashFailed, err)
	}
	if err := s.store.RotateCredentials(ctx, user); err != nil {
		return err
	}
	s.keys.Lock(user.ID)
	s.logger.Info("account recovered", zap.String("user_id", user.ID))
	return nil
}

// ChangePassword rotates the password of the session's user. The calling
// session survives; every other session is revoked.
func (s *Service) ChangePassword(ctx context.Context, token, oldPassword, newPassword string) error {
	user, err := s.sessionUser(ctx, token)
	if err != nil {
		return err
	}
	if err := validatePassword(newPassword); err != nil {
		return apperr.InvalidInput(opChangePassword, reasonInvalidPassword, err)
	}
	matches, err := s.hasher.Verify(ctx, oldPassword, user.PasswordHash)
	if err != nil {
		return apperr.Internal(opChangePassword, reasonHashFailed, err)
	}
	if !matches {
		return apperr.Unauthenticated(opChangePassword, reasonBadCredentials, nil)
	}
	masterKey, err := s.openMasterKey(ctx, oldPassword, user.PasswordKeySalt, user.MasterKeyByPassword)
	if err != nil {
		s.logError(opChangePassword, reasonMasterKey, err, zap.String("user_id", user.ID))
		return apperr.Internal(opChangePassword, reasonMasterKey, err)
	}
	if err := s.setPassword(ctx, &user, newPassword, masterKey); err != nil {
		return apperr.Internal(opChangePassword, reasonHashFailed, err)
	}
	return s.store.RotateCredentials(ctx, user, token)
}

func (s *Service) sessionUser(ctx context.Context, token string) (users.User, error) {
	userID, err := s.VerifySessionToken(ctx, token)
	if err != nil {
		return users.User{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return users.User{}, apperr.Unauthenticated(opVerifySessionToken, reasonInvalidSession, err)
		}
		return users.User{}, err
	}
	return user, nil
}

func (s *Service) setPassword(ctx context.Context, user *users.User, password string, masterKey []byte) error {
	passwordHash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return err
	}
	salt, sealed, err := s.sealMasterKey(ctx, password, masterKey)
	if err != nil {
		return err
	}
	user.PasswordHash = passwordHash
	user.PasswordKeySalt = salt
	user.MasterKeyByPassword = sealed
	user.UpdatedAtMs = s.clock().UTC().UnixMilli()
	return nil
}

// sealMasterKey seals masterKey under an argon2id key derived from secret and a fresh salt.
func (s *Service) sealMasterKey(ctx context.Context, secret string, masterKey []byte) ([]byte, []byte, error) {
	salt, err := newSalt()
	if err != nil {
		return nil, nil, err
	}
	wrappingKey, err := s.hasher.Derive(ctx, []byte(secret), salt)
	if err != nil {
		return nil, nil, err
	}
	sealed, err := vault.Seal(wrappingKey, masterKey)
	if err != nil {
		return nil, nil, err
	}
	return salt, sealed, nil
}

func (s *Service) openMasterKey(ctx context.Context, secret string, salt, sealed []byte) ([]byte, error) {
	wrappingKey, err := s.hasher.Derive(ctx, []byte(secret), salt)
	if err != nil {
		return nil, err
	}
	return vault.Open(wrappingKey, sealed)
}

func (s *Service) issueChallenge(ctx context.Context, userID string, masterKey []byte) (LoginResult, error) {
	issued, err := s.challenges.Issue(ctx, userID)
	if err != nil {
		s.logError(opLogin, "challenge_failed", err, zap.String("user_id", userID))
		return LoginResult{}, apperr.Internal(opLogin, "challenge_failed", err)
	}
	wrapped, err := vault.Seal(vault.DeriveKey(challengeKeyPurpose, []byte(issued.Token)), masterKey)
	if err != nil {
		s.logError(opLogin, reasonMasterKey, err, zap.String("user_id", userID))
		return LoginResult{}, apperr.Internal(opLogin, reasonMasterKey, err)
	}
	record := users.LoginChallenge{
		ID:          users.HashToken(issued.ID),
		UserID:      userID,
		WrappedKey:  wrapped,
		IssuedAtMs:  s.clock().UTC().UnixMilli(),
		ExpiresAtMs: issued.ExpiresAt.UnixMilli(),
	}
	if err := s.store.PutChallenge(ctx, record); err != nil {
		return LoginResult{}, err
	}
	return LoginResult{TotpRequired: true, Challenge: issued.Token}, nil
}

func (s *Service) issueSession(ctx context.Context, operation, userID string, masterKey []byte) (LoginResult, error) {
	token, err := newSessionToken()
	if err != nil {
		s.logError(operation, reasonRandomFailed, err, zap.String("user_id", userID))
		return LoginResult{}, apperr.Internal(operation, reasonRandomFailed, err)
	}
	wrapped, err := vault.Seal(vault.DeriveKey(sessionKeyPurpose, []byte(token)), masterKey)
	if err != nil {
		s.logError(operation, reasonMasterKey, err, zap.String("user_id", userID))
		return LoginResult{}, apperr.Internal(operation, reasonMasterKey, err)
	}
	now := s.clock().UTC()
	expiresAt := now.Add(s.sessionTTL)
	session := users.Session{
		UserID:      userID,
		IssuedAtMs:  now.UnixMilli(),
		ExpiresAtMs: expiresAt.UnixMilli(),
		WrappedKey:  wrapped,
	}
	if err := s.store.PutSession(ctx, token, session); err != nil {
		return LoginResult{}, err
	}
	s.keys.Unlock(userID, masterKey)
	return LoginResult{UserID: userID, Token: token, ExpiresAtMs: expiresAt.UnixMilli()}, nil
}

func validateUsername(username string) error {
	length := utf8.RuneCountInString(username)
	if length == 0 || length > maxUsernameLength {
		return errUsernameLength
	}
	return nil
}

func validatePassword(password string) error {
	if utf8.RuneCountInString(password) < minPasswordLength {
		return errPasswordTooShort
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("auth service failure", allFields...)
}
