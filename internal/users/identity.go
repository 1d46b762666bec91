package users

import (
	"encoding/json"
	"strings"
)

// User is the local credential record for one profile on this device.
type User struct {
	ID                 string `gorm:"column:id;primaryKey;size:190;not null"`
	Username           string `gorm:"column:username;size:255;not null;uniqueIndex"`
	PasswordHash       string `gorm:"column:password_hash;size:255;not null"`
	RecoverySalt       []byte `gorm:"column:recovery_salt;not null"`
	RecoveryVerifier   []byte `gorm:"column:recovery_verifier;not null"`
	TotpSecret         string `gorm:"column:totp_secret;size:128;not null;default:''"`
	TotpBackupCodes    string `gorm:"column:totp_backup_codes;type:text;not null;default:''"`
	PendingTotpSecret  string `gorm:"column:pending_totp_secret;size:128;not null;default:''"`
	PendingBackupCodes string `gorm:"column:pending_backup_codes;type:text;not null;default:''"`
	LastTotpStep       int64  `gorm:"column:last_totp_step;not null;default:0"`
	CreatedAtMs        int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs        int64  `gorm:"column:updated_at_ms;not null"`

	// The master key encrypting note content, sealed once under the
	// password and once under the recovery phrase.
	PasswordKeySalt     []byte `gorm:"column:password_key_salt"`
	MasterKeyByPassword []byte `gorm:"column:master_key_password"`
	RecoveryKeySalt     []byte `gorm:"column:recovery_key_salt"`
	MasterKeyByRecovery []byte `gorm:"column:master_key_recovery"`
}

// TableName exposes the table backing local users.
func (User) TableName() string {
	return "users"
}

// TotpEnabled reports whether a confirmed second factor is on file.
func (u User) TotpEnabled() bool {
	return u.TotpSecret != ""
}

// BackupCodeHashes decodes the stored list of hashed backup codes.
func (u User) BackupCodeHashes() []string {
	return decodeCodes(u.TotpBackupCodes)
}

// EncodeCodes serializes hashed backup codes for storage.
func EncodeCodes(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}
	encoded, err := json.Marshal(hashes)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func decodeCodes(raw string) []string {
	if raw == "" {
		return nil
	}
	var hashes []string
	if err := json.Unmarshal([]byte(raw), &hashes); err != nil {
		return nil
	}
	return hashes
}

// Session is a local login. Only the SHA-256 of the token is stored;
// WrappedKey is the master key sealed under a key derived from the raw token.
type Session struct {
	TokenHash   string `gorm:"column:token_hash;primaryKey;size:64;not null"`
	UserID      string `gorm:"column:user_id;size:190;not null;index"`
	IssuedAtMs  int64  `gorm:"column:issued_at_ms;not null"`
	ExpiresAtMs int64  `gorm:"column:expires_at_ms;not null"`
	WrappedKey  []byte `gorm:"column:wrapped_key"`
}

// TableName exposes the table backing sessions.
func (Session) TableName() string {
	return "sessions"
}

// LoginChallenge tracks one pending second-factor login, keyed by the hash
// of the challenge token id. It is consumed by the first accepted code.
type LoginChallenge struct {
	ID             string `gorm:"column:id;primaryKey;size:64;not null"`
	UserID         string `gorm:"column:user_id;size:190;not null;index"`
	WrappedKey     []byte `gorm:"column:wrapped_key"`
	FailedAttempts int    `gorm:"column:failed_attempts;not null;default:0"`
	IssuedAtMs     int64  `gorm:"column:issued_at_ms;not null"`
	ExpiresAtMs    int64  `gorm:"column:expires_at_ms;not null;index"`
	ConsumedAtMs   int64  `gorm:"column:consumed_at_ms;not null;default:0"`
}

// TableName exposes the table backing login challenges.
func (LoginChallenge) TableName() string {
	return "login_challenges"
}

// Models lists the persisted credential types for schema migration.
func Models() []any {
	return []any{&User{}, &Session{}, &LoginChallenge{}}
}

// NormalizeUsername trims surrounding whitespace.
func NormalizeUsername(value string) string {
	return strings.TrimSpace(value)
}
