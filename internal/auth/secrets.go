package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/tyler-smith/go-bip39"
)

const (
	sessionTokenBytes = 32
	backupCodeCount   = 10
	backupCodeBytes   = 8
	recoveryEntropy   = 256
	totpPeriodSeconds = 30
	totpSkewSteps     = 1
)

func newSessionToken() (string, error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// newRecoveryPhrase returns a 24-word BIP-39 mnemonic.
func newRecoveryPhrase() (string, error) {
	entropy, err := bip39.NewEntropy(recoveryEntropy)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

func normalizePhrase(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

func validPhrase(phrase string) bool {
	return bip39.IsMnemonicValid(phrase)
}

func newBackupCodes() ([]string, []string, error) {
	codes := make([]string, 0, backupCodeCount)
	hashes := make([]string, 0, backupCodeCount)
	for range backupCodeCount {
		raw := make([]byte, backupCodeBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, err
		}
		code := hex.EncodeToString(raw)
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}
	return codes, hashes, nil
}

func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(code))))
	return hex.EncodeToString(sum[:])
}

// consumeBackupCode returns the remaining hashes when code matches one of them.
func consumeBackupCode(hashes []string, code string) ([]string, bool) {
	candidate := []byte(hashBackupCode(code))
	matched := -1
	for index, stored := range hashes {
		if subtle.ConstantTimeCompare(candidate, []byte(stored)) == 1 && matched < 0 {
			matched = index
		}
	}
	if matched < 0 {
		return hashes, false
	}
	remaining := make([]string, 0, len(hashes)-1)
	remaining = append(remaining, hashes[:matched]...)
	remaining = append(remaining, hashes[matched+1:]...)
	return remaining, true
}

func totpValidateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriodSeconds,
		Skew:      totpSkewSteps,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

func generateTotpKey(issuer, username string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: username,
		Period:      totpPeriodSeconds,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
}

// matchTotpStep returns the time step code was generated for, searching the
// current step and totpSkewSteps on either side.
func matchTotpStep(code, secret string, at time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	opts := totpValidateOpts()
	current := at.Unix() / totpPeriodSeconds
	for offset := int64(-totpSkewSteps); offset <= totpSkewSteps; offset++ {
		step := current + offset
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*totpPeriodSeconds, 0).UTC(), opts)
		if err != nil {
			return 0, false
		}
		if constantTimeEqual(expected, code) {
			return step, true
		}
	}
	return 0, false
}

func constantTimeEqual(left, right string) bool {
	return subtle.ConstantTimeCompare([]byte(left), []byte(right)) == 1
}
