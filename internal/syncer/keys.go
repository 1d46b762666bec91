package syncer

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"

	"github.com/MarcoPoloResearchLab/notto/internal/remote"
	"github.com/MarcoPoloResearchLab/notto/internal/vault"
)

const accountKeySaltSize = 16

var (
	errMissingKeys       = errors.New("key source is required")
	errMissingDeriver    = errors.New("key deriver is required")
	errProfileLocked     = errors.New("profile is locked")
	errMissingAccountKey = errors.New("account key missing, log in again")
	errMissingEnvelope   = errors.New("server returned no account key")
)

// KeySource hands out the unlocked master key of a local profile.
type KeySource interface {
	MasterKey(owner string) ([]byte, error)
}

// KeyDeriver stretches a sync password into a wrapping key.
type KeyDeriver interface {
	Derive(ctx context.Context, secret, salt []byte) ([]byte, error)
}

// newEnvelope seals accountKey under a key derived from password with a fresh salt.
func newEnvelope(ctx context.Context, deriver KeyDeriver, password string, accountKey []byte) (remote.KeyEnvelope, error) {
	salt := make([]byte, accountKeySaltSize)
	if _, err := rand.Read(salt); err != nil {
		return remote.KeyEnvelope{}, err
	}
	wrapping, err := deriver.Derive(ctx, []byte(password), salt)
	if err != nil {
		return remote.KeyEnvelope{}, err
	}
	sealed, err := vault.Seal(wrapping, accountKey)
	if err != nil {
		return remote.KeyEnvelope{}, err
	}
	return remote.KeyEnvelope{
		KeySalt:    base64.StdEncoding.EncodeToString(salt),
		WrappedKey: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// openEnvelope recovers the account key returned by login.
func openEnvelope(ctx context.Context, deriver KeyDeriver, password string, envelope remote.KeyEnvelope) ([]byte, error) {
	if envelope.KeySalt == "" || envelope.WrappedKey == "" {
		return nil, errMissingEnvelope
	}
	salt, err := base64.StdEncoding.DecodeString(envelope.KeySalt)
	if err != nil {
		return nil, vault.ErrMalformed
	}
	sealed, err := base64.StdEncoding.DecodeString(envelope.WrappedKey)
	if err != nil {
		return nil, vault.ErrMalformed
	}
	wrapping, err := deriver.Derive(ctx, []byte(password), salt)
	if err != nil {
		return nil, err
	}
	return vault.Open(wrapping, sealed)
}

// sealAccountKey stores the account key at rest under the profile's master key.
func sealAccountKey(masterKey, accountKey []byte) (string, error) {
	sealed, err := vault.Seal(masterKey, accountKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func openAccountKey(masterKey []byte, stored string) ([]byte, error) {
	if stored == "" {
		return nil, errMissingAccountKey
	}
	sealed, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return nil, vault.ErrMalformed
	}
	return vault.Open(masterKey, sealed)
}

// sealPayload encrypts the content of an outgoing note. Tombstones carry none.
func sealPayload(accountKey []byte, payload remote.NotePayload) (remote.NotePayload, error) {
	if payload.Content == "" {
		return payload, nil
	}
	sealed, err := vault.SealString(accountKey, payload.Content)
	if err != nil {
		return remote.NotePayload{}, err
	}
	payload.Content = sealed
	return payload, nil
}

func openPayload(accountKey []byte, payload remote.NotePayload) (remote.NotePayload, error) {
	opened, err := vault.OpenString(accountKey, payload.Content)
	if err != nil {
		return remote.NotePayload{}, err
	}
	payload.Content = opened
	return payload, nil
}
