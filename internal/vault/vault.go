// Package vault seals note content and key material with AES-256-GCM and
// holds the unlocked master keys of signed-in profiles.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
)

// KeySize is the length of every master, account and wrapping key.
const KeySize = 32

var (
	// ErrInvalidKey indicates a key that is not KeySize bytes long.
	ErrInvalidKey = errors.New("vault: key must be 32 bytes")
	// ErrMalformed indicates a sealed value that cannot be opened with the given key.
	ErrMalformed = errors.New("vault: sealed value is malformed or was sealed with another key")
	// ErrLocked indicates that no master key is unlocked for a profile.
	ErrLocked = errors.New("vault: profile is locked")
)

// NewKey returns KeySize random bytes.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveKey maps a high-entropy secret such as a session token to a key.
// Low-entropy secrets go through argon2id instead.
func DeriveKey(purpose string, secret []byte) []byte {
	digest := sha256.New()
	digest.Write([]byte(purpose))
	digest.Write([]byte{0})
	digest.Write(secret)
	return digest.Sum(nil)
}

// Seal encrypts plaintext under key. The output is the random nonce followed by the ciphertext.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(key, sealed []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrMalformed
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return plaintext, nil
}

// SealString seals text and encodes the result as base64.
func SealString(key []byte, text string) (string, error) {
	sealed, err := Seal(key, []byte(text))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenString reverses SealString. The empty string opens to itself; tombstones carry no content.
func OpenString(key []byte, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	plaintext, err := Open(key, raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Keyring holds the master keys of unlocked profiles in memory.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewKeyring returns an empty Keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string][]byte)}
}

// Unlock stores a copy of owner's master key.
func (k *Keyring) Unlock(owner string, key []byte) {
	stored := make([]byte, len(key))
	copy(stored, key)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[owner] = stored
}

// Lock forgets owner's master key.
func (k *Keyring) Lock(owner string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.keys[owner]; ok {
		clear(key)
		delete(k.keys, owner)
	}
}

// MasterKey returns a copy of owner's key or ErrLocked.
func (k *Keyring) MasterKey(owner string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[owner]
	if !ok {
		return nil, ErrLocked
	}
	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}
