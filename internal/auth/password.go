package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"
)

const (
	saltLength = 16
	keyLength  = 32
)

var errMalformedHash = errors.New("malformed argon2id hash")

// PasswordParams tunes argon2id.
type PasswordParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
}

// DefaultPasswordParams matches the OWASP argon2id baseline.
var DefaultPasswordParams = PasswordParams{MemoryKiB: 64 * 1024, Iterations: 1, Parallelism: 4}

// Hasher derives argon2id hashes. Concurrent derivations are bounded so hashing
// cannot exhaust memory or starve unrelated work.
type Hasher struct {
	params  PasswordParams
	limiter *semaphore.Weighted
}

// NewHasher constructs a Hasher allowing at most maxConcurrent derivations at once.
func NewHasher(params PasswordParams, maxConcurrent int64) *Hasher {
	if params.MemoryKiB == 0 || params.Iterations == 0 || params.Parallelism == 0 {
		params = DefaultPasswordParams
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Hasher{params: params, limiter: semaphore.NewWeighted(maxConcurrent)}
}

// Hash returns a PHC-formatted argon2id hash of password with a fresh salt.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key, err := h.derive(ctx, []byte(password), salt, h.params)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.MemoryKiB, h.params.Iterations, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches an encoded hash produced by Hash.
func (h *Hasher) Verify(ctx context.Context, password, encoded string) (bool, error) {
	params, salt, expected, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	key, err := h.derive(ctx, []byte(password), salt, params)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

// Derive stretches secret with salt using the configured parameters.
func (h *Hasher) Derive(ctx context.Context, secret, salt []byte) ([]byte, error) {
	return h.derive(ctx, secret, salt, h.params)
}

func (h *Hasher) derive(ctx context.Context, secret, salt []byte, params PasswordParams) ([]byte, error) {
	if err := h.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer h.limiter.Release(1)
	return argon2.IDKey(secret, salt, params.Iterations, params.MemoryKiB, params.Parallelism, keyLength), nil
}

func decodeHash(encoded string) (PasswordParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return PasswordParams{}, nil, nil, errMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return PasswordParams{}, nil, nil, errMalformedHash
	}
	var params PasswordParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.MemoryKiB, &params.Iterations, &params.Parallelism); err != nil {
		return PasswordParams{}, nil, nil, errMalformedHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return PasswordParams{}, nil, nil, errMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return PasswordParams{}, nil, nil, errMalformedHash
	}
	return params, salt, key, nil
}
