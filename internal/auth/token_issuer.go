package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errInvalidTokenTTL      = errors.New("token ttl must be positive")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// TokenIssuerConfig configures an HS256 JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates short-lived bearer tokens.
// The remote server uses it for sync tokens and the local core for TOTP login challenges.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errMissingIssuer
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errMissingAudience
	}
	if cfg.TokenTTL <= 0 {
		return nil, errInvalidTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.Clock = clock
	return &TokenIssuer{config: cfg, clock: clock}, nil
}

// RandomSigningSecret returns 32 random bytes for process-local issuers.
func RandomSigningSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// IssuedToken is a signed token with the claims a caller may need to track it.
type IssuedToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// Issue produces a signed JWT for subject.
func (i *TokenIssuer) Issue(_ context.Context, subject string) (IssuedToken, error) {
	if strings.TrimSpace(subject) == "" {
		return IssuedToken{}, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return IssuedToken{}, err
	}

	registered := jwt.RegisteredClaims{
		ID:        base64.RawURLEncoding.EncodeToString(nonce),
		Subject:   subject,
		Issuer:    i.config.Issuer,
		Audience:  []string{i.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return IssuedToken{}, err
	}

	return IssuedToken{Token: signed, ID: registered.ID, ExpiresAt: expiresAt}, nil
}

// IssueToken produces a signed JWT for subject and its lifetime in seconds.
func (i *TokenIssuer) IssueToken(ctx context.Context, subject string) (string, int64, error) {
	issued, err := i.Issue(ctx, subject)
	if err != nil {
		return "", 0, err
	}
	return issued.Token, int64(i.config.TokenTTL.Seconds()), nil
}

// TokenClaims are the claims of a validated token.
type TokenClaims struct {
	Subject string
	ID      string
}

// ParseToken ensures the JWT is well formed, unexpired and addressed to this issuer's audience.
func (i *TokenIssuer) ParseToken(tokenString string) (TokenClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return TokenClaims{}, err
	}
	if claims.Subject == "" {
		return TokenClaims{}, errMissingSubjectClaim
	}
	return TokenClaims{Subject: claims.Subject, ID: claims.ID}, nil
}

// ValidateToken returns the subject of a valid token.
func (i *TokenIssuer) ValidateToken(tokenString string) (string, error) {
	claims, err := i.ParseToken(tokenString)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
