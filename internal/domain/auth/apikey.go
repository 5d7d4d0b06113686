// Package auth authenticates API clients by HMAC-hashed API keys.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"

	"github.com/go-faster/errors"
)

// ScopeAdmin grants access to coupon administration.
const ScopeAdmin = "admin"

var (
	// ErrUnauthorized is returned for missing, unknown or inactive keys.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrKeyNotFound is returned by repositories when no key matches.
	ErrKeyNotFound = errors.New("api key not found")
)

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// HasScope reports whether the key was granted scope.
func (i *APIKeyInfo) HasScope(scope string) bool {
	return slices.Contains(i.Scopes, scope)
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

// Hash returns the hex HMAC-SHA256 of key under pepper, the form keys are
// stored in.
func Hash(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticator resolves raw API keys.
type Authenticator struct {
	keys   Repository
	pepper []byte
}

// NewAuthenticator creates an Authenticator hashing keys with pepper.
func NewAuthenticator(keys Repository, pepper []byte) *Authenticator {
	return &Authenticator{keys: keys, pepper: pepper}
}

// Authenticate looks the key up by hash and confirms the stored hash with a
// constant-time comparison.
func (a *Authenticator) Authenticate(ctx context.Context, key string) (*APIKeyInfo, error) {
	if key == "" {
		return nil, ErrUnauthorized
	}
	hash := Hash(a.pepper, key)

	info, err := a.keys.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, errors.Wrap(err, "find api key")
	}

	want, err := hex.DecodeString(hash)
	if err != nil {
		return nil, ErrUnauthorized
	}
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare(want, stored) != 1 {
		return nil, ErrUnauthorized
	}
	return info, nil
}
