// Package auth maps API keys to pipeline callers.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tjfontaine/insight-pipeline/internal/core/domain"
)

// ErrInvalidAPIKey is returned for unknown keys.
var ErrInvalidAPIKey = errors.New("invalid API key")

// CallerKey binds a hashed API key to a caller.
type CallerKey struct {
	Caller  domain.Caller
	KeyHash string
}

// Authenticator validates API keys and resolves the caller
type Authenticator struct {
	callers map[string]domain.Caller // keyhash -> caller
}

// NewAuthenticator creates a new authenticator from key bindings
func NewAuthenticator(keys []CallerKey) (*Authenticator, error) {
	auth := &Authenticator{
		callers: make(map[string]domain.Caller, len(keys)),
	}

	for _, k := range keys {
		if k.Caller.ID == "" {
			return nil, fmt.Errorf("caller with key hash %.8s... has no id", k.KeyHash)
		}
		hash := strings.ToLower(strings.TrimSpace(k.KeyHash))
		if len(hash) != sha256.Size*2 {
			return nil, fmt.Errorf("caller %s: key hash must be a hex SHA-256 digest", k.Caller.ID)
		}
		if _, dup := auth.callers[hash]; dup {
			return nil, fmt.Errorf("caller %s: duplicate key hash", k.Caller.ID)
		}
		auth.callers[hash] = k.Caller
	}

	return auth, nil
}

// Anonymous reports whether no keys are configured.
func (a *Authenticator) Anonymous() bool {
	return a == nil || len(a.callers) == 0
}

// ValidateAPIKey validates an API key and returns the associated caller
func (a *Authenticator) ValidateAPIKey(apiKey string) (domain.Caller, error) {
	keyHash := HashAPIKey(apiKey)

	for hash, caller := range a.callers {
		if subtle.ConstantTimeCompare([]byte(keyHash), []byte(hash)) == 1 {
			return caller, nil
		}
	}

	return domain.Caller{}, ErrInvalidAPIKey
}

// ExtractAPIKey extracts the API key from the Authorization header
func ExtractAPIKey(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	// Support "Bearer <key>" format
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	if strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("unsupported authorization scheme")
	}

	return strings.TrimSpace(parts[1]), nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
