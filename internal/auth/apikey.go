package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// APIKeyAuthenticator validates operator keys from request headers. Keys are
// held as SHA-256 hashes; the plaintext key only exists in the request.
type APIKeyAuthenticator struct {
	keyHashes    map[string]bool
	hashedToRole map[string][]Role
}

// NewAPIKeyAuthenticator builds an authenticator from the configured keys.
func NewAPIKeyAuthenticator(config *Config) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{
		keyHashes:    make(map[string]bool),
		hashedToRole: make(map[string][]Role),
	}
	for _, key := range config.APIKeys {
		hash := hashKey(key)
		a.keyHashes[hash] = true
		if roles, ok := config.APIKeyRoles[key]; ok {
			a.hashedToRole[hash] = roles
		} else {
			a.hashedToRole[hash] = []Role{RoleOperator}
		}
	}
	return a
}

// Authenticate extracts and validates the API key from the request.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (*User, error) {
	key := extractAPIKey(r)
	if key == "" {
		return nil, ErrMissingCredentials
	}

	hash := hashKey(key)
	if !a.keyHashes[hash] {
		return nil, ErrInvalidCredentials
	}

	roles := a.hashedToRole[hash]
	if roles == nil {
		roles = []Role{RoleOperator}
	}
	return &User{
		ID:    hash[:16],
		Roles: roles,
	}, nil
}

// extractAPIKey reads the key from X-API-Key, falling back to a Bearer token.
func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return ""
}

func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
