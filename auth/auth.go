// Package auth implements bearer-key authentication and per-caller rate limiting.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// AnonymousOwner is the owner recorded for payments created in open mode.
const AnonymousOwner = "anonymous"

var (
	ErrMissingCredentials = errors.New("auth: missing bearer credentials")
	ErrInvalidCredentials = errors.New("auth: invalid API key")
)

// Key is one entry of the API key allow-list.
type Key struct {
	Owner  string
	digest [sha256.Size]byte
}

// NewKey creates an allow-list entry. An empty owner is derived from the key.
func NewKey(owner, secret string) Key {
	digest := sha256.Sum256([]byte(secret))
	if owner == "" {
		owner = "key_" + hex.EncodeToString(digest[:])[:8]
	}
	return Key{Owner: owner, digest: digest}
}

// ParseKeys parses a comma separated allow-list of "owner:key" or bare "key" entries.
func ParseKeys(list string) ([]Key, error) {
	var keys []Key
	for i, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		owner, secret := "", entry
		if idx := strings.Index(entry, ":"); idx >= 0 {
			owner, secret = strings.TrimSpace(entry[:idx]), strings.TrimSpace(entry[idx+1:])
		}
		if secret == "" {
			return nil, fmt.Errorf("api key entry %d has an empty key", i+1)
		}
		keys = append(keys, NewKey(owner, secret))
	}
	return keys, nil
}

// Authenticator checks bearer tokens against an allow-list. With no keys it
// runs in open mode and accepts every request.
type Authenticator struct {
	keys []Key
}

// NewAuthenticator creates an authenticator over keys.
func NewAuthenticator(keys []Key) *Authenticator {
	return &Authenticator{keys: append([]Key(nil), keys...)}
}

// Open reports whether no keys are configured.
func (a *Authenticator) Open() bool {
	return len(a.keys) == 0
}

// Mode returns "open" or "bearer".
func (a *Authenticator) Mode() string {
	if a.Open() {
		return "open"
	}
	return "bearer"
}

// Authenticate validates an Authorization header value and returns the key owner.
//
// Tokens are hashed before comparison so every check compares equal-length
// digests, and every key is compared so timing does not reveal which matched.
func (a *Authenticator) Authenticate(authorization string) (string, error) {
	if a.Open() {
		return AnonymousOwner, nil
	}

	token := BearerToken(authorization)
	if token == "" {
		return "", ErrMissingCredentials
	}

	digest := sha256.Sum256([]byte(token))
	owner := ""
	for _, key := range a.keys {
		if subtle.ConstantTimeCompare(digest[:], key.digest[:]) == 1 && owner == "" {
			owner = key.Owner
		}
	}
	if owner == "" {
		return "", ErrInvalidCredentials
	}
	return owner, nil
}

// BearerToken extracts the token of a "Bearer <token>" header value.
func BearerToken(authorization string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
