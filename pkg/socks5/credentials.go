package socks5

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// CredentialStore validates username/password pairs presented during the
// RFC 1929 sub-negotiation. Implementations must be safe for concurrent
// use; every in-flight handshake may call Valid at the same time.
type CredentialStore interface {
	Valid(username, password []byte) bool
}

// StaticCredentials is a fixed username to plain-text password map.
// Password comparison is constant time; usernames are matched
// byte-for-byte with no normalization.
type StaticCredentials map[string]string

// Valid implements CredentialStore.
func (s StaticCredentials) Valid(username, password []byte) bool {
	want, ok := s[string(username)]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), password) == 1
}

// HashedCredentials maps usernames to bcrypt password hashes, for
// deployments that must not hold plain-text secrets in memory or on
// disk.
type HashedCredentials map[string]string

// Valid implements CredentialStore.
func (h HashedCredentials) Valid(username, password []byte) bool {
	hash, ok := h[string(username)]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), password) == nil
}
