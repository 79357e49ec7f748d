package auth

import (
	"crypto/sha256"
	"crypto/subtle"
)

// CredentialStore verifies a username/password pair.
type CredentialStore interface {
	Verify(username, password string) bool
}

// Credentials is the single configured admin account.
type Credentials struct {
	Username string
	Password string
}

// Verify compares both fields in constant time. Digests are compared so
// the comparison doesn't leak the configured lengths, and both results are
// combined without short-circuiting. An unset account matches nothing.
func (c Credentials) Verify(username, password string) bool {
	if c.Username == "" || c.Password == "" {
		return false
	}
	wantUser, gotUser := sha256.Sum256([]byte(c.Username)), sha256.Sum256([]byte(username))
	wantPass, gotPass := sha256.Sum256([]byte(c.Password)), sha256.Sum256([]byte(password))
	userOK := subtle.ConstantTimeCompare(wantUser[:], gotUser[:])
	passOK := subtle.ConstantTimeCompare(wantPass[:], gotPass[:])
	return userOK&passOK == 1
}
