package api

import (
	"net/http"

	"github.com/google/uuid"
)

// Headers the portal front end sets for a logged-in account.
const (
	IdentityHeader    = "X-Portal-Identity"
	IdentityKeyHeader = "X-Portal-Identity-Key"
)

// IdentitySource resolves the account identity behind a request, if any.
type IdentitySource interface {
	Identity(r *http.Request) *uuid.UUID
}

// HeaderIdentity trusts the identity header only when the request also
// carries the shared Key.
type HeaderIdentity struct {
	Key string
}

// Identity returns the forwarded identity, or nil.
func (h HeaderIdentity) Identity(r *http.Request) *uuid.UUID {
	if !secretMatches(h.Key, r.Header.Get(IdentityKeyHeader)) {
		return nil
	}
	id, err := uuid.Parse(r.Header.Get(IdentityHeader))
	if err != nil || id == uuid.Nil {
		return nil
	}
	return &id
}

type noIdentity struct{}

func (noIdentity) Identity(*http.Request) *uuid.UUID { return nil }
