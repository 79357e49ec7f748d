package models

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/pkg/errors"
)

// TokenBytes is the amount of randomness in each issued token (256 bits).
const TokenBytes = 32

// TokenIssuer hands out opaque, unguessable tokens. They carry no expiry of
// their own; a token is valid exactly as long as it is stored on a record.
type TokenIssuer interface {
	Issue() (string, error)
}

// RandomTokens issues tokens read from crypto/rand, encoded with the
// URL-safe base64 alphabet without padding.
type RandomTokens struct{}

// Issue returns a fresh token.
func (RandomTokens) Issue() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "reading random token")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
