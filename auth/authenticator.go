package auth

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/EFForg/portal-access/models"
	"github.com/pkg/errors"
)

// LockedError is returned while a client is locked out.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("too many failed attempts, retry in %s", e.RetryAfter.Round(time.Second))
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (e *LockedError) RetryAfterSeconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// InvalidCredentialsError is returned for a wrong username or password.
type InvalidCredentialsError struct {
	RemainingAttempts int
}

func (e *InvalidCredentialsError) Error() string {
	return fmt.Sprintf("invalid credentials, %d attempts remaining", e.RemainingAttempts)
}

// Authenticator checks admin logins against a CredentialStore, throttled
// per client by an AttemptTracker.
type Authenticator struct {
	Credentials CredentialStore
	Attempts    AttemptTracker
	Policy      LockoutPolicy
	Sessions    *Sessions
	Tokens      models.TokenIssuer
	Now         func() time.Time
}

// NewAuthenticator returns an Authenticator with the default policy, a fresh
// session registry and random session tokens.
func NewAuthenticator(credentials CredentialStore, attempts AttemptTracker) *Authenticator {
	return &Authenticator{
		Credentials: credentials,
		Attempts:    attempts,
		Policy:      DefaultPolicy,
		Sessions:    NewSessions(),
		Tokens:      models.RandomTokens{},
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// Authenticate logs clientID in. The attempt is counted before credentials
// are compared and forgotten again on success, so a locked client never
// reaches the comparison.
func (a *Authenticator) Authenticate(ctx context.Context, clientID, username, password string) (Session, error) {
	now := a.Now()
	rec, locked, err := a.Attempts.Attempt(ctx, clientID, now, a.Policy)
	if err != nil {
		return Session{}, errors.Wrap(err, "couldn't record login attempt")
	}
	if locked {
		return Session{}, &LockedError{RetryAfter: rec.LockoutUntil.Sub(now)}
	}
	if !a.Credentials.Verify(username, password) {
		if rec.LockedAt(now) {
			log.Printf("[auth] locking out %s until %s", clientID, rec.LockoutUntil.Format(time.RFC3339))
		}
		return Session{}, &InvalidCredentialsError{RemainingAttempts: a.Policy.Remaining(rec)}
	}
	if err := a.Attempts.ClearAttempts(ctx, clientID); err != nil {
		return Session{}, errors.Wrap(err, "couldn't clear login attempts")
	}
	token, err := a.Tokens.Issue()
	if err != nil {
		return Session{}, errors.Wrap(err, "couldn't issue session token")
	}
	return a.Sessions.Register(token, now.Add(SessionDuration)), nil
}

// Session returns the live session for token, if any.
func (a *Authenticator) Session(token string) (Session, bool) {
	return a.Sessions.Lookup(token, a.Now())
}

// Logout revokes token.
func (a *Authenticator) Logout(token string) {
	a.Sessions.Revoke(token)
}
