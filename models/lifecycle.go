package models

import (
	"context"
	"crypto/subtle"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// NotificationKind selects which email a Notifier sends.
type NotificationKind string

// Emails sent by the subscription lifecycle.
const (
	NotifyVerification   NotificationKind = "verification"
	NotifyManagementLink NotificationKind = "management_link"
)

// Notifier delivers lifecycle emails. Implementations may be asynchronous;
// Send errors are logged by the caller and never undo a state change.
type Notifier interface {
	Send(ctx context.Context, to string, kind NotificationKind, token string) error
}

// Lifecycle drives subscriptions through subscribe, verify, manage and
// unsubscribe. Every token-gated mutation goes through
// SubscriptionStore.UpdateSubscription, so the token check and the write
// happen atomically.
type Lifecycle struct {
	Store    SubscriptionStore
	Tokens   TokenIssuer
	Notifier Notifier
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

func (l *Lifecycle) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

func (l *Lifecycle) tokens() TokenIssuer {
	if l.Tokens == nil {
		return RandomTokens{}
	}
	return l.Tokens
}

// tokenMatches compares a presented token against the stored one in constant
// time. An empty stored token never matches.
func tokenMatches(stored string, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// notify hands an email to the Notifier after the state change was
// committed. Failures are only logged.
func (l *Lifecycle) notify(ctx context.Context, to string, kind NotificationKind, token string) {
	if l.Notifier == nil {
		log.Printf("[subscriptions] no notifier configured, dropping %s email", kind)
		return
	}
	if err := l.Notifier.Send(ctx, to, kind, token); err != nil {
		log.Printf("[subscriptions] %v: %s email: %v", ErrUpstreamNotify, kind, err)
	}
}

// Subscribe creates the subscription for email, or resets an existing one,
// to the pending-verification state with a fresh token, then requests a
// verification email. An already verified address must verify again.
func (l *Lifecycle) Subscribe(ctx context.Context, email string) (Subscription, error) {
	canonical, err := ValidateEmail(email)
	if err != nil {
		return Subscription{}, err
	}
	token, err := l.tokens().Issue()
	if err != nil {
		return Subscription{}, err
	}
	now := l.now()
	sub, err := l.Store.PutSubscription(ctx, Subscription{
		Email:             canonical,
		IsActive:          true,
		IsVerified:        false,
		ReceiveAll:        true,
		SubscribedTags:    []string{},
		VerificationToken: token,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return Subscription{}, errors.Wrapf(err, "storing subscription for %s", canonical)
	}
	l.notify(ctx, canonical, NotifyVerification, token)
	return sub, nil
}

// Verify redeems a verification token. The token is consumed, so a second
// redemption fails. Unknown emails, wrong tokens and already used tokens all
// yield ErrInvalidOrExpired.
func (l *Lifecycle) Verify(ctx context.Context, email string, token string) (Subscription, error) {
	sub, err := l.Store.UpdateSubscription(ctx, CanonicalEmail(email), func(s *Subscription) error {
		if !tokenMatches(s.VerificationToken, token) {
			return ErrInvalidOrExpired
		}
		s.IsVerified = true
		s.VerificationToken = ""
		s.UpdatedAt = l.now()
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return Subscription{}, ErrInvalidOrExpired
	}
	return sub, err
}

// RequestManagementAccess issues a new token for email, superseding any
// outstanding one, and emails a management link. It returns nil whether or
// not the address is subscribed.
func (l *Lifecycle) RequestManagementAccess(ctx context.Context, email string) error {
	canonical, err := ValidateEmail(email)
	if err != nil {
		return err
	}
	token, err := l.tokens().Issue()
	if err != nil {
		return err
	}
	_, err = l.Store.UpdateSubscription(ctx, canonical, func(s *Subscription) error {
		s.VerificationToken = token
		s.UpdatedAt = l.now()
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "issuing management token for %s", canonical)
	}
	l.notify(ctx, canonical, NotifyManagementLink, token)
	return nil
}

// FetchByToken returns the subscription for a matching (email, token) pair
// without modifying it.
func (l *Lifecycle) FetchByToken(ctx context.Context, email string, token string) (Subscription, error) {
	sub, err := l.Store.GetSubscription(ctx, CanonicalEmail(email))
	if errors.Is(err, ErrNotFound) {
		return Subscription{}, ErrForbidden
	}
	if err != nil {
		return Subscription{}, err
	}
	if !tokenMatches(sub.VerificationToken, token) {
		return Subscription{}, ErrForbidden
	}
	return sub, nil
}

// UpdateFilters replaces the tag filter. With receiveAll set the tag set is
// cleared, whatever tags were passed. The token stays valid.
func (l *Lifecycle) UpdateFilters(ctx context.Context, email string, token string, receiveAll bool, tags []string) (Subscription, error) {
	sub, err := l.Store.UpdateSubscription(ctx, CanonicalEmail(email), func(s *Subscription) error {
		if !tokenMatches(s.VerificationToken, token) {
			return ErrForbidden
		}
		s.ReceiveAll = receiveAll
		if receiveAll {
			s.SubscribedTags = []string{}
		} else {
			s.SubscribedTags = NormalizeTags(tags)
		}
		s.UpdatedAt = l.now()
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return Subscription{}, ErrForbidden
	}
	return sub, err
}

// Unsubscribe deactivates the subscription. The caller must present the
// current token, or be the identity linked to the address. A request with
// neither is rejected before any lookup.
func (l *Lifecycle) Unsubscribe(ctx context.Context, email string, token string, actor *uuid.UUID) error {
	if token == "" && actor == nil {
		return ErrForbidden
	}
	_, err := l.Store.UpdateSubscription(ctx, CanonicalEmail(email), func(s *Subscription) error {
		linked := actor != nil && s.LinkedIdentity != nil && *actor == *s.LinkedIdentity
		if !linked && !tokenMatches(s.VerificationToken, token) {
			return ErrForbidden
		}
		s.IsActive = false
		s.UpdatedAt = l.now()
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return ErrForbidden
	}
	return err
}

// ClaimSubscription links an account identity to an existing subscription,
// letting that account unsubscribe without a token.
func (l *Lifecycle) ClaimSubscription(ctx context.Context, email string, identity uuid.UUID) (Subscription, error) {
	if identity == uuid.Nil {
		return Subscription{}, validationError("identity must not be empty")
	}
	return l.Store.UpdateSubscription(ctx, CanonicalEmail(email), func(s *Subscription) error {
		id := identity
		s.LinkedIdentity = &id
		s.UpdatedAt = l.now()
		return nil
	})
}

// BroadcastSelect returns the subscriptions that may receive broadcast
// notifications: active and verified. Tag filtering is left to the caller
// (see Subscription.Wants).
func (l *Lifecycle) BroadcastSelect(ctx context.Context) ([]Subscription, error) {
	subs, err := l.Store.GetBroadcastSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	selected := make([]Subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.IsActive && sub.IsVerified {
			selected = append(selected, sub)
		}
	}
	return selected, nil
}

// MarkNotified records that a broadcast went out to emails.
func (l *Lifecycle) MarkNotified(ctx context.Context, emails []string) error {
	if len(emails) == 0 {
		return nil
	}
	canonical := make([]string, 0, len(emails))
	for _, email := range emails {
		canonical = append(canonical, CanonicalEmail(email))
	}
	return l.Store.SetLastNotified(ctx, canonical, l.now())
}
