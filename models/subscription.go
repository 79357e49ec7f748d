package models

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/net/idna"
)

// MaxEmailLength is the longest address we accept (RFC 5321 path limit).
const MaxEmailLength = 254

// Subscription stores the notification preferences of a single email address.
type Subscription struct {
	Email             string     `json:"email"`          // Canonical (lower-case) address; primary key
	IsActive          bool       `json:"isActive"`       // False once unsubscribed
	IsVerified        bool       `json:"isVerified"`     // True once the verification token was redeemed
	ReceiveAll        bool       `json:"receiveAll"`     // True means SubscribedTags is ignored
	SubscribedTags    []string   `json:"subscribedTags"` // Tag filter, only when !ReceiveAll
	VerificationToken string     `json:"-"`              // Outstanding token; empty if none
	LinkedIdentity    *uuid.UUID `json:"-"`              // Account that claimed this address
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	LastNotifiedAt    *time.Time `json:"lastNotifiedAt,omitempty"`
}

// SubscriptionStore is the durable storage for subscriptions, keyed by
// canonical email.
type SubscriptionStore interface {
	// PutSubscription inserts sub, or overwrites the lifecycle fields of the
	// existing record for sub.Email. CreatedAt, LinkedIdentity and
	// LastNotifiedAt of an existing record are preserved. Returns the stored
	// row.
	PutSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	// GetSubscription returns ErrNotFound if there is no record for email.
	GetSubscription(ctx context.Context, email string) (Subscription, error)
	// UpdateSubscription runs fn against the current record for email and
	// persists the result, atomically with respect to other updates of the
	// same email. If fn returns an error nothing is written and the error is
	// returned. Returns ErrNotFound if there is no record for email.
	UpdateSubscription(ctx context.Context, email string, fn func(*Subscription) error) (Subscription, error)
	// GetBroadcastSubscriptions returns every active, verified record.
	GetBroadcastSubscriptions(ctx context.Context) ([]Subscription, error)
	// SetLastNotified stamps LastNotifiedAt on the given records.
	SetLastNotified(ctx context.Context, emails []string, at time.Time) error
}

// Wants reports whether a broadcast carrying tags should reach this
// subscriber. Untagged broadcasts reach everyone.
func (s *Subscription) Wants(tags []string) bool {
	tags = NormalizeTags(tags)
	if s.ReceiveAll || len(tags) == 0 {
		return true
	}
	for _, tag := range tags {
		for _, subscribed := range s.SubscribedTags {
			if tag == subscribed {
				return true
			}
		}
	}
	return false
}

// CanonicalEmail returns the lookup form of an address. It does not validate.
func CanonicalEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail canonicalizes email and checks that it looks like an address:
// it must contain an @ with something on either side, and the part after the
// last @ must be a valid (possibly internationalized) domain name.
func ValidateEmail(email string) (string, error) {
	canonical := CanonicalEmail(email)
	err := validation.Validate(canonical,
		validation.Required,
		validation.Length(3, MaxEmailLength),
		validation.By(hasMailbox),
		is.Email,
	)
	if err != nil {
		return "", validationError("email %q: %v", email, err)
	}
	return canonical, nil
}

func hasMailbox(value interface{}) error {
	s, _ := value.(string)
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return errors.New("must not contain whitespace or control characters")
		}
	}
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return errors.New("must contain an @ between a mailbox and a domain")
	}
	if _, err := idna.Lookup.ToASCII(s[at+1:]); err != nil {
		return err
	}
	return nil
}

// NormalizeTags trims and de-duplicates tags, dropping empty ones.
// The result is sorted.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool)
	normalized := []string{}
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		normalized = append(normalized, tag)
	}
	sort.Strings(normalized)
	return normalized
}
