package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/EFForg/portal-access/auth"
	"github.com/EFForg/portal-access/models"
)

// MemDatabase is an in-memory Database for tests and local development.
type MemDatabase struct {
	*auth.MemoryAttempts
	cfg           Config
	mu            sync.Mutex
	subscriptions map[string]models.Subscription
	releases      map[string]models.Release
	blacklist     map[string]EmailBlacklistData
}

// InitMemDatabase returns an empty MemDatabase.
func InitMemDatabase(cfg Config) *MemDatabase {
	db := &MemDatabase{cfg: cfg}
	db.ClearTables()
	return db
}

func copySubscription(sub models.Subscription) models.Subscription {
	sub.SubscribedTags = append([]string{}, sub.SubscribedTags...)
	return sub
}

// PutSubscription implements models.SubscriptionStore.
func (db *MemDatabase) PutSubscription(ctx context.Context, sub models.Subscription) (models.Subscription, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if existing, ok := db.subscriptions[sub.Email]; ok {
		sub.CreatedAt = existing.CreatedAt
		sub.LinkedIdentity = existing.LinkedIdentity
		sub.LastNotifiedAt = existing.LastNotifiedAt
	}
	sub.SubscribedTags = models.NormalizeTags(sub.SubscribedTags)
	db.subscriptions[sub.Email] = copySubscription(sub)
	return copySubscription(sub), nil
}

// GetSubscription implements models.SubscriptionStore.
func (db *MemDatabase) GetSubscription(ctx context.Context, email string) (models.Subscription, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	sub, ok := db.subscriptions[email]
	if !ok {
		return models.Subscription{}, models.ErrNotFound
	}
	return copySubscription(sub), nil
}

// UpdateSubscription implements models.SubscriptionStore. The lock is held
// while fn runs.
func (db *MemDatabase) UpdateSubscription(ctx context.Context, email string, fn func(*models.Subscription) error) (models.Subscription, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	sub, ok := db.subscriptions[email]
	if !ok {
		return models.Subscription{}, models.ErrNotFound
	}
	sub = copySubscription(sub)
	if err := fn(&sub); err != nil {
		return models.Subscription{}, err
	}
	sub.SubscribedTags = models.NormalizeTags(sub.SubscribedTags)
	db.subscriptions[email] = copySubscription(sub)
	return sub, nil
}

// GetBroadcastSubscriptions implements models.SubscriptionStore.
func (db *MemDatabase) GetBroadcastSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	subs := []models.Subscription{}
	for _, sub := range db.subscriptions {
		if sub.IsActive && sub.IsVerified {
			subs = append(subs, copySubscription(sub))
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Email < subs[j].Email })
	return subs, nil
}

// SetLastNotified implements models.SubscriptionStore.
func (db *MemDatabase) SetLastNotified(ctx context.Context, emails []string, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, email := range emails {
		if sub, ok := db.subscriptions[email]; ok {
			stamp := at
			sub.LastNotifiedAt = &stamp
			db.subscriptions[email] = sub
		}
	}
	return nil
}

// ListReleases implements models.ReleaseStore.
func (db *MemDatabase) ListReleases(ctx context.Context) ([]models.Release, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	releases := []models.Release{}
	for _, release := range db.releases {
		releases = append(releases, release)
	}
	sort.Slice(releases, func(i, j int) bool { return releases[i].CreatedAt.Before(releases[j].CreatedAt) })
	return releases, nil
}

// DeleteRelease implements models.ReleaseStore.
func (db *MemDatabase) DeleteRelease(ctx context.Context, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.releases[id]; !ok {
		return models.ErrNotFound
	}
	delete(db.releases, id)
	return nil
}

// PutRelease stores release, replacing any release with the same ID.
func (db *MemDatabase) PutRelease(ctx context.Context, release models.Release) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	release.MaterialLinks = append([]models.MaterialLink{}, release.MaterialLinks...)
	db.releases[release.ID] = release
	return nil
}

// PutBlacklistedEmail adds email to the blacklist.
func (db *MemDatabase) PutBlacklistedEmail(email string, reason string, timestamp time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	email = models.CanonicalEmail(email)
	db.blacklist[email] = EmailBlacklistData{Email: email, Reason: reason, Timestamp: timestamp}
	return nil
}

// IsBlacklistedEmail returns true iff email was blacklisted.
func (db *MemDatabase) IsBlacklistedEmail(email string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.blacklist[models.CanonicalEmail(email)]
	return ok, nil
}

// ClearTables empties every table.
func (db *MemDatabase) ClearTables() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.MemoryAttempts = auth.NewMemoryAttempts()
	db.subscriptions = make(map[string]models.Subscription)
	db.releases = make(map[string]models.Release)
	db.blacklist = make(map[string]EmailBlacklistData)
	return nil
}
