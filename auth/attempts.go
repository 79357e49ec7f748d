package auth

import (
	"context"
	"sync"
	"time"
)

// Default lockout policy.
const (
	DefaultMaxFailures     = 5
	DefaultLockoutDuration = 15 * time.Minute
)

// LockoutPolicy decides when a client gets locked out.
type LockoutPolicy struct {
	MaxFailures     int
	LockoutDuration time.Duration
}

// DefaultPolicy locks a client out for 15 minutes after 5 failures.
var DefaultPolicy = LockoutPolicy{
	MaxFailures:     DefaultMaxFailures,
	LockoutDuration: DefaultLockoutDuration,
}

// AttemptRecord tracks unsuccessful logins for one client.
type AttemptRecord struct {
	ClientID     string    `json:"clientId"`
	Failures     int       `json:"failures"`
	LockoutUntil time.Time `json:"lockoutUntil"` // Zero unless locked out
}

// LockedAt reports whether the record holds an active lockout.
func (r AttemptRecord) LockedAt(now time.Time) bool {
	return !r.LockoutUntil.IsZero() && now.Before(r.LockoutUntil)
}

// ExpiredAt reports whether the record carried a lockout that has since
// elapsed. Such records are treated as absent.
func (r AttemptRecord) ExpiredAt(now time.Time) bool {
	return !r.LockoutUntil.IsZero() && !now.Before(r.LockoutUntil)
}

// Apply counts one attempt against rec. It returns the updated record and
// whether the client was already locked out, in which case rec is returned
// unchanged. Stores call this inside their own critical section.
func (p LockoutPolicy) Apply(rec AttemptRecord, now time.Time) (AttemptRecord, bool) {
	if rec.LockedAt(now) {
		return rec, true
	}
	if rec.ExpiredAt(now) {
		rec = AttemptRecord{ClientID: rec.ClientID}
	}
	rec.Failures++
	if rec.Failures >= p.MaxFailures && rec.LockoutUntil.IsZero() {
		rec.LockoutUntil = now.Add(p.LockoutDuration)
	}
	return rec, false
}

// Remaining is the number of attempts left before lockout.
func (p LockoutPolicy) Remaining(rec AttemptRecord) int {
	remaining := p.MaxFailures - rec.Failures
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AttemptTracker stores AttemptRecords. Implementations must make Attempt
// atomic per client, otherwise concurrent requests could slip past the
// failure budget.
type AttemptTracker interface {
	// Attempt counts an attempt for clientID unless it is locked out. The
	// returned bool is true if the client was locked, in which case nothing
	// was counted.
	Attempt(ctx context.Context, clientID string, now time.Time, policy LockoutPolicy) (AttemptRecord, bool, error)
	// GetAttempts returns the live record for clientID. Records whose
	// lockout has elapsed are reported as absent.
	GetAttempts(ctx context.Context, clientID string, now time.Time) (AttemptRecord, bool, error)
	// ClearAttempts forgets clientID.
	ClearAttempts(ctx context.Context, clientID string) error
}

// MemoryAttempts is a process-local AttemptTracker. Replicas don't share
// lockout state; use the Postgres tracker for multi-instance deployments.
type MemoryAttempts struct {
	mu      sync.Mutex
	records map[string]AttemptRecord
}

// NewMemoryAttempts returns an empty tracker.
func NewMemoryAttempts() *MemoryAttempts {
	return &MemoryAttempts{records: make(map[string]AttemptRecord)}
}

// Attempt implements AttemptTracker.
func (m *MemoryAttempts) Attempt(ctx context.Context, clientID string, now time.Time, policy LockoutPolicy) (AttemptRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[clientID]
	if !ok {
		rec = AttemptRecord{ClientID: clientID}
	}
	rec, locked := policy.Apply(rec, now)
	if !locked {
		m.records[clientID] = rec
	}
	return rec, locked, nil
}

// GetAttempts implements AttemptTracker.
func (m *MemoryAttempts) GetAttempts(ctx context.Context, clientID string, now time.Time) (AttemptRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[clientID]
	if !ok {
		return AttemptRecord{}, false, nil
	}
	if rec.ExpiredAt(now) {
		delete(m.records, clientID)
		return AttemptRecord{}, false, nil
	}
	return rec, true, nil
}

// ClearAttempts implements AttemptTracker.
func (m *MemoryAttempts) ClearAttempts(ctx context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, clientID)
	return nil
}

// Prune drops every record whose lockout has elapsed.
func (m *MemoryAttempts) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for clientID, rec := range m.records {
		if rec.ExpiredAt(now) {
			delete(m.records, clientID)
			pruned++
		}
	}
	return pruned
}
