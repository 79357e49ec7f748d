package sweeper

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/getsentry/raven-go"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/EFForg/portal-access/models"
	"github.com/EFForg/portal-access/objectstore"
)

// DefaultWindow is how long releases are retained.
const DefaultWindow = 60 * 24 * time.Hour

// ErrSweepInProgress is returned when another sweep holds the lock.
var ErrSweepInProgress = errors.New("sweep already in progress")

// ObjectStore deletes blobs.
type ObjectStore interface {
	Delete(ctx context.Context, ref objectstore.Reference) error
}

// Report summarizes one sweep.
type Report struct {
	TotalExpired     int       `json:"totalExpired"`
	DeletedCount     int       `json:"deletedCount"`
	BlobsDeleted     int       `json:"blobsDeleted"`
	PerReleaseErrors []string  `json:"perReleaseErrors"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
}

// Called with failure by default.
func reportToSentry(name string, releaseID string, err error) {
	raven.CaptureError(err, map[string]string{
		"sweeperName": name,
		"release":     releaseID,
	})
}

type failureCallback func(string, string, error)

// Sweeper deletes releases that fell out of the retention window, along
// with the blobs their material links point to.
type Sweeper struct {
	// Name: Required with which to refer to this sweeper. Appears in log files and
	// error reports.
	Name string
	// Releases: Required-- store from which releases are listed and deleted.
	Releases models.ReleaseStore
	// Objects: Required-- deletes the blobs behind material links.
	Objects ObjectStore
	// Window: optional retention window. Defaults to 60 days.
	Window time.Duration
	// Interval: optional; time between scheduled sweeps.
	// If not set, default interval is 1 day.
	Interval time.Duration
	// LockPath: optional. If set, a file lock there keeps sweeps on one host
	// from overlapping, across processes.
	LockPath string
	// OnFailure: optional. Called for every failed blob or release deletion.
	// Failures are always reported to sentry as well.
	OnFailure failureCallback
	// Now: optional clock.
	Now func() time.Time

	mu sync.Mutex
}

func (s *Sweeper) window() time.Duration {
	if s.Window != 0 {
		return s.Window
	}
	return DefaultWindow
}

func (s *Sweeper) interval() time.Duration {
	if s.Interval != 0 {
		return s.Interval
	}
	return time.Hour * 24
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Sweeper) failed(report *Report, releaseID string, err error) {
	log.Printf("[%s sweeper] release %s: %v", s.Name, releaseID, err)
	report.PerReleaseErrors = append(report.PerReleaseErrors, fmt.Sprintf("%s: %v", releaseID, err))
	if s.OnFailure != nil {
		s.OnFailure(s.Name, releaseID, err)
	}
	reportToSentry(s.Name, releaseID, err)
}

// lock takes the in-process lock and, if configured, the host lock.
func (s *Sweeper) lock() (func(), error) {
	if !s.mu.TryLock() {
		return nil, ErrSweepInProgress
	}
	if s.LockPath == "" {
		return s.mu.Unlock, nil
	}
	fileLock := flock.New(s.LockPath)
	ok, err := fileLock.TryLock()
	if err != nil {
		s.mu.Unlock()
		return nil, errors.Wrapf(err, "couldn't lock %s", s.LockPath)
	}
	if !ok {
		s.mu.Unlock()
		return nil, ErrSweepInProgress
	}
	return func() {
		if err := fileLock.Unlock(); err != nil {
			log.Printf("[%s sweeper] couldn't release %s: %v", s.Name, s.LockPath, err)
		}
		s.mu.Unlock()
	}, nil
}

// SweepNow runs one sweep with the configured window, unless another sweep
// is already running. Once started, a sweep runs to completion even if ctx
// is cancelled.
func (s *Sweeper) SweepNow(ctx context.Context) (Report, error) {
	unlock, err := s.lock()
	if err != nil {
		return Report{}, err
	}
	defer unlock()
	return s.Sweep(context.WithoutCancel(ctx), s.now(), s.window())
}

// Sweep deletes every release whose effective date is older than
// now-window. Releases are handled one at a time; a failing blob deletion
// never stops its release from being deleted, and a failing release never
// stops the sweep. Only a failure to list releases aborts. Sweep does not
// check ctx between releases; callers that must not be interrupted pass a
// context without cancellation.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time, window time.Duration) (Report, error) {
	report := Report{StartedAt: now, PerReleaseErrors: []string{}}
	releases, err := s.Releases.ListReleases(ctx)
	if err != nil {
		return report, errors.Wrap(err, "couldn't list releases")
	}
	for _, release := range releases {
		if !release.ExpiredAt(now, window) {
			continue
		}
		report.TotalExpired++
		report.BlobsDeleted += s.deleteBlobs(ctx, &report, release)
		if err := s.Releases.DeleteRelease(ctx, release.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
			s.failed(&report, release.ID, errors.Wrap(err, "couldn't delete release"))
			continue
		}
		report.DeletedCount++
	}
	report.FinishedAt = s.now()
	log.Printf("[%s sweeper] %d expired, %d deleted, %d blobs deleted, %d errors",
		s.Name, report.TotalExpired, report.DeletedCount, report.BlobsDeleted, len(report.PerReleaseErrors))
	return report, nil
}

// deleteBlobs deletes the stored blobs behind release's material links and
// returns how many were deleted. Links that don't point into the storage
// service are skipped.
func (s *Sweeper) deleteBlobs(ctx context.Context, report *Report, release models.Release) int {
	deleted := 0
	for _, link := range release.MaterialLinks {
		ref, ok := objectstore.ParseReference(link.URL)
		if !ok {
			log.Printf("[%s sweeper] release %s: skipping link %q, not a stored object", s.Name, release.ID, link.URL)
			continue
		}
		err := s.Objects.Delete(ctx, ref)
		if errors.Is(err, objectstore.ErrNotFound) {
			continue
		}
		if err != nil {
			s.failed(report, release.ID, errors.Wrapf(err, "couldn't delete blob %s", ref))
			continue
		}
		deleted++
	}
	return deleted
}

// Run starts the endless loop of sweeps, until ctx is done. The first sweep
// happens after the given Interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		log.Printf("[%s sweeper] starting regular sweep", s.Name)
		if _, err := s.SweepNow(ctx); err != nil {
			log.Printf("[%s sweeper] sweep failed: %v", s.Name, err)
			if !errors.Is(err, ErrSweepInProgress) && !errors.Is(err, context.Canceled) {
				raven.CaptureError(err, map[string]string{"sweeperName": s.Name})
			}
		}
	}
}
