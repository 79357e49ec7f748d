package models

import (
	"context"
	"time"
)

// MaterialLink references a blob attached to a release.
type MaterialLink struct {
	URL   string `json:"url"`
	Label string `json:"label"`
}

// Release is a published (or draft) portal release. This service only reads
// releases and deletes expired ones.
type Release struct {
	ID            string         `json:"id"`
	PublishedAt   *time.Time     `json:"publishedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	MaterialLinks []MaterialLink `json:"materialLinks"`
}

// EffectiveDate is the publication date, or the creation date for releases
// that were never published.
func (r *Release) EffectiveDate() time.Time {
	if r.PublishedAt != nil {
		return *r.PublishedAt
	}
	return r.CreatedAt
}

// ExpiredAt reports whether the release falls outside the retention window
// ending at now.
func (r *Release) ExpiredAt(now time.Time, window time.Duration) bool {
	return r.EffectiveDate().Before(now.Add(-window))
}

// ReleaseStore lists releases and deletes them. Deleting a release removes
// its material link rows too.
type ReleaseStore interface {
	ListReleases(ctx context.Context) ([]Release, error)
	DeleteRelease(ctx context.Context, id string) error
}
