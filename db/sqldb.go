package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/EFForg/portal-access/auth"
	"github.com/EFForg/portal-access/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"gopkg.in/gorp.v2"
)

// SQLDatabase is a Database interface backed by postgresql.
type SQLDatabase struct {
	cfg  Config // Configuration to define the DB connection.
	conn *gorp.DbMap
}

type releaseRow struct {
	ID          string     `db:"id"`
	PublishedAt *time.Time `db:"published_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

type materialRow struct {
	ID        int64  `db:"id"`
	ReleaseID string `db:"release_id"`
	Position  int    `db:"position"`
	URL       string `db:"url"`
	Label     string `db:"label"`
}

func getConnectionString(cfg Config) string {
	connectionString := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.PathEscape(cfg.DbUsername),
		url.PathEscape(cfg.DbPass),
		url.PathEscape(cfg.DbHost),
		url.PathEscape(cfg.DbName))
	return connectionString
}

// InitSQLDatabase creates a DB connection based on information in a Config, and
// returns a pointer the resulting SQLDatabase object. If connection fails,
// returns an error.
func InitSQLDatabase(cfg Config) (*SQLDatabase, error) {
	connectionString := getConnectionString(cfg)
	log.Printf("Connecting to Postgres DB ... \n")
	conn, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}
	dbmap := &gorp.DbMap{Db: conn, Dialect: gorp.PostgresDialect{}}
	dbmap.AddTableWithName(releaseRow{}, "releases").SetKeys(false, "ID")
	dbmap.AddTableWithName(materialRow{}, "release_materials").SetKeys(true, "ID")
	dbmap.AddTableWithName(EmailBlacklistData{}, "blacklisted_emails").SetKeys(true, "ID")
	return &SQLDatabase{cfg: cfg, conn: dbmap}, nil
}

// Ping checks that the database is reachable.
func (db *SQLDatabase) Ping(ctx context.Context) error {
	return db.conn.Db.PingContext(ctx)
}

// inTx runs fn inside a transaction, rolling back if it fails.
func (db *SQLDatabase) inTx(ctx context.Context, fn func(gorp.SqlExecutor) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx.WithContext(ctx)); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			log.Printf("[db] rollback failed: %v", rollbackErr)
		}
		return err
	}
	return tx.Commit()
}

// SUBSCRIPTION DB FUNCTIONS

const subscriptionColumns = `email, is_active, is_verified, receive_all, subscribed_tags,
	verification_token, linked_identity, created_at, updated_at, last_notified_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(result scanner) (models.Subscription, error) {
	var sub models.Subscription
	var tags []string
	var identity uuid.NullUUID
	var lastNotified pq.NullTime
	err := result.Scan(&sub.Email, &sub.IsActive, &sub.IsVerified, &sub.ReceiveAll,
		pq.Array(&tags), &sub.VerificationToken, &identity,
		&sub.CreatedAt, &sub.UpdatedAt, &lastNotified)
	if err == sql.ErrNoRows {
		return sub, models.ErrNotFound
	}
	if err != nil {
		return sub, err
	}
	sub.SubscribedTags = models.NormalizeTags(tags)
	if identity.Valid {
		id := identity.UUID
		sub.LinkedIdentity = &id
	}
	if lastNotified.Valid {
		at := lastNotified.Time
		sub.LastNotifiedAt = &at
	}
	return sub, nil
}

func nullIdentity(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

// PutSubscription upserts the lifecycle fields of sub. CreatedAt,
// LinkedIdentity and LastNotifiedAt survive on conflict.
func (db *SQLDatabase) PutSubscription(ctx context.Context, sub models.Subscription) (models.Subscription, error) {
	row := db.conn.WithContext(ctx).QueryRow(`INSERT INTO subscriptions(email, is_active, is_verified,
			receive_all, subscribed_tags, verification_token, created_at, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (email) DO UPDATE SET is_active=EXCLUDED.is_active, is_verified=EXCLUDED.is_verified,
			receive_all=EXCLUDED.receive_all, subscribed_tags=EXCLUDED.subscribed_tags,
			verification_token=EXCLUDED.verification_token, updated_at=EXCLUDED.updated_at
		RETURNING `+subscriptionColumns,
		sub.Email, sub.IsActive, sub.IsVerified, sub.ReceiveAll,
		pq.Array(models.NormalizeTags(sub.SubscribedTags)), sub.VerificationToken,
		sub.CreatedAt, sub.UpdatedAt)
	return scanSubscription(row)
}

// GetSubscription retrieves the subscription for email.
func (db *SQLDatabase) GetSubscription(ctx context.Context, email string) (models.Subscription, error) {
	row := db.conn.WithContext(ctx).QueryRow(
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE email=$1", email)
	return scanSubscription(row)
}

// UpdateSubscription locks the row for email, applies fn and writes the
// result back in the same transaction.
func (db *SQLDatabase) UpdateSubscription(ctx context.Context, email string, fn func(*models.Subscription) error) (models.Subscription, error) {
	var updated models.Subscription
	err := db.inTx(ctx, func(tx gorp.SqlExecutor) error {
		sub, err := scanSubscription(tx.QueryRow(
			"SELECT "+subscriptionColumns+" FROM subscriptions WHERE email=$1 FOR UPDATE", email))
		if err != nil {
			return err
		}
		if err := fn(&sub); err != nil {
			return err
		}
		updated, err = scanSubscription(tx.QueryRow(`UPDATE subscriptions SET is_active=$2, is_verified=$3,
				receive_all=$4, subscribed_tags=$5, verification_token=$6, linked_identity=$7,
				updated_at=$8, last_notified_at=$9
			WHERE email=$1 RETURNING `+subscriptionColumns,
			email, sub.IsActive, sub.IsVerified, sub.ReceiveAll,
			pq.Array(models.NormalizeTags(sub.SubscribedTags)), sub.VerificationToken,
			nullIdentity(sub.LinkedIdentity), sub.UpdatedAt, sub.LastNotifiedAt))
		return err
	})
	return updated, err
}

// GetBroadcastSubscriptions retrieves every active, verified subscription.
func (db *SQLDatabase) GetBroadcastSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	rows, err := db.conn.WithContext(ctx).Query("SELECT " + subscriptionColumns +
		" FROM subscriptions WHERE is_active AND is_verified ORDER BY email")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	subs := []models.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return subs, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// SetLastNotified stamps last_notified_at on every given subscription.
func (db *SQLDatabase) SetLastNotified(ctx context.Context, emails []string, at time.Time) error {
	_, err := db.conn.WithContext(ctx).Exec(
		"UPDATE subscriptions SET last_notified_at=$1 WHERE email = ANY($2)", at, pq.Array(emails))
	return err
}

// LOGIN ATTEMPT DB FUNCTIONS

func scanAttempts(result scanner) (auth.AttemptRecord, error) {
	var rec auth.AttemptRecord
	var lockoutUntil pq.NullTime
	if err := result.Scan(&rec.ClientID, &rec.Failures, &lockoutUntil); err != nil {
		return rec, err
	}
	if lockoutUntil.Valid {
		rec.LockoutUntil = lockoutUntil.Time
	}
	return rec, nil
}

func nullTime(t time.Time) pq.NullTime {
	return pq.NullTime{Time: t, Valid: !t.IsZero()}
}

// Attempt counts a login attempt for clientID under a row lock, so that
// replicas sharing this database share one failure budget.
func (db *SQLDatabase) Attempt(ctx context.Context, clientID string, now time.Time, policy auth.LockoutPolicy) (auth.AttemptRecord, bool, error) {
	var rec auth.AttemptRecord
	var locked bool
	err := db.inTx(ctx, func(tx gorp.SqlExecutor) error {
		if _, err := tx.Exec("INSERT INTO login_attempts(client_id) VALUES($1) ON CONFLICT DO NOTHING", clientID); err != nil {
			return err
		}
		current, err := scanAttempts(tx.QueryRow(
			"SELECT client_id, failures, lockout_until FROM login_attempts WHERE client_id=$1 FOR UPDATE", clientID))
		if err != nil {
			return err
		}
		rec, locked = policy.Apply(current, now)
		if locked {
			return nil
		}
		_, err = tx.Exec("UPDATE login_attempts SET failures=$2, lockout_until=$3 WHERE client_id=$1",
			clientID, rec.Failures, nullTime(rec.LockoutUntil))
		return err
	})
	return rec, locked, err
}

// GetAttempts retrieves the live attempt record for clientID.
func (db *SQLDatabase) GetAttempts(ctx context.Context, clientID string, now time.Time) (auth.AttemptRecord, bool, error) {
	rec, err := scanAttempts(db.conn.WithContext(ctx).QueryRow(
		"SELECT client_id, failures, lockout_until FROM login_attempts WHERE client_id=$1", clientID))
	if err == sql.ErrNoRows {
		return auth.AttemptRecord{}, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	if rec.ExpiredAt(now) || rec.Failures == 0 {
		return auth.AttemptRecord{}, false, nil
	}
	return rec, true, nil
}

// ClearAttempts deletes the attempt record for clientID.
func (db *SQLDatabase) ClearAttempts(ctx context.Context, clientID string) error {
	_, err := db.conn.WithContext(ctx).Exec("DELETE FROM login_attempts WHERE client_id=$1", clientID)
	return err
}

// RELEASE DB FUNCTIONS

// ListReleases retrieves every release along with its material links.
func (db *SQLDatabase) ListReleases(ctx context.Context) ([]models.Release, error) {
	exec := db.conn.WithContext(ctx)
	releaseRows := []*releaseRow{}
	if _, err := exec.Select(&releaseRows, "SELECT id, published_at, created_at FROM releases ORDER BY created_at"); err != nil {
		return nil, errors.Wrap(err, "couldn't list releases")
	}
	materialRows := []*materialRow{}
	if _, err := exec.Select(&materialRows, `SELECT id, release_id, position, url, label
		FROM release_materials ORDER BY release_id, position`); err != nil {
		return nil, errors.Wrap(err, "couldn't list release materials")
	}
	links := make(map[string][]models.MaterialLink)
	for _, m := range materialRows {
		links[m.ReleaseID] = append(links[m.ReleaseID], models.MaterialLink{URL: m.URL, Label: m.Label})
	}
	releases := []models.Release{}
	for _, r := range releaseRows {
		releases = append(releases, models.Release{
			ID:            r.ID,
			PublishedAt:   r.PublishedAt,
			CreatedAt:     r.CreatedAt,
			MaterialLinks: links[r.ID],
		})
	}
	return releases, nil
}

// DeleteRelease removes a release. Its material rows go with it through the
// foreign key's ON DELETE CASCADE.
func (db *SQLDatabase) DeleteRelease(ctx context.Context, id string) error {
	count, err := db.conn.WithContext(ctx).Delete(&releaseRow{ID: id})
	if err != nil {
		return err
	}
	if count == 0 {
		return models.ErrNotFound
	}
	return nil
}

// PutRelease inserts a release and its material links.
func (db *SQLDatabase) PutRelease(ctx context.Context, release models.Release) error {
	return db.inTx(ctx, func(tx gorp.SqlExecutor) error {
		err := tx.Insert(&releaseRow{ID: release.ID, PublishedAt: release.PublishedAt, CreatedAt: release.CreatedAt})
		if err != nil {
			return err
		}
		for i, link := range release.MaterialLinks {
			err := tx.Insert(&materialRow{ReleaseID: release.ID, Position: i, URL: link.URL, Label: link.Label})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// EMAIL BLACKLIST DB FUNCTIONS

// PutBlacklistedEmail adds a bounce or complaint notification to the email blacklist.
func (db *SQLDatabase) PutBlacklistedEmail(email string, reason string, timestamp time.Time) error {
	return db.conn.Insert(&EmailBlacklistData{
		Email: models.CanonicalEmail(email), Timestamp: timestamp, Reason: reason,
	})
}

// IsBlacklistedEmail returns true iff we've blacklisted the passed email address for sending.
func (db *SQLDatabase) IsBlacklistedEmail(email string) (bool, error) {
	count, err := db.conn.SelectInt("SELECT COUNT(*) FROM blacklisted_emails WHERE email=$1",
		models.CanonicalEmail(email))
	return count > 0, err
}

func tryExec(database *SQLDatabase, commands []string) error {
	for _, command := range commands {
		if _, err := database.conn.Exec(command); err != nil {
			return fmt.Errorf("command failed: %s\nwith error: %v",
				command, err.Error())
		}
	}
	return nil
}

// ClearTables nukes all the tables. ** Should only be used during testing **
func (db *SQLDatabase) ClearTables() error {
	return tryExec(db, []string{
		"DELETE FROM subscriptions",
		"DELETE FROM login_attempts",
		"DELETE FROM release_materials",
		"DELETE FROM releases",
		"DELETE FROM blacklisted_emails",
	})
}
