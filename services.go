package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/EFForg/portal-access/auth"
	"github.com/EFForg/portal-access/db"
	"github.com/EFForg/portal-access/email"
	"github.com/EFForg/portal-access/models"
	"github.com/EFForg/portal-access/objectstore"
	"github.com/EFForg/portal-access/sweeper"
	"github.com/EFForg/portal-access/util"
)

// Size of the outgoing email buffer.
const emailQueueSize = 256

// Attempt trackers selectable with ATTEMPT_STORE.
const (
	attemptStoreMemory   = "memory"
	attemptStorePostgres = "postgres"
)

type config struct {
	DB                 db.Config
	Addr               string
	AttemptStore       string
	Retention          time.Duration
	SweepLockPath      string
	SweepSecret        string
	IdentityKey        string
	SecureCookies      bool
	TrustForwardHeader bool
	AllowedOrigins     []string
	Website            string
}

// loadConfig reads every setting shared by the commands. All problems are
// reported at once.
func loadConfig() (config, error) {
	varErrs := util.Errors{}
	dbCfg, err := db.LoadEnvironmentVariables()
	if err != nil {
		varErrs = append(varErrs, err)
	}
	cfg := config{
		DB:                 dbCfg,
		AttemptStore:       util.GetEnvOrDefault("ATTEMPT_STORE", attemptStoreMemory),
		Retention:          util.EnvDays("RETENTION_DAYS", 60, &varErrs),
		SweepLockPath:      os.Getenv("SWEEP_LOCK_PATH"),
		SweepSecret:        os.Getenv("SWEEP_SECRET"),
		IdentityKey:        os.Getenv("IDENTITY_KEY"),
		SecureCookies:      util.EnvBool("SECURE_COOKIES", true),
		TrustForwardHeader: util.EnvBool("TRUST_FORWARD_HEADER", false),
		AllowedOrigins:     splitList(os.Getenv("ALLOWED_ORIGINS")),
		Website:            util.GetEnvOrDefault("FRONTEND_WEBSITE_LINK", "http://localhost:3000"),
	}
	cfg.Addr, err = util.ValidPort(dbCfg.Port)
	if err != nil {
		varErrs = append(varErrs, err)
	}
	if cfg.AttemptStore != attemptStoreMemory && cfg.AttemptStore != attemptStorePostgres {
		varErrs = append(varErrs, fmt.Errorf("ATTEMPT_STORE must be %q or %q, was %q",
			attemptStoreMemory, attemptStorePostgres, cfg.AttemptStore))
	}
	if len(varErrs) > 0 {
		return cfg, varErrs
	}
	return cfg, nil
}

func splitList(raw string) []string {
	list := []string{}
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

type services struct {
	database      db.Database
	queue         *email.Queue
	lifecycle     *models.Lifecycle
	attempts      auth.AttemptTracker
	authenticator *auth.Authenticator
	sweeper       *sweeper.Sweeper
}

func newServices(cfg config) (*services, error) {
	varErrs := util.Errors{}
	credentials := auth.Credentials{
		Username: util.RequireEnv("ADMIN_USERNAME", &varErrs),
		Password: util.RequireEnv("ADMIN_PASSWORD", &varErrs),
	}
	if len(varErrs) > 0 {
		return nil, varErrs
	}

	database, err := db.Open(cfg.DB)
	if err != nil {
		return nil, err
	}
	var emailer email.Config
	if os.Getenv("SMTP_ENDPOINT") == "" {
		log.Println("[email] SMTP_ENDPOINT not set, emails will only be logged")
		emailer = email.LogOnlyConfig(cfg.Website, database)
	} else {
		emailer, err = email.MakeConfigFromEnv(database)
		if err != nil {
			return nil, err
		}
	}
	queue := email.NewQueue(emailer, emailQueueSize)

	var attempts auth.AttemptTracker = auth.NewMemoryAttempts()
	if cfg.AttemptStore == attemptStorePostgres {
		attempts = database
	}

	s, err := newSweeperFor(cfg, database)
	if err != nil {
		return nil, err
	}
	return &services{
		database:      database,
		queue:         queue,
		lifecycle:     &models.Lifecycle{Store: database, Notifier: queue},
		attempts:      attempts,
		authenticator: auth.NewAuthenticator(credentials, attempts),
		sweeper:       s,
	}, nil
}

func newSweeper(cfg config) (*sweeper.Sweeper, error) {
	database, err := db.Open(cfg.DB)
	if err != nil {
		return nil, err
	}
	return newSweeperFor(cfg, database)
}

func newSweeperFor(cfg config, releases models.ReleaseStore) (*sweeper.Sweeper, error) {
	objects, err := objectstore.NewClientFromEnv()
	if err != nil {
		return nil, err
	}
	return &sweeper.Sweeper{
		Name:     "retention",
		Releases: releases,
		Objects:  objects,
		Window:   cfg.Retention,
		LockPath: cfg.SweepLockPath,
	}, nil
}

// pruneLoop drops expired sessions, and expired attempt records when they
// are kept in memory.
func (s *services) pruneLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.prune(time.Now().UTC())
	}
}

func (s *services) prune(now time.Time) {
	sessions := s.authenticator.Sessions.Prune(now)
	attempts := 0
	if memory, ok := s.attempts.(*auth.MemoryAttempts); ok {
		attempts = memory.Prune(now)
	}
	if sessions > 0 || attempts > 0 {
		log.Printf("[auth] pruned %d sessions and %d attempt records", sessions, attempts)
	}
}
