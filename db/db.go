package db

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/EFForg/portal-access/auth"
	"github.com/EFForg/portal-access/models"
)

///////////////////////////////////////
//  *****   DATABASE SCHEMA   *****  //
///////////////////////////////////////

// EmailBlacklistData stores the emails from which we've received bounce or
// complaint notifications.
type EmailBlacklistData struct {
	ID        int64     `db:"id"`
	Email     string    `db:"email"`     // Email to blacklist.
	Timestamp time.Time `db:"timestamp"` // When the bounce or complaint occurred.
	Reason    string    `db:"reason"`    // eg. "bounce" or "complaint"
}

// Database is everything the portal needs to persist. Releases belong to the
// portal's content side; this service only lists and deletes them.
type Database interface {
	models.SubscriptionStore
	models.ReleaseStore
	auth.AttemptTracker
	// Stores a release. Only used to seed tests and local setups.
	PutRelease(context.Context, models.Release) error
	// Adds a bounce or complaint notification to the email blacklist.
	PutBlacklistedEmail(email string, reason string, timestamp time.Time) error
	// Returns true if we've blacklisted an email.
	IsBlacklistedEmail(string) (bool, error)
	ClearTables() error
}

// Config is a configuration struct for a Database.
type Config struct {
	Port       string
	Driver     string // "postgres" or "memory"
	DbHost     string
	DbName     string
	DbUsername string
	DbPass     string
}

// Default configuration values. Can be overwritten by env vars of the same name.
var configDefaults = map[string]string{
	"PORT":         "8080",
	"DB_DRIVER":    "postgres",
	"DB_HOST":      "localhost",
	"DB_NAME":      "portal",
	"DB_USERNAME":  "postgres",
	"DB_PASSWORD":  "postgres",
	"TEST_DB_NAME": "portal_test",
}

func getEnvOrDefault(varName string) string {
	envVar := os.Getenv(varName)
	if len(envVar) == 0 {
		envVar = configDefaults[varName]
	}
	return envVar
}

// LoadEnvironmentVariables loads relevant environment variables into a
// Config object.
func LoadEnvironmentVariables() (Config, error) {
	config := Config{
		Port:       getEnvOrDefault("PORT"),
		Driver:     getEnvOrDefault("DB_DRIVER"),
		DbHost:     getEnvOrDefault("DB_HOST"),
		DbName:     getEnvOrDefault("DB_NAME"),
		DbUsername: getEnvOrDefault("DB_USERNAME"),
		DbPass:     getEnvOrDefault("DB_PASSWORD"),
	}
	if flag.Lookup("test.v") != nil {
		// Avoid accidentally wiping the default db during tests.
		config.DbName = getEnvOrDefault("TEST_DB_NAME")
	}
	return config, nil
}

// Open returns the Database selected by cfg.Driver.
func Open(cfg Config) (Database, error) {
	if cfg.Driver == "memory" {
		return InitMemDatabase(cfg), nil
	}
	database, err := InitSQLDatabase(cfg)
	if err != nil {
		return nil, err
	}
	return database, nil
}
