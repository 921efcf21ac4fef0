package database

import (
	"database/sql"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/relayhq/relay/config"
	"github.com/relayhq/relay/internal/cache"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con, Cache: nil}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createPostTable(db)
	if err != nil {
		return nil, err
	}
	err = createSocialAccountTable(db)
	if err != nil {
		return nil, err
	}
	err = createPlatformTargetTable(db)
	if err != nil {
		return nil, err
	}
	err = createPublishErrorTable(db)
	if err != nil {
		return nil, err
	}
	err = createWebhookEventTable(db)
	if err != nil {
		return nil, err
	}
	err = createActivityTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	uuidStr := id.String()
	idWithSuffix := fmt.Sprintf("%s_%s", module, uuidStr)
	return idWithSuffix
}

// createPostTable creates a PostgreSQL table for the Post struct
func createPostTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS posts (
			id SERIAL PRIMARY KEY,
			post_id TEXT NOT NULL UNIQUE,
			workspace_id TEXT NOT NULL,
			caption TEXT,
			status TEXT NOT NULL,
			scheduled_at TIMESTAMP,
			published_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			meta_data JSONB
		)
	`)
	return err
}

func createSocialAccountTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS social_accounts (
			id SERIAL PRIMARY KEY,
			account_id TEXT NOT NULL UNIQUE,
			workspace_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			handle TEXT,
			access_token TEXT,
			token_expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func createPlatformTargetTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS platform_targets (
			id SERIAL PRIMARY KEY,
			target_id TEXT NOT NULL UNIQUE,
			post_id TEXT NOT NULL REFERENCES posts(post_id),
			social_account_id TEXT NOT NULL REFERENCES social_accounts(account_id),
			platform TEXT NOT NULL,
			status TEXT NOT NULL,
			platform_post_id TEXT,
			published_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (post_id, social_account_id)
		)
	`)
	return err
}

func createPublishErrorTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS publish_errors (
			id SERIAL PRIMARY KEY,
			error_id TEXT NOT NULL UNIQUE,
			post_id TEXT NOT NULL REFERENCES posts(post_id),
			platform TEXT NOT NULL,
			code TEXT NOT NULL,
			raw_error TEXT,
			message TEXT,
			suggestion TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func createWebhookEventTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS webhook_events (
			id SERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			platform TEXT NOT NULL,
			payload JSONB,
			status TEXT NOT NULL,
			processed_at TIMESTAMP,
			error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func createActivityTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS activities (
			id SERIAL PRIMARY KEY,
			activity_id TEXT NOT NULL UNIQUE,
			post_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}
