package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the application database and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite3" {
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info().Str("driver", driver).Msg("Database connected")
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS api_key (
		id VARCHAR(36) PRIMARY KEY,
		access_key VARCHAR(64) NOT NULL,
		secret_key VARCHAR(128) NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_key_access_key ON api_key (access_key)`,
	`CREATE INDEX IF NOT EXISTS idx_api_key_deleted_at ON api_key (deleted_at)`,
}

// Migrate creates the application tables when missing.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
