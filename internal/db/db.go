package db

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original QUEUE_DATABASE_URL/DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	// If we have a DatabaseURL, use it directly
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	// Otherwise use the individual components
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	// Validate required fields unless a full URL was supplied
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
		if config.SSLMode == "" {
			config.SSLMode = "disable"
		}
	}

	// Set defaults for optional fields
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 30
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 75
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	// Test connection
	if err := client.Ping(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	// Initialise schema
	if err := setupSchema(client); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config}, nil
}

// InitFromEnv creates a PostgreSQL connection using environment variables.
// QUEUE_DATABASE_URL takes precedence, then DATABASE_URL, then the
// individual POSTGRES_* settings.
func InitFromEnv() (*DB, error) {
	url := os.Getenv("QUEUE_DATABASE_URL")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url != "" {
		return New(&Config{DatabaseURL: url})
	}

	config := &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	}

	// Use defaults if not set
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "lyrebird"
	}

	return New(config)
}

// InitFromEnvWithRetry keeps trying InitFromEnv with exponential backoff and
// jitter until the database accepts connections or ctx is cancelled. The
// store is often the last piece of infrastructure to come up after a deploy.
func InitFromEnvWithRetry(ctx context.Context) (*DB, error) {
	backoff := 500 * time.Millisecond
	const maxBackoff = 10 * time.Second

	var lastErr error
	for attempt := 1; ; attempt++ {
		database, err := InitFromEnv()
		if err == nil {
			if attempt > 1 {
				log.Info().Int("attempt", attempt).Msg("Database connection established after retry")
			}
			return database, nil
		}
		lastErr = err

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		wait := backoff + jitter
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Database connection failed, retrying")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up connecting to database: %w", lastErr)
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// setupSchema creates the tasks table, its indexes and the enqueue
// notification trigger. Everything is idempotent so every process can run it
// at startup.
func setupSchema(db *sql.DB) error {
	// Timestamps are epoch milliseconds; items and attempted_error hold
	// JSON text.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			state           INTEGER NOT NULL DEFAULT 0,
			schedule_at     BIGINT NOT NULL DEFAULT 0,
			attempt_count   INTEGER NOT NULL DEFAULT 0,
			attempted_at    BIGINT,
			attempted_error TEXT NOT NULL DEFAULT '[]',
			finalized_at    BIGINT,
			items           TEXT NOT NULL DEFAULT '[]',
			item_count      INTEGER NOT NULL DEFAULT 0,
			created_at      BIGINT NOT NULL,
			updated_at      BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create tasks table: %w", err)
	}

	// (state, schedule_at) serves the dispatcher hot paths, (created_at)
	// serves listing.
	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tasks_state_schedule ON tasks (state, schedule_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to create state/schedule index: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks (created_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to create created_at index: %w", err)
	}

	if err := setupNotifyTrigger(db); err != nil {
		return err
	}

	return nil
}

// setupNotifyTrigger wires a statement-level trigger that pings the
// new_tasks channel after every insert batch, so idle workers wake without
// waiting out their poll delay.
func setupNotifyTrigger(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE OR REPLACE FUNCTION notify_new_tasks()
		RETURNS TRIGGER AS $$
		BEGIN
		  PERFORM pg_notify('new_tasks', '');
		  RETURN NULL;
		END;
		$$ LANGUAGE plpgsql;
	`)
	if err != nil {
		return fmt.Errorf("failed to create notify_new_tasks function: %w", err)
	}

	_, err = db.Exec(`
		DROP TRIGGER IF EXISTS trigger_notify_new_tasks ON tasks;
		CREATE TRIGGER trigger_notify_new_tasks
		  AFTER INSERT ON tasks
		  FOR EACH STATEMENT
		  EXECUTE FUNCTION notify_new_tasks();
	`)
	if err != nil {
		return fmt.Errorf("failed to create new task trigger: %w", err)
	}

	return nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.client.Close()
}

// GetDB returns the underlying database connection
func (d *DB) GetDB() *sql.DB {
	return d.client
}
