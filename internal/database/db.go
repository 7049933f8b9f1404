package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pricealert/internal/logger"
	"pricealert/internal/store"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const schema = `
	CREATE TABLE IF NOT EXISTS alert_buckets (
		bucket  TEXT NOT NULL,
		user_id TEXT NOT NULL,
		alerts  TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (bucket, user_id)
	)
`

// Store keeps alert buckets in a Postgres table, one row per bucket and user.
type Store struct {
	db *sql.DB
}

// InitDB opens the connection pool, checks it, and creates the table.
func InitDB(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Set connection pool parameters
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	s := NewStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Log.Info("Database connection established")
	return s, nil
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the alert_buckets table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create alert_buckets table: %w", err)
	}
	return nil
}

// GetAll retrieves every user entry of a bucket
func (s *Store) GetAll(ctx context.Context, bucket string) (map[string]string, error) {
	query := `SELECT user_id, alerts FROM alert_buckets WHERE bucket = $1`

	rows, err := s.db.QueryContext(ctx, query, bucket)
	if err != nil {
		return nil, s.fail("get_all", bucket, "", err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var user, alerts string
		if err := rows.Scan(&user, &alerts); err != nil {
			return nil, s.fail("get_all", bucket, "", err)
		}
		entries[user] = alerts
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("get_all", bucket, "", err)
	}
	return entries, nil
}

// Get retrieves one user's entry
func (s *Store) Get(ctx context.Context, bucket, user string) (string, bool, error) {
	query := `SELECT alerts FROM alert_buckets WHERE bucket = $1 AND user_id = $2`

	var alerts string
	err := s.db.QueryRowContext(ctx, query, bucket, user).Scan(&alerts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.fail("get", bucket, user, err)
	}
	return alerts, true, nil
}

// Set upserts one user's entry
func (s *Store) Set(ctx context.Context, bucket, user, value string) error {
	query := `
		INSERT INTO alert_buckets (bucket, user_id, alerts, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (bucket, user_id) DO UPDATE SET alerts = EXCLUDED.alerts, updated_at = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query, bucket, user, value); err != nil {
		return s.fail("set", bucket, user, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) fail(op, bucket, user string, err error) error {
	store.ObserveError("postgres", op)
	logger.Log.Error("Threshold store query failed",
		zap.String("operation", op),
		zap.String("bucket", bucket),
		zap.String("user_id", user),
		zap.Error(err),
	)
	return fmt.Errorf("%w: %s %s: %v", store.ErrUnavailable, op, bucket, err)
}
