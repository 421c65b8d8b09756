package subject

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS subjects (
    subject_id TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresDirectory stores subject identities in PostgreSQL for
// multi-node deployments.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory connects to the database at dsn and ensures the
// schema exists.
func NewPostgresDirectory(dsn string) (*PostgresDirectory, error) {
	if dsn == "" {
		return nil, fmt.Errorf("subject: postgres dsn is required")
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("subject: open postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	if _, err := pool.Exec(context.Background(), postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("subject: init schema: %w", err)
	}

	return &PostgresDirectory{pool: pool}, nil
}

func (d *PostgresDirectory) Create(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if _, err := d.pool.Exec(ctx,
		"INSERT INTO subjects (subject_id) VALUES ($1)", id); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	return id, nil
}

func (d *PostgresDirectory) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := d.pool.QueryRow(ctx,
		"SELECT 1 FROM subjects WHERE subject_id = $1", id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	return true, nil
}

func (d *PostgresDirectory) Close() error {
	d.pool.Close()
	return nil
}
