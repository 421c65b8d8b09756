package subject

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS subjects (
    subject_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// SQLiteDirectory stores subject identities in a local SQLite file.
type SQLiteDirectory struct {
	db *sql.DB
}

// NewSQLiteDirectory opens (and if needed initializes) the database at
// dsn.
func NewSQLiteDirectory(dsn string) (*SQLiteDirectory, error) {
	if dsn == "" {
		return nil, fmt.Errorf("subject: sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("subject: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("subject: init schema: %w", err)
	}

	return &SQLiteDirectory{db: db}, nil
}

func (d *SQLiteDirectory) Create(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if _, err := d.db.ExecContext(ctx,
		"INSERT INTO subjects (subject_id) VALUES (?)", id); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	return id, nil
}

func (d *SQLiteDirectory) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx,
		"SELECT 1 FROM subjects WHERE subject_id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	return true, nil
}

func (d *SQLiteDirectory) Close() error { return d.db.Close() }
