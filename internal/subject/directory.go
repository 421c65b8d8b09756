// Package subject is the boundary to the relational store of account
// identities. The ephemeral core only needs two things from it: minting
// a new subject id and checking that a resolved id still exists. Account
// modeling beyond that lives outside this service.
package subject

import (
	"context"
	"errors"
	"fmt"
)

// ErrDirectoryUnavailable indicates the relational backend could not be
// reached. Callers must not treat it as "subject absent".
var ErrDirectoryUnavailable = errors.New("subject: directory unavailable")

// Directory looks up and creates subject identities.
type Directory interface {
	// Create mints a new subject and returns its id.
	Create(ctx context.Context) (string, error)

	// Exists reports whether the subject id is known. A missing subject
	// is (false, nil); infrastructure failure is an error.
	Exists(ctx context.Context, id string) (bool, error)

	Close() error
}

// Config selects and configures a [Directory] backend.
type Config struct {
	// Type is one of "memory", "sqlite", "postgres".
	Type string `yaml:"type"`
	// DSN is the connection string for database backends.
	DSN string `yaml:"dsn"`
}

// Open creates the backend named by cfg.Type.
func Open(cfg Config) (Directory, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryDirectory(), nil
	case "sqlite":
		return NewSQLiteDirectory(cfg.DSN)
	case "postgres":
		return NewPostgresDirectory(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported subject directory type: %q", cfg.Type)
	}
}
