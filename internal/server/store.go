// Package server is the authoritative relational store. Every ledger
// mutation and the allocation effects it triggers run inside one database
// transaction; allocation rows are taken FOR UPDATE so concurrent mutations
// of the same envelope serialize at the row instead of losing updates.
package server

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"bilancio/internal/envelope"
	"bilancio/internal/ledger"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the Postgres connection pool.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", d, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WithTx implements ledger.Store on one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.withTx(ctx, func(tx *serverTx) error { return fn(tx) })
}

// Atomic implements envelope.Store.
func (s *Store) Atomic(ctx context.Context, fn func(envelope.Tx) error) error {
	return s.withTx(ctx, func(tx *serverTx) error { return fn(tx) })
}

func (s *Store) withTx(ctx context.Context, fn func(*serverTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&serverTx{tx: tx, now: s.now}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UpsertAccount seeds reference data; account CRUD lives outside this core.
func (s *Store) UpsertAccount(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`, id, name)
	return err
}

// UpsertCategory seeds reference data.
func (s *Store) UpsertCategory(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`, id, name)
	return err
}
