// Package postgres implements storage.Repository on a pgx connection pool.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/idmcalculus/Simplitics/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type DB struct {
	Pool *pgxpool.Pool
	now  func() time.Time
}

var _ storage.Repository = (*DB)(nil)

// Connect opens the pool and applies pending migrations.
func Connect(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	db := &DB{Pool: pool, now: time.Now}
	if err := db.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded migrations through a database/sql view of the pool.
func (db *DB) Migrate() error {
	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	defer sqlDB.Close()

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	// The driver holds a dedicated connection from the pool until it is closed.
	dbDriver, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
	if err != nil {
		_ = sourceDriver.Close()
		return fmt.Errorf("create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		_ = sourceDriver.Close()
		_ = dbDriver.Close()
		return fmt.Errorf("create migrator: %w", err)
	}
	return runMigrations(m)
}

type migrator interface {
	Up() error
	Close() (source error, database error)
}

// runMigrations applies pending migrations and always closes m.
func runMigrations(m migrator) error {
	var errs []error
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		errs = append(errs, fmt.Errorf("apply migrations: %w", err))
	}
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		errs = append(errs, fmt.Errorf("close migration source: %w", srcErr))
	}
	if dbErr != nil {
		errs = append(errs, fmt.Errorf("close migration db driver: %w", dbErr))
	}
	return errors.Join(errs...)
}

func (db *DB) Close() error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	return nil
}

func (db *DB) Ping(ctx context.Context) error {
	var one int
	return db.Pool.QueryRow(ctx, "select 1").Scan(&one)
}
