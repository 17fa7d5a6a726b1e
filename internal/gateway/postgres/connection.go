// Package postgres is the PostgreSQL-backed implementation of every
// engine's repository interface. It is the only package in this module that
// knows about rows and columns; nothing above it sees SQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver, used only for goose
	"github.com/pressly/goose/v3"
)

//go:embed all:migrations
var embedMigrations embed.FS

// PoolConfig configures the underlying connection pool.
type PoolConfig struct {
	DSN             string
	MaxOpenConns    int32
	MinIdleConns    int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// SkipMigrations disables the automatic goose.Up call, for callers that
	// run migrations out of band.
	SkipMigrations bool
}

// Store wraps a pgxpool.Pool and is embedded by every engine's concrete
// postgres repository implementation so they share one connection pool.
type Store struct {
	Pool *pgxpool.Pool
}

// Open creates the connection pool, runs migrations (unless skipped), and
// returns a Store shared by every engine's repository.
func Open(ctx context.Context, cfg PoolConfig) (*Store, error) {
	if !cfg.SkipMigrations {
		if err := runMigrations(cfg.DSN); err != nil {
			return nil, fmt.Errorf("postgres: run migrations: %w", err)
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 {
		maxConns = int32(runtime.GOMAXPROCS(0) * 4)
	}
	minConns := cfg.MinIdleConns
	if minConns <= 0 {
		minConns = int32(runtime.GOMAXPROCS(0))
	}
	connMaxLifetime := cfg.ConnMaxLifetime
	if connMaxLifetime <= 0 {
		connMaxLifetime = 5 * time.Minute
	}
	connMaxIdleTime := cfg.ConnMaxIdleTime
	if connMaxIdleTime <= 0 {
		connMaxIdleTime = time.Minute
	}

	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = minConns
	poolConfig.MaxConnLifetime = connMaxLifetime
	poolConfig.MaxConnIdleTime = connMaxIdleTime
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET TIMEZONE='UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Store{Pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.Pool.Close()
}

func runMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("postgres: failed to close migration connection", "error", err)
		}
	}()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
