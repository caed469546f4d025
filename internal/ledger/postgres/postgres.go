// Package postgres provides a Postgres-backed dedupe ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/legiswatch/internal/ledger"
)

const defaultTable = "ledger_keys"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PoolConfig controls the shared Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
}

// Connect opens a pool that any number of source ledgers can share.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("ledger.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// Ledger stores the keys of one source in a shared table.
type Ledger struct {
	pool   querier
	table  string
	source string
	keys   *ledger.Set
}

// New builds a Ledger for source over pool.
func New(pool querier, table, source string) (*Ledger, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if source == "" {
		return nil, errors.New("source is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Ledger{pool: pool, table: table, source: source, keys: ledger.NewSet()}, nil
}

// Load creates the table if needed and reads every key of the source.
func (l *Ledger) Load(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	source      TEXT        NOT NULL,
	key         TEXT        NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source, key)
)`, l.table)
	if _, err := l.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}

	rows, err := l.pool.Query(ctx, fmt.Sprintf(`SELECT key FROM %s WHERE source = $1`, l.table), l.source)
	if err != nil {
		return fmt.Errorf("select ledger keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return fmt.Errorf("scan ledger key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate ledger keys: %w", err)
	}
	l.keys.Replace(keys)
	return nil
}

// Contains reports whether key was loaded or recorded.
func (l *Ledger) Contains(key string) bool {
	return l.keys.Contains(key)
}

// Record inserts key. An existing row keeps its original timestamp.
func (l *Ledger) Record(ctx context.Context, key string, at time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (source, key, recorded_at)
VALUES ($1, $2, $3)
ON CONFLICT (source, key) DO NOTHING`, l.table)
	if _, err := l.pool.Exec(ctx, query, l.source, key, at.UTC()); err != nil {
		return fmt.Errorf("insert ledger key: %w", err)
	}
	l.keys.Add(key)
	return nil
}
