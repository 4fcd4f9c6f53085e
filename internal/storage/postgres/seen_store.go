// Package postgres provides a Postgres-backed seen-id registry.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/adwatch/internal/seen"
)

const defaultSeenTable = "seen_ads"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SeenStoreConfig controls the Postgres connection pool used for seen ids.
type SeenStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// SeenStore implements seen.Registry on a (filter_name, ad_id) table.
// Inserts rely on the primary key, so concurrent AddMany calls are idempotent.
type SeenStore struct {
	pool  querier
	table string
	now   func() time.Time
}

var _ seen.Registry = (*SeenStore)(nil)

// NewSeenStore connects to Postgres and returns a SeenStore.
func NewSeenStore(ctx context.Context, cfg SeenStoreConfig) (*SeenStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres_dsn is required")
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
	store, err := NewSeenStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewSeenStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSeenStoreWithPool(pool querier, table string) (*SeenStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultSeenTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SeenStore{pool: pool, table: table, now: time.Now}, nil
}

// Close releases the underlying pool resources.
func (s *SeenStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the seen table if it does not exist.
func (s *SeenStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	filter_name TEXT        NOT NULL,
	ad_id       TEXT        NOT NULL,
	seen_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (filter_name, ad_id)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create seen table: %w", err)
	}
	return nil
}

// UnseenOnly returns the candidates not yet recorded for filterName.
func (s *SeenStore) UnseenOnly(ctx context.Context, filterName string, candidates []string) (seen.Set, error) {
	fresh := seen.NewSet(candidates...)
	if len(fresh) == 0 {
		return fresh, nil
	}

	query := fmt.Sprintf(`SELECT ad_id FROM %s WHERE filter_name = $1 AND ad_id = ANY($2)`, s.table)
	rows, err := s.pool.Query(ctx, query, filterName, candidates)
	if err != nil {
		return nil, fmt.Errorf("query seen ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan seen id: %w", err)
		}
		delete(fresh, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seen ids: %w", err)
	}
	return fresh, nil
}

// AddMany records ids as seen for filterName in one statement.
func (s *SeenStore) AddMany(ctx context.Context, filterName string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (filter_name, ad_id, seen_at)
SELECT $1, id, $3 FROM unnest($2::text[]) AS id
ON CONFLICT (filter_name, ad_id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, filterName, ids, s.now().UTC()); err != nil {
		return fmt.Errorf("insert seen ids: %w", err)
	}
	return nil
}

// Count returns how many ids are recorded for filterName.
func (s *SeenStore) Count(ctx context.Context, filterName string) (int, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE filter_name = $1`, s.table)
	var n int
	if err := s.pool.QueryRow(ctx, query, filterName).Scan(&n); err != nil {
		return 0, fmt.Errorf("count seen ids: %w", err)
	}
	return n, nil
}
