package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenOptions tunes the pgx pools created by OpenSchemaPool.
type OpenOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// OpenSchemaPool opens a pgx pool whose connections start with search_path
// bound to schemaName (falling back to public for shared objects). The
// schema name travels as a startup parameter, so every connection in the
// pool is scoped before the first statement runs.
func OpenSchemaPool(ctx context.Context, databaseURL, schemaName string, opts OpenOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	if opts.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = opts.ConnectTimeout
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = fmt.Sprintf("%q, public", schemaName)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool for %s: %w", schemaName, err)
	}
	return pool, nil
}
