package audit

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
}

// NewPostgresWriter connects, verifies the connection and applies the schema.
func NewPostgresWriter(ctx context.Context, cfg Config) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// A run writes at most a handful of rows per entity.
	poolCfg.MaxConns = 2
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{pool: pool}
	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	slog.Info("connected to PostgreSQL audit log", "component", "audit")
	return w, nil
}

func (w *PostgresWriter) initSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// RecordAlert inserts rec. A batch already recorded for the variant is left
// untouched.
func (w *PostgresWriter) RecordAlert(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO calldrop_alerts (
			identity, variant, entity, op_date, call_ids, phones,
			bid, outcome, error, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '')::NUMERIC, $8, NULLIF($9, ''), $10)
		ON CONFLICT (identity, variant) DO NOTHING
	`

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := w.pool.Exec(ctx, query,
		rec.Identity,
		rec.Variant,
		rec.Entity,
		rec.Date,
		rec.CallIDs,
		rec.Phones,
		rec.Bid,
		rec.Outcome,
		rec.Error,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("record alert %s: %w", rec.Identity, err)
	}
	return nil
}

// AlertExists reports whether identity was recorded for variant.
func (w *PostgresWriter) AlertExists(ctx context.Context, identity, variant string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM calldrop_alerts
			WHERE identity = $1 AND variant = $2
		)
	`

	var exists bool
	if err := w.pool.QueryRow(ctx, query, identity, variant).Scan(&exists); err != nil {
		return false, fmt.Errorf("check alert exists: %w", err)
	}
	return exists, nil
}

// Close closes the connection pool.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}
