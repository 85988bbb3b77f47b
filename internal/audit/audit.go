// Package audit keeps a durable record of every dispatched or suppressed
// alert for later review.
package audit

import (
	"context"
	"time"
)

// Config configures the audit writer.
type Config struct {
	PostgresDSN string
}

// Record describes the handling of one detected batch.
type Record struct {
	Identity  string
	Variant   string
	Entity    string
	Date      string
	CallIDs   []string
	Phones    []string
	Bid       string // empty when unknown or not applicable
	Outcome   string // "sent" | "suppressed" | "failed"
	Error     string
	CreatedAt time.Time
}

// Writer persists audit records.
type Writer interface {
	RecordAlert(ctx context.Context, rec Record) error
	Close() error
}

// NewWriter returns a PostgreSQL writer when a DSN is configured and a
// no-op writer otherwise.
func NewWriter(ctx context.Context, cfg Config) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(ctx, cfg)
}

type noopWriter struct{}

func (noopWriter) RecordAlert(_ context.Context, _ Record) error { return nil }
func (noopWriter) Close() error                                   { return nil }
