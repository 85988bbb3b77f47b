// Package source retrieves ordered call logs and per-call details for the
// entities under analysis.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/calldrop-watch/internal/calls"
	"github.com/withObsrvr/calldrop-watch/internal/metrics"
)

// CallSource yields the call history of each entity for an operating day.
type CallSource interface {
	// ListEntities returns the entities to analyse. An error aborts the run.
	ListEntities(ctx context.Context) ([]string, error)

	// FetchCalls returns the complete, start-time ordered call sequence for
	// entity within day. Upstream failures yield partial data; only context
	// cancellation is returned as an error.
	FetchCalls(ctx context.Context, entity string, day calls.Day) ([]calls.Record, error)

	// FetchDetails returns per-call enrichment keyed by call ID. IDs whose
	// details could not be fetched are absent from the map.
	FetchDetails(ctx context.Context, entity string, callIDs []string) (map[string]calls.Detail, error)

	Close() error
}

const (
	DefaultPageSize     = 150
	DefaultMaxRecords   = 10000
	DefaultDetailChunk  = 50
	DefaultPricingEvent = "PricingSummary"
	DefaultAcceptedKey  = "acceptedTargets"
)

// SourceConfig selects and configures a CallSource.
type SourceConfig struct {
	Mode string // "http" | "archive"

	// HTTP reporting API
	BaseURL   string
	AccountID string
	Token     string
	Timeout   time.Duration

	PageSize    int
	MaxRecords  int
	DetailChunk int

	// Pricing summary lookup within detail events
	PricingEvent string
	AcceptedKey  string

	Retry RetryConfig

	// Archive replay
	ArchiveURL    string // gs://, s3://, file:// or mem://
	ArchivePrefix string
	ArchiveDate   string // pin replay to one day; empty follows the operating day
	Location      *time.Location
}

// RetryConfig bounds the backoff applied to each upstream request.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// ErrInvalidSourceMode is returned for an unknown SourceConfig.Mode.
var ErrInvalidSourceMode = errors.New("invalid source mode")

func (c SourceConfig) withDefaults() SourceConfig {
	if c.PageSize <= 0 || c.PageSize > DefaultPageSize {
		c.PageSize = DefaultPageSize
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = DefaultMaxRecords
	}
	if c.DetailChunk <= 0 || c.DetailChunk > DefaultDetailChunk {
		c.DetailChunk = DefaultDetailChunk
	}
	if c.PricingEvent == "" {
		c.PricingEvent = DefaultPricingEvent
	}
	if c.AcceptedKey == "" {
		c.AcceptedKey = DefaultAcceptedKey
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 4
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = 500 * time.Millisecond
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = 8 * time.Second
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// NewCallSource constructs a call source based on the configured mode.
func NewCallSource(ctx context.Context, cfg SourceConfig, m *metrics.Metrics) (CallSource, error) {
	switch cfg.Mode {
	case "", "http":
		return NewHTTPSource(cfg, m)
	case "archive":
		return OpenArchiveSource(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidSourceMode, cfg.Mode)
	}
}

// chunk splits ids into consecutive groups of at most size, dropping empty
// and repeated IDs.
func chunk(ids []string, size int) [][]string {
	seen := make(map[string]struct{}, len(ids))
	var out [][]string
	var cur []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		cur = append(cur, id)
		if len(cur) == size {
			out = append(out, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
