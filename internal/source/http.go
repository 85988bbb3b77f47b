package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/calldrop-watch/internal/calls"
	"github.com/withObsrvr/calldrop-watch/internal/metrics"
)

// HTTPSource reads call logs from the reporting API.
type HTTPSource struct {
	cfg     SourceConfig
	client  *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHTTPSource creates a reporting API client.
func NewHTTPSource(cfg SourceConfig, m *metrics.Metrics) (*HTTPSource, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("source base URL required")
	}
	if cfg.AccountID == "" {
		return nil, errors.New("source account ID required")
	}
	cfg = cfg.withDefaults()
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &HTTPSource{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		metrics: m,
		logger:  slog.With("component", "source", "source_type", "http"),
	}, nil
}

// ListEntities returns the names of enabled targets.
func (s *HTTPSource) ListEntities(ctx context.Context) ([]string, error) {
	var resp targetsResponse
	if err := s.do(ctx, "targets", http.MethodGet, s.accountURL("targets"), nil, &resp); err != nil {
		s.metrics.IncFetchErrors("targets")
		return nil, fmt.Errorf("list targets: %w", err)
	}

	seen := make(map[string]struct{}, len(resp.Targets))
	names := make([]string, 0, len(resp.Targets))
	for _, t := range resp.Targets {
		name := strings.TrimSpace(t.Name)
		if name == "" || !t.enabled() {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	s.logger.Debug("listed targets", "total", len(resp.Targets), "enabled", len(names))
	return names, nil
}

// FetchCalls pages through the entity's call log for day until a short page
// or the record cap.
func (s *HTTPSource) FetchCalls(ctx context.Context, entity string, day calls.Day) ([]calls.Record, error) {
	logger := s.logger.With("entity", entity, "date", day.Date)
	var out []calls.Record

	for offset := 0; ; {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		size := min(s.cfg.PageSize, s.cfg.MaxRecords-len(out))
		req := callLogRequest{
			ReportStart:    day.Start.Format(time.RFC3339),
			ReportEnd:      day.End.Format(time.RFC3339),
			Offset:         offset,
			Size:           size,
			Filters:        []reportFilter{{Column: "targetName", Value: entity}},
			OrderByColumns: []reportOrderBy{{Column: "callDt", Direction: "asc"}},
		}

		var resp reportResponse
		if err := s.do(ctx, "calllogs", http.MethodPost, s.accountURL("calllogs"), req, &resp); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			s.metrics.IncFetchErrors("calllogs")
			logger.Warn("call log page failed, keeping partial result",
				"offset", offset,
				"collected", len(out),
				"error", err,
			)
			break
		}

		page := resp.Report.Records
		for _, w := range page {
			out = append(out, w.toRecord(entity))
		}
		logger.Debug("fetched call log page", "offset", offset, "records", len(page))

		if len(out) >= s.cfg.MaxRecords {
			s.metrics.IncFetchTruncations()
			logger.Warn("call log truncated at record cap",
				"cap", s.cfg.MaxRecords,
				"collected", len(out),
			)
			break
		}
		if len(page) < size {
			break
		}
		offset += len(page)
	}

	return out, nil
}

// FetchDetails requests details in chunks; failed chunks are skipped.
func (s *HTTPSource) FetchDetails(ctx context.Context, entity string, callIDs []string) (map[string]calls.Detail, error) {
	logger := s.logger.With("entity", entity)
	out := make(map[string]calls.Detail, len(callIDs))

	for _, ids := range chunk(callIDs, s.cfg.DetailChunk) {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		var resp reportResponse
		err := s.do(ctx, "detail", http.MethodPost, s.accountURL("calllogs/detail"), detailRequest{InboundCallIDs: ids}, &resp)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			s.metrics.IncFetchErrors("detail")
			logger.Warn("detail chunk failed, skipping", "calls", len(ids), "error", err)
			continue
		}

		for _, w := range resp.Report.Records {
			d := w.detail(entity, s.cfg.PricingEvent, s.cfg.AcceptedKey)
			if d.CallID != "" {
				out[d.CallID] = d
			}
		}
	}
	return out, nil
}

// Close releases idle connections.
func (s *HTTPSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *HTTPSource) accountURL(path string) string {
	return fmt.Sprintf("%s/accounts/%s/%s", s.cfg.BaseURL, url.PathEscape(s.cfg.AccountID), path)
}

// statusError is a non-2xx upstream response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

func (e *statusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// do performs one logical request with bounded exponential backoff.
// Transport errors, 429 and 5xx are retried; other failures are permanent.
func (s *HTTPSource) do(ctx context.Context, operation, method, endpoint string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.Retry.InitialInterval
	b.MaxInterval = s.cfg.Retry.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.Retry.MaxAttempts-1)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := s.once(ctx, method, endpoint, payload, out)
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.metrics.IncRetryAttempts(operation)
		s.logger.Warn("upstream request failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", s.cfg.Retry.MaxAttempts,
			"wait", wait,
			"error", err,
		)
	}

	return backoff.RetryNotify(op, policy, notify)
}

func (s *HTTPSource) once(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Token "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
