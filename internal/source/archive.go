package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"

	"github.com/withObsrvr/calldrop-watch/internal/calls"
)

const (
	archiveExt     = ".json"
	archiveZstdExt = ".json.zst"
)

// ArchiveSource replays recorded call logs from a bucket laid out as
// <prefix><YYYY-MM-DD>/<escaped entity>.json[.zst].
type ArchiveSource struct {
	bucket  *blob.Bucket
	prefix  string
	decoder *zstd.Decoder
	cfg     SourceConfig
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	loaded map[string]map[string]wireCall // entity -> call ID -> row
}

// OpenArchiveSource opens the bucket at cfg.ArchiveURL.
func OpenArchiveSource(ctx context.Context, cfg SourceConfig) (*ArchiveSource, error) {
	if cfg.ArchiveURL == "" {
		return nil, errors.New("archive URL required")
	}
	bucket, err := blob.OpenBucket(ctx, cfg.ArchiveURL)
	if err != nil {
		return nil, fmt.Errorf("open archive bucket %s: %w", cfg.ArchiveURL, err)
	}
	src, err := NewArchiveSource(bucket, cfg)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	return src, nil
}

// NewArchiveSource wraps an open bucket. The source closes it on Close.
func NewArchiveSource(bucket *blob.Bucket, cfg SourceConfig) (*ArchiveSource, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	cfg = cfg.withDefaults()
	return &ArchiveSource{
		bucket:  bucket,
		prefix:  cfg.ArchivePrefix,
		decoder: dec,
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.With("component", "source", "source_type", "archive"),
		loaded:  make(map[string]map[string]wireCall),
	}, nil
}

// date returns the pinned replay day or the day in progress.
func (s *ArchiveSource) date(day string) string {
	if s.cfg.ArchiveDate != "" {
		return s.cfg.ArchiveDate
	}
	if day != "" {
		return day
	}
	return calls.OperatingDay(s.now(), s.cfg.Location).Date
}

// ListEntities lists the entity objects recorded for the replay day.
func (s *ArchiveSource) ListEntities(ctx context.Context) ([]string, error) {
	dir := s.prefix + s.date("") + "/"
	iter := s.bucket.List(&blob.ListOptions{
		Prefix:    dir,
		Delimiter: "/",
	})

	seen := make(map[string]struct{})
	var names []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		if obj.IsDir {
			continue
		}

		base := strings.TrimPrefix(obj.Key, dir)
		switch {
		case strings.HasSuffix(base, archiveZstdExt):
			base = strings.TrimSuffix(base, archiveZstdExt)
		case strings.HasSuffix(base, archiveExt):
			base = strings.TrimSuffix(base, archiveExt)
		default:
			continue
		}
		name, err := url.PathUnescape(base)
		if err != nil || name == "" {
			s.logger.Warn("skipping archive object with invalid name", "key", obj.Key)
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	s.logger.Debug("listed archived entities", "prefix", dir, "count", len(names))
	return names, nil
}

// FetchCalls loads the entity's recorded rows. A missing or unreadable
// object yields an empty sequence.
func (s *ArchiveSource) FetchCalls(ctx context.Context, entity string, day calls.Day) ([]calls.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := s.prefix + s.date(day.Date) + "/" + url.PathEscape(entity)

	rows, err := s.readRows(ctx, base)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.logger.Warn("archive read failed", "entity", entity, "key", base, "error", err)
		return nil, nil
	}

	if len(rows) > s.cfg.MaxRecords {
		s.logger.Warn("archived call log truncated at record cap",
			"entity", entity,
			"cap", s.cfg.MaxRecords,
			"recorded", len(rows),
		)
		rows = rows[:s.cfg.MaxRecords]
	}

	byID := make(map[string]wireCall, len(rows))
	out := make([]calls.Record, 0, len(rows))
	for _, w := range rows {
		r := w.toRecord(entity)
		if r.CallID != "" {
			byID[r.CallID] = w
		}
		out = append(out, r)
	}

	s.mu.Lock()
	s.loaded[entity] = byID
	s.mu.Unlock()
	return out, nil
}

// FetchDetails answers from the rows loaded by FetchCalls.
func (s *ArchiveSource) FetchDetails(ctx context.Context, entity string, callIDs []string) (map[string]calls.Detail, error) {
	s.mu.Lock()
	rows := s.loaded[entity]
	s.mu.Unlock()

	out := make(map[string]calls.Detail, len(callIDs))
	for _, id := range callIDs {
		if w, ok := rows[id]; ok {
			out[id] = w.detail(entity, s.cfg.PricingEvent, s.cfg.AcceptedKey)
		}
	}
	return out, ctx.Err()
}

// Close releases resources.
func (s *ArchiveSource) Close() error {
	if s.decoder != nil {
		s.decoder.Close()
	}
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

func (s *ArchiveSource) readRows(ctx context.Context, base string) ([]wireCall, error) {
	data, err := s.bucket.ReadAll(ctx, base+archiveZstdExt)
	compressed := true
	if gcerrors.Code(err) == gcerrors.NotFound {
		data, err = s.bucket.ReadAll(ctx, base+archiveExt)
		compressed = false
	}
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if compressed {
		data, err = s.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	}
	return decodeRows(data)
}

// decodeRows accepts either a bare array of rows or a report envelope.
func decodeRows(data []byte) ([]wireCall, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var rows []wireCall
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("decode rows: %w", err)
		}
		return rows, nil
	}
	var resp reportResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return resp.Report.Records, nil
}
