// Package detector runs one detection pass for a variant: it takes the run
// lock, scans every entity's calls for the operating day, records each new
// batch and dispatches alerts for it.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/withObsrvr/calldrop-watch/internal/alert"
	"github.com/withObsrvr/calldrop-watch/internal/audit"
	"github.com/withObsrvr/calldrop-watch/internal/calls"
	"github.com/withObsrvr/calldrop-watch/internal/dedup"
	"github.com/withObsrvr/calldrop-watch/internal/grouper"
	"github.com/withObsrvr/calldrop-watch/internal/logging"
	"github.com/withObsrvr/calldrop-watch/internal/metrics"
	"github.com/withObsrvr/calldrop-watch/internal/runlock"
	"github.com/withObsrvr/calldrop-watch/internal/source"
)

// ErrAlreadyRunning is returned when another run holds the lock.
var ErrAlreadyRunning = errors.New("detector already running")

// Deps are the collaborators a Detector drives. Audit and Metrics may be nil.
type Deps struct {
	Source     source.CallSource
	Dedup      *dedup.Store
	Lock       *runlock.Lock
	Dispatcher *alert.Dispatcher
	Audit      audit.Writer
	Metrics    *metrics.Metrics
}

// Summary reports what a run did.
type Summary struct {
	Variant          string
	Date             string
	Entities         int
	FailedEntities   int
	Calls            int
	Batches          int
	Duplicates       int
	Skipped          int
	Sent             int
	Suppressed       int
	DeliveryFailures int
	Duration         time.Duration
}

// Detector executes runs for a single variant.
type Detector struct {
	variant     Variant
	deps        Deps
	loc         *time.Location
	maxDuration time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithLocation sets the time zone used for operating-day boundaries.
func WithLocation(loc *time.Location) Option {
	return func(d *Detector) {
		if loc != nil {
			d.loc = loc
		}
	}
}

// WithMaxDuration sets the short-call threshold.
func WithMaxDuration(max time.Duration) Option {
	return func(d *Detector) {
		if max > 0 {
			d.maxDuration = max
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// New creates a detector for variant.
func New(variant Variant, deps Deps, opts ...Option) *Detector {
	d := &Detector{
		variant:     variant,
		deps:        deps,
		loc:         time.UTC,
		maxDuration: grouper.DefaultMaxDuration,
		now:         time.Now,
		log:         slog.With("component", "detector", "variant", variant.Name),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run performs one detection pass. Entity failures are logged and counted
// but do not fail the run. The dedup record is saved and the lock released
// on every exit path once the lock has been acquired.
func (d *Detector) Run(ctx context.Context) (summary Summary, err error) {
	started := d.now()
	day := calls.OperatingDay(started, d.loc)
	summary = Summary{Variant: d.variant.Name, Date: day.Date}

	log := d.log
	if id := logging.RunID(ctx); id != "" {
		log = log.With("run_id", id)
	}

	acquired, err := d.deps.Lock.Acquire(ctx)
	if err != nil {
		return summary, fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		return summary, ErrAlreadyRunning
	}

	loaded := false
	defer func() {
		if r := recover(); r != nil {
			log.Error("detector panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("detector panic: %v", r)
		}
		summary.Duration = d.now().Sub(started)
		d.cleanup(ctx, log, loaded, summary, err)
	}()

	if err := d.deps.Dedup.Load(ctx, day.Date); err != nil {
		return summary, err
	}
	loaded = true
	d.deps.Dedup.ResetIfNewDay(day.Date)

	log.Info("run started",
		"date", day.Date,
		"same_bid", d.variant.SameBid,
		"max_duration", d.maxDuration.String(),
		"known_batches", d.deps.Dedup.Len(),
	)

	entities, err := d.deps.Source.ListEntities(ctx)
	if err != nil {
		return summary, fmt.Errorf("list entities: %w", err)
	}

	for _, entity := range entities {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		summary.Entities++
		d.deps.Metrics.IncEntities()

		if err := d.processEntity(ctx, log, entity, day, &summary); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return summary, ctxErr
			}
			summary.FailedEntities++
			d.deps.Metrics.IncEntityFailures()
			log.Error("entity failed", "entity", entity, "error", err)
		}
	}

	return summary, nil
}

// cleanup persists state and releases the lock using a context that
// survives cancellation of the run.
func (d *Detector) cleanup(ctx context.Context, log *slog.Logger, loaded bool, summary Summary, runErr error) {
	cctx := context.WithoutCancel(ctx)

	if loaded {
		if err := d.deps.Dedup.Save(cctx); err != nil {
			log.Error("failed to save dedup record", "error", err)
		}
	}
	if err := d.deps.Lock.Release(cctx); err != nil {
		log.Error("failed to release run lock", "error", err)
	}

	d.deps.Metrics.ObserveRun(summary.Duration, runErr == nil, d.now())
	if err := d.deps.Metrics.Flush(cctx); err != nil {
		log.Warn("failed to flush metrics", "error", err)
	}

	attrs := []any{
		"entities", summary.Entities,
		"failed_entities", summary.FailedEntities,
		"calls", summary.Calls,
		"batches", summary.Batches,
		"duplicates", summary.Duplicates,
		"skipped", summary.Skipped,
		"sent", summary.Sent,
		"suppressed", summary.Suppressed,
		"delivery_failures", summary.DeliveryFailures,
		"duration", summary.Duration.String(),
	}
	if runErr != nil {
		log.Error("run finished with error", append(attrs, "error", runErr)...)
		return
	}
	log.Info("run complete", attrs...)
}

// processEntity scans one entity. A panic is converted into an error so the
// run can move on to the next entity.
func (d *Detector) processEntity(ctx context.Context, log *slog.Logger, entity string, day calls.Day, summary *Summary) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("entity panic", "entity", entity, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic processing %s: %v", entity, r)
		}
	}()

	records, err := d.deps.Source.FetchCalls(ctx, entity, day)
	if err != nil {
		return fmt.Errorf("fetch calls: %w", err)
	}
	summary.Calls += len(records)
	d.deps.Metrics.AddCallsFetched(len(records))

	if d.variant.SameBid {
		records, err = d.enrich(ctx, entity, records)
		if err != nil {
			return fmt.Errorf("fetch details: %w", err)
		}
	}

	if res := ValidateSequence(records); !res.Clean() {
		log.Warn("call sequence anomalies",
			"entity", entity,
			"out_of_order", res.OutOfOrder,
			"missing_ids", res.MissingIDs,
			"duplicate_ids", res.Duplicates,
			"first", res.Warnings[0],
		)
	}

	opts := grouper.Options{SameBid: d.variant.SameBid, MaxDuration: d.maxDuration}
	for batch := range grouper.Group(records, opts) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.handleBatch(ctx, log, batch, day, summary); err != nil {
			return err
		}
	}
	return nil
}

// enrich attaches accepted bids from the detail endpoint. Records without
// details keep a nil bid and so never join a same-bid batch.
func (d *Detector) enrich(ctx context.Context, entity string, records []calls.Record) ([]calls.Record, error) {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if r.HasCallID() {
			ids = append(ids, r.CallID)
		}
	}
	if len(ids) == 0 {
		return records, nil
	}

	details, err := d.deps.Source.FetchDetails(ctx, entity, ids)
	if err != nil {
		return nil, err
	}

	out := make([]calls.Record, len(records))
	for i, r := range records {
		if det, ok := details[r.CallID]; ok && r.HasCallID() {
			r = r.WithBid(det.Bid)
		}
		out[i] = r
	}
	return out, nil
}

// handleBatch records a batch before dispatching it, so a crash in between
// can only lose an alert, never repeat one.
func (d *Detector) handleBatch(ctx context.Context, log *slog.Logger, batch grouper.Batch, day calls.Day, summary *Summary) error {
	summary.Batches++
	d.deps.Metrics.IncBatchesDetected()

	id, err := dedup.IdentityOf(batch)
	if err != nil {
		summary.Skipped++
		d.deps.Metrics.IncBatchesSkipped()
		log.Warn("skipping batch", "entity", batch.Entity(), "error", err)
		return nil
	}

	if d.deps.Dedup.Contains(id) {
		summary.Duplicates++
		d.deps.Metrics.IncBatchesDuplicate()
		log.Debug("batch already handled", "entity", batch.Entity(), "identity", id)
		return nil
	}

	if err := d.deps.Dedup.Insert(ctx, id); err != nil {
		return fmt.Errorf("record batch %s: %w", id, err)
	}

	outcome, sendErr := d.deps.Dispatcher.Dispatch(ctx, batch, d.variant.Name, d.variant.SameBid)
	switch outcome {
	case alert.OutcomeSent:
		summary.Sent++
		d.deps.Metrics.IncAlertsSent()
		log.Info("alert sent", "entity", batch.Entity(), "identity", id, "call_ids", batch.CallIDs())
	case alert.OutcomeSuppressed:
		summary.Suppressed++
		d.deps.Metrics.IncAlertsSuppressed()
		log.Info("alert suppressed for restricted number", "entity", batch.Entity(), "identity", id)
	case alert.OutcomeFailed:
		summary.DeliveryFailures++
		d.deps.Metrics.IncAlertsFailed()
		log.Error("alert delivery failed", "entity", batch.Entity(), "identity", id, "error", sendErr)
	}

	d.recordAudit(ctx, log, batch, id, day, outcome, sendErr)
	return nil
}

func (d *Detector) recordAudit(ctx context.Context, log *slog.Logger, batch grouper.Batch, id dedup.Identity, day calls.Day, outcome alert.Outcome, sendErr error) {
	if d.deps.Audit == nil {
		return
	}

	rec := audit.Record{
		Identity:  string(id),
		Variant:   d.variant.Name,
		Entity:    batch.Entity(),
		Date:      day.Date,
		CallIDs:   batch.CallIDs(),
		Outcome:   outcome.String(),
		CreatedAt: d.now().UTC(),
	}
	for _, r := range batch {
		rec.Phones = append(rec.Phones, r.PhoneNumber)
	}
	if d.variant.SameBid && batch[0].Bid != nil {
		rec.Bid = batch[0].Bid.StringFixed(2)
	}
	if sendErr != nil {
		rec.Error = sendErr.Error()
	}

	if err := d.deps.Audit.RecordAlert(ctx, rec); err != nil {
		log.Warn("failed to record audit entry", "identity", id, "error", err)
	}
}
