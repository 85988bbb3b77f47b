package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/withObsrvr/calldrop-watch/internal/alert"
	"github.com/withObsrvr/calldrop-watch/internal/audit"
	"github.com/withObsrvr/calldrop-watch/internal/config"
	"github.com/withObsrvr/calldrop-watch/internal/dedup"
	"github.com/withObsrvr/calldrop-watch/internal/detector"
	"github.com/withObsrvr/calldrop-watch/internal/metrics"
	"github.com/withObsrvr/calldrop-watch/internal/runlock"
	"github.com/withObsrvr/calldrop-watch/internal/source"
	"github.com/withObsrvr/calldrop-watch/internal/storage"
)

// app owns everything a run needs and closes it in reverse order.
type app struct {
	detector *detector.Detector
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

// applyDryRun sends alerts to the log and keeps state in an in-memory bucket.
func applyDryRun(cfg *config.Config) {
	cfg.Sink = config.SinkConfig{Kind: "log"}
	cfg.State.Backend = "blob"
	cfg.State.BucketURL = "mem://"
	cfg.Audit.PostgresDSN = ""
	cfg.Metrics.TextfilePath = ""
	cfg.Metrics.PushURL = ""
}

func registry(cfg config.Config) (*detector.Registry, error) {
	overrides := make([]detector.Variant, 0, len(cfg.Variants))
	for _, v := range cfg.Variants {
		overrides = append(overrides, detector.Variant{
			Name:        v.Name,
			SameBid:     v.SameBid,
			Description: v.Description,
		})
	}
	return detector.NewRegistry(overrides)
}

func lookupVariant(cfg config.Config, name string) (detector.Variant, error) {
	reg, err := registry(cfg)
	if err != nil {
		return detector.Variant{}, err
	}
	return reg.Lookup(name)
}

func storageConfig(cfg config.Config) storage.StorageConfig {
	return storage.StorageConfig{
		Backend:       cfg.State.Backend,
		LocalDir:      cfg.State.LocalDir,
		BucketURL:     cfg.State.BucketURL,
		GCSBucket:     cfg.State.GCSBucket,
		S3Bucket:      cfg.State.S3Bucket,
		S3Endpoint:    cfg.State.S3Endpoint,
		S3Region:      cfg.State.S3Region,
		RedisAddr:     cfg.State.RedisAddr,
		RedisPassword: cfg.State.RedisPassword,
		RedisDB:       cfg.State.RedisDB,
		RedisTTL:      cfg.State.RedisTTL,
		Prefix:        cfg.State.Prefix,
	}
}

func build(ctx context.Context, cfg config.Config, variant detector.Variant) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	m := metrics.New(variant.Name, metrics.Config{
		Namespace:    cfg.Metrics.Namespace,
		TextfilePath: cfg.Metrics.TextfilePath,
		PushURL:      cfg.Metrics.PushURL,
		PushJob:      cfg.Metrics.PushJob,
	})

	store, err := storage.NewStore(ctx, storageConfig(cfg))
	if err != nil {
		return fail(fmt.Errorf("create state store: %w", err))
	}
	a.closers = append(a.closers, store.Close)

	src, err := source.NewCallSource(ctx, source.SourceConfig{
		Mode:         cfg.Source.Mode,
		BaseURL:      cfg.Source.BaseURL,
		AccountID:    cfg.Source.AccountID,
		Token:        cfg.Source.Token,
		Timeout:      cfg.Source.Timeout,
		PageSize:     cfg.Source.PageSize,
		MaxRecords:   cfg.Source.MaxRecords,
		DetailChunk:  cfg.Source.DetailChunk,
		PricingEvent: cfg.Source.PricingEvent,
		AcceptedKey:  cfg.Source.AcceptedKey,
		Retry: source.RetryConfig{
			MaxAttempts:     cfg.Source.Retry.MaxAttempts,
			InitialInterval: cfg.Source.Retry.InitialInterval,
			MaxInterval:     cfg.Source.Retry.MaxInterval,
		},
		ArchiveURL:    cfg.Source.ArchiveURL,
		ArchivePrefix: cfg.Source.ArchivePrefix,
		ArchiveDate:   cfg.Source.ArchiveDate,
		Location:      loc,
	}, m)
	if err != nil {
		return fail(fmt.Errorf("create call source: %w", err))
	}
	a.closers = append(a.closers, src.Close)

	sink, err := alert.NewSink(alert.SinkConfig{
		Kind:    cfg.Sink.Kind,
		URL:     cfg.Sink.URL,
		Path:    cfg.Sink.Path,
		Source:  "calldrop-watch/" + variant.Name,
		Timeout: cfg.Sink.Timeout,
	})
	if err != nil {
		return fail(fmt.Errorf("create alert sink: %w", err))
	}
	dispatcher := alert.NewDispatcher(sink, cfg.Detection.RestrictedNumbers)
	a.closers = append(a.closers, dispatcher.Close)

	auditWriter, err := audit.NewWriter(ctx, audit.Config{PostgresDSN: cfg.Audit.PostgresDSN})
	if err != nil {
		return fail(fmt.Errorf("create audit writer: %w", err))
	}
	a.closers = append(a.closers, auditWriter.Close)

	a.detector = detector.New(variant, detector.Deps{
		Source:     src,
		Dedup:      dedup.NewStore(store, variant.Name),
		Lock:       runlock.New(store, variant.Name, runlock.WithStaleAfter(cfg.State.LockStaleAfter)),
		Dispatcher: dispatcher,
		Audit:      auditWriter,
		Metrics:    m,
	},
		detector.WithLocation(loc),
		detector.WithMaxDuration(cfg.Detection.MaxCallDuration),
	)
	return a, nil
}

// reset clears the variant's dedup record and force-releases its lock.
func reset(ctx context.Context, cfg config.Config, variant detector.Variant) error {
	store, err := storage.NewStore(ctx, storageConfig(cfg))
	if err != nil {
		return fmt.Errorf("create state store: %w", err)
	}
	defer store.Close()

	errDedup := dedup.NewStore(store, variant.Name).Clear(ctx)
	errLock := runlock.New(store, variant.Name).ForceRelease(ctx)
	return errors.Join(errDedup, errLock)
}
