// Package metrics provides Prometheus metrics for detector runs.
//
// A run is a short-lived batch process, so metrics are exported at the end
// of the run either as a node-exporter textfile or by pushing to a
// Pushgateway rather than served for scraping.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds all Prometheus metrics for one detector run.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	variant  string
	cfg      Config

	// Entity metrics
	Entities       *prometheus.CounterVec
	EntityFailures *prometheus.CounterVec
	CallsFetched   *prometheus.CounterVec

	// Source metrics
	FetchErrors      *prometheus.CounterVec
	FetchTruncations *prometheus.CounterVec
	RetryAttempts    *prometheus.CounterVec

	// Batch metrics
	BatchesDetected  *prometheus.CounterVec
	BatchesDuplicate *prometheus.CounterVec
	BatchesSkipped   *prometheus.CounterVec

	// Alert metrics
	AlertsSent       *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	AlertsFailed     *prometheus.CounterVec

	// Run metrics
	RunDuration *prometheus.GaugeVec
	LastSuccess *prometheus.GaugeVec
}

// Config holds metrics export configuration.
type Config struct {
	Namespace    string
	TextfilePath string // node-exporter textfile collector target
	PushURL      string // Pushgateway base URL
	PushJob      string
}

// New creates the metrics for variant on a private registry.
func New(variant string, cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "calldrop"
	}
	if cfg.PushJob == "" {
		cfg.PushJob = "calldrop_watch"
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	ns := cfg.Namespace
	labels := []string{"variant"}

	counter := func(name, help string, extra ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      name,
			Help:      help,
		}, append(labels, extra...))
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      name,
			Help:      help,
		}, labels)
	}

	return &Metrics{
		registry: reg,
		variant:  variant,
		cfg:      cfg,

		Entities:       counter("entities_total", "Total number of entities analysed"),
		EntityFailures: counter("entity_failures_total", "Total number of entities that failed processing"),
		CallsFetched:   counter("calls_fetched_total", "Total number of call records fetched"),

		FetchErrors:      counter("fetch_errors_total", "Total number of upstream requests that failed after retries", "operation"),
		FetchTruncations: counter("fetch_truncations_total", "Total number of call sequences cut off at the record cap"),
		RetryAttempts:    counter("retry_attempts_total", "Total number of upstream retry attempts", "operation"),

		BatchesDetected:  counter("batches_detected_total", "Total number of drop batches detected"),
		BatchesDuplicate: counter("batches_duplicate_total", "Total number of batches already alerted today"),
		BatchesSkipped:   counter("batches_skipped_total", "Total number of batches skipped as malformed"),

		AlertsSent:       counter("alerts_sent_total", "Total number of alerts delivered"),
		AlertsSuppressed: counter("alerts_suppressed_total", "Total number of alerts suppressed for restricted numbers"),
		AlertsFailed:     counter("alerts_failed_total", "Total number of alerts that failed delivery"),

		RunDuration: gauge("run_duration_seconds", "Wall time of the last run"),
		LastSuccess: gauge("last_success_timestamp_seconds", "Unix time of the last successful run"),
	}
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IncEntities increments the entities counter.
func (m *Metrics) IncEntities() {
	if m == nil {
		return
	}
	m.Entities.WithLabelValues(m.variant).Inc()
}

// IncEntityFailures increments the entity failures counter.
func (m *Metrics) IncEntityFailures() {
	if m == nil {
		return
	}
	m.EntityFailures.WithLabelValues(m.variant).Inc()
}

// AddCallsFetched adds to the calls fetched counter.
func (m *Metrics) AddCallsFetched(n int) {
	if m == nil {
		return
	}
	m.CallsFetched.WithLabelValues(m.variant).Add(float64(n))
}

// IncFetchErrors increments the fetch errors counter for operation.
func (m *Metrics) IncFetchErrors(operation string) {
	if m == nil {
		return
	}
	m.FetchErrors.WithLabelValues(m.variant, operation).Inc()
}

// IncFetchTruncations increments the truncation counter.
func (m *Metrics) IncFetchTruncations() {
	if m == nil {
		return
	}
	m.FetchTruncations.WithLabelValues(m.variant).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(operation string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(m.variant, operation).Inc()
}

// IncBatchesDetected increments the detected batches counter.
func (m *Metrics) IncBatchesDetected() {
	if m == nil {
		return
	}
	m.BatchesDetected.WithLabelValues(m.variant).Inc()
}

// IncBatchesDuplicate increments the duplicate batches counter.
func (m *Metrics) IncBatchesDuplicate() {
	if m == nil {
		return
	}
	m.BatchesDuplicate.WithLabelValues(m.variant).Inc()
}

// IncBatchesSkipped increments the skipped batches counter.
func (m *Metrics) IncBatchesSkipped() {
	if m == nil {
		return
	}
	m.BatchesSkipped.WithLabelValues(m.variant).Inc()
}

// IncAlertsSent increments the sent alerts counter.
func (m *Metrics) IncAlertsSent() {
	if m == nil {
		return
	}
	m.AlertsSent.WithLabelValues(m.variant).Inc()
}

// IncAlertsSuppressed increments the suppressed alerts counter.
func (m *Metrics) IncAlertsSuppressed() {
	if m == nil {
		return
	}
	m.AlertsSuppressed.WithLabelValues(m.variant).Inc()
}

// IncAlertsFailed increments the failed alerts counter.
func (m *Metrics) IncAlertsFailed() {
	if m == nil {
		return
	}
	m.AlertsFailed.WithLabelValues(m.variant).Inc()
}

// ObserveRun records the run duration and, on success, the completion time.
func (m *Metrics) ObserveRun(d time.Duration, succeeded bool, finishedAt time.Time) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(m.variant).Set(d.Seconds())
	if succeeded {
		m.LastSuccess.WithLabelValues(m.variant).Set(float64(finishedAt.Unix()))
	}
}

// Flush exports the registry to the configured textfile and Pushgateway.
// With neither configured it does nothing.
func (m *Metrics) Flush(ctx context.Context) error {
	if m == nil {
		return nil
	}

	if m.cfg.TextfilePath != "" {
		if err := prometheus.WriteToTextfile(m.cfg.TextfilePath, m.registry); err != nil {
			return fmt.Errorf("write metrics textfile %s: %w", m.cfg.TextfilePath, err)
		}
	}

	if m.cfg.PushURL != "" {
		err := push.New(m.cfg.PushURL, m.cfg.PushJob).
			Gatherer(m.registry).
			Grouping("detector", m.variant).
			PushContext(ctx)
		if err != nil {
			return fmt.Errorf("push metrics to %s: %w", m.cfg.PushURL, err)
		}
	}
	return nil
}
