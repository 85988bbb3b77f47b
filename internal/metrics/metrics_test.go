package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersCarryVariant(t *testing.T) {
	m := New("same-bid-drops", Config{})

	m.IncEntities()
	m.IncEntities()
	m.AddCallsFetched(42)
	m.IncFetchErrors("calllogs")
	m.IncAlertsSent()

	if got := testutil.ToFloat64(m.Entities.WithLabelValues("same-bid-drops")); got != 2 {
		t.Errorf("entities_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CallsFetched.WithLabelValues("same-bid-drops")); got != 42 {
		t.Errorf("calls_fetched_total = %v, want 42", got)
	}
	if got := testutil.ToFloat64(m.FetchErrors.WithLabelValues("same-bid-drops", "calllogs")); got != 1 {
		t.Errorf("fetch_errors_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AlertsSent.WithLabelValues("same-bid-drops")); got != 1 {
		t.Errorf("alerts_sent_total = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncEntities()
	m.IncFetchTruncations()
	m.ObserveRun(time.Second, true, time.Now())
	if err := m.Flush(context.Background()); err != nil {
		t.Errorf("Flush on nil = %v", err)
	}
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestFlushTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calldrop.prom")
	m := New("consecutive-drops", Config{TextfilePath: path})
	m.IncBatchesDetected()
	m.ObserveRun(1500*time.Millisecond, true, time.Unix(1700000000, 0))

	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("textfile not written: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		`calldrop_batches_detected_total{variant="consecutive-drops"} 1`,
		`calldrop_run_duration_seconds{variant="consecutive-drops"} 1.5`,
		`calldrop_last_success_timestamp_seconds{variant="consecutive-drops"} 1.7e+09`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("textfile missing %q\n%s", want, text)
		}
	}
}

func TestFlushPush(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New("consecutive-drops", Config{PushURL: srv.URL})
	m.IncAlertsSuppressed()

	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if !strings.Contains(gotPath, "/job/calldrop_watch") || !strings.Contains(gotPath, "/detector/consecutive-drops") {
		t.Errorf("push path = %s", gotPath)
	}
	if gotBody == "" {
		t.Error("push body empty")
	}
}

func TestCollectorCount(t *testing.T) {
	m := New("v", Config{})
	m.IncEntities()
	m.IncBatchesSkipped()
	n, err := testutil.GatherAndCount(m.Registry())
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if n != 2 {
		t.Errorf("collected %d series, want 2", n)
	}
}
