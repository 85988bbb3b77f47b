package alert

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/withObsrvr/calldrop-watch/internal/calls"
	"github.com/withObsrvr/calldrop-watch/internal/grouper"
)

type recordingSink struct {
	sent []string
	err  error
}

func (s *recordingSink) Send(_ context.Context, text string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func testBatch(phones ...string) grouper.Batch {
	bid := decimal.RequireFromString("10.5")
	var b grouper.Batch
	for i := range b {
		b[i] = calls.Record{
			EntityName:  "Acme",
			PhoneNumber: phones[i],
			CallID:      string(rune('a' + i)),
			Duration:    calls.DurationOf(12),
			Termination: calls.TerminationTarget,
		}.WithBid(&bid)
	}
	return b
}

func TestDispatchSends(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, nil)

	out, err := d.Dispatch(context.Background(), testBatch("5550001", "5550002", "5550003"), "consecutive-drops", false)
	if err != nil || out != OutcomeSent {
		t.Fatalf("Dispatch = %v, %v", out, err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sink.sent))
	}
}

func TestDispatchSuppressesRestricted(t *testing.T) {
	tests := []struct {
		name   string
		phones []string
		extra  []string
	}{
		{"token", []string{"5550001", "Anonymous", "5550003"}, nil},
		{"empty", []string{"", "5550002", "5550003"}, nil},
		{"keypad", []string{"5550001", "5550002", "+1 737 874 2833"}, nil},
		{"configured", []string{"5550001", "5550002", "555-000-9999"}, []string{"5550009999"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			out, err := NewDispatcher(sink, tt.extra).Dispatch(context.Background(), testBatch(tt.phones...), "v", false)
			if err != nil || out != OutcomeSuppressed {
				t.Errorf("Dispatch = %v, %v", out, err)
			}
			if len(sink.sent) != 0 {
				t.Errorf("suppressed batch was sent")
			}
		})
	}
}

func TestDispatchFailure(t *testing.T) {
	sink := &recordingSink{err: errors.New("boom")}
	out, err := NewDispatcher(sink, nil).Dispatch(context.Background(), testBatch("1", "2", "3"), "v", false)
	if out != OutcomeFailed || err == nil {
		t.Errorf("Dispatch = %v, %v", out, err)
	}
}

func TestFormatMessage(t *testing.T) {
	b := testBatch("5550001", "5550002", "5550003")

	plain := FormatMessage(b, "consecutive-drops", false)
	for _, want := range []string{"consecutive-drops", "Acme", "5550001", "call a", "call c", "12s"} {
		if !strings.Contains(plain, want) {
			t.Errorf("message missing %q:\n%s", want, plain)
		}
	}
	if strings.Contains(plain, "bid") {
		t.Errorf("plain message mentions bid:\n%s", plain)
	}

	withBid := FormatMessage(b, "same-bid-drops", true)
	if !strings.Contains(withBid, "$10.50") {
		t.Errorf("same-bid message missing bid:\n%s", withBid)
	}
}

func TestSlackSink(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewSink(SinkConfig{Kind: "slack", URL: srv.URL})
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}
	defer sink.Close()

	if err := sink.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got["text"] != "hello" {
		t.Errorf("payload = %v", got)
	}
}

func TestWebhookSinkErrorStatus(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		body, _ := io.ReadAll(r.Body)
		var p webhookPayload
		if err := json.Unmarshal(body, &p); err != nil || p.Source != "calldrop-watch" || p.SentAt.IsZero() {
			t.Errorf("payload = %s", body)
		}
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink, err := NewSink(SinkConfig{Kind: "webhook", URL: srv.URL})
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}
	if err := sink.Send(context.Background(), "hello"); err == nil {
		t.Error("expected error for 503")
	}
	if hits != 1 {
		t.Errorf("requests = %d, want 1", hits)
	}
}

func TestFileSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "alerts.jsonl")
	for i := 0; i < 2; i++ {
		sink, err := NewSink(SinkConfig{Kind: "file", Path: path})
		if err != nil {
			t.Fatalf("NewSink failed: %v", err)
		}
		if err := sink.Send(context.Background(), "line"); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		sink.Close()
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e fileEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.Text != "line" {
			t.Errorf("bad line %q", sc.Text())
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}
}

func TestNewSinkValidation(t *testing.T) {
	bad := []SinkConfig{
		{Kind: "slack"},
		{Kind: "slack", URL: "#alerts"},
		{Kind: "webhook", URL: "ftp://x"},
		{Kind: "pager"},
	}
	for _, cfg := range bad {
		if _, err := NewSink(cfg); err == nil {
			t.Errorf("NewSink(%+v) should fail", cfg)
		}
	}
	if s, err := NewSink(SinkConfig{}); err != nil {
		t.Errorf("default sink: %v", err)
	} else if _, ok := s.(*LogSink); !ok {
		t.Errorf("default sink = %T, want *LogSink", s)
	}
}

func TestOutcomeString(t *testing.T) {
	if OutcomeSuppressed.String() != "suppressed" || OutcomeFailed.String() != "failed" {
		t.Error("unexpected outcome names")
	}
}
