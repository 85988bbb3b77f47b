// Package alert formats detected drop batches and delivers them to a
// messaging sink.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Sink delivers one alert message. Sinks make a single attempt.
type Sink interface {
	Send(ctx context.Context, text string) error
	Close() error
}

// SinkConfig selects and configures a Sink.
type SinkConfig struct {
	Kind    string // "slack" | "webhook" | "file" | "log"
	URL     string
	Path    string // JSON lines file for the file sink
	Source  string // reported as "source" by the webhook sink
	Timeout time.Duration
}

// NewSink creates the sink named by cfg.Kind.
func NewSink(cfg SinkConfig) (Sink, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	switch cfg.Kind {
	case "slack":
		if !isValidURL(cfg.URL) {
			return nil, fmt.Errorf("invalid Slack webhook URL %q", maskURL(cfg.URL))
		}
		return &SlackSink{url: cfg.URL, client: client}, nil
	case "webhook":
		if !isValidURL(cfg.URL) {
			return nil, fmt.Errorf("invalid webhook URL %q", maskURL(cfg.URL))
		}
		source := cfg.Source
		if source == "" {
			source = "calldrop-watch"
		}
		return &WebhookSink{url: cfg.URL, source: source, client: client}, nil
	case "file":
		return NewFileSink(cfg.Path)
	case "", "log":
		return NewLogSink(), nil
	default:
		return nil, fmt.Errorf("unknown sink kind: %s", cfg.Kind)
	}
}

func isValidURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// maskURL hides the secret tail of webhook URLs in logs and errors.
func maskURL(url string) string {
	if len(url) > 50 {
		return url[:30] + "..." + url[len(url)-10:]
	}
	return url
}

func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", maskURL(url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// SlackSink posts to a Slack incoming webhook.
type SlackSink struct {
	url    string
	client *http.Client
}

// Send posts {"text": text}.
func (s *SlackSink) Send(ctx context.Context, text string) error {
	if err := postJSON(ctx, s.client, s.url, map[string]string{"text": text}); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}

// Close releases idle connections.
func (s *SlackSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// WebhookSink posts a generic JSON document.
type WebhookSink struct {
	url    string
	source string
	client *http.Client
}

type webhookPayload struct {
	Text   string    `json:"text"`
	Source string    `json:"source"`
	SentAt time.Time `json:"sent_at"`
}

// Send posts {"text","source","sent_at"}.
func (s *WebhookSink) Send(ctx context.Context, text string) error {
	body := webhookPayload{Text: text, Source: s.source, SentAt: time.Now().UTC()}
	if err := postJSON(ctx, s.client, s.url, body); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// Close releases idle connections.
func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
