package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSink appends alerts to a JSON lines file.
type FileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

type fileEntry struct {
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// NewFileSink opens path for appending, creating parent directories.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		path = "./alerts/alerts.jsonl"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create alert dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open alert file: %w", err)
	}
	return &FileSink{path: path, f: f}, nil
}

// Send appends one line.
func (s *FileSink) Send(ctx context.Context, text string) error {
	line, err := json.Marshal(fileEntry{Text: text, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("append to %s: %w", s.path, err)
	}
	return nil
}

// Close closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// LogSink only logs alerts. It backs dry runs.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that writes alerts to the default logger.
func NewLogSink() *LogSink {
	return &LogSink{logger: slog.With("component", "alert", "sink", "log")}
}

// Send logs text at INFO.
func (s *LogSink) Send(ctx context.Context, text string) error {
	s.logger.Info("alert", "text", text)
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error {
	return nil
}
