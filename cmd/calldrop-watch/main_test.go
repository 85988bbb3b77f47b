package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/withObsrvr/calldrop-watch/internal/config"
	"github.com/withObsrvr/calldrop-watch/internal/runlock"
	"github.com/withObsrvr/calldrop-watch/internal/storage"
)

const acmeCalls = `[
 {"inboundCallId":"a1","inboundPhoneNumber":"5550001","callLengthInSeconds":"8","endCallSource":"target"},
 {"inboundCallId":"a2","inboundPhoneNumber":"5550002","callLengthInSeconds":"11","endCallSource":"target"},
 {"inboundCallId":"a3","inboundPhoneNumber":"5550003","callLengthInSeconds":"15","endCallSource":"target"},
 {"inboundCallId":"a4","inboundPhoneNumber":"5550004","callLengthInSeconds":"400","endCallSource":"caller"}
]`

type fixture struct {
	configPath string
	stateDir   string
	alertsPath string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()

	archiveDir := filepath.Join(root, "archive")
	dayDir := filepath.Join(archiveDir, "calls", "2024-03-04")
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dayDir, "Acme.json"), []byte(acmeCalls), 0o644); err != nil {
		t.Fatal(err)
	}

	f := fixture{
		configPath: filepath.Join(root, "calldrop.yaml"),
		stateDir:   filepath.Join(root, "state"),
		alertsPath: filepath.Join(root, "alerts.jsonl"),
	}
	cfg := fmt.Sprintf(`
timezone: UTC
source:
  mode: archive
  archive_url: file://%s
  archive_prefix: calls/
  archive_date: "2024-03-04"
state:
  backend: local
  local_dir: %s
sink:
  kind: file
  path: %s
log:
  level: error
`, filepath.ToSlash(archiveDir), f.stateDir, f.alertsPath)
	if err := os.WriteFile(f.configPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return f
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	n := 0
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		n++
	}
	return n
}

func TestRunCommandEndToEnd(t *testing.T) {
	f := newFixture(t)
	args := []string{"run", "-config", f.configPath, "-variant", "consecutive-drops"}

	if code := run(args); code != exitOK {
		t.Fatalf("first run exit = %d", code)
	}
	if got := countLines(t, f.alertsPath); got != 1 {
		t.Fatalf("alerts after first run = %d, want 1", got)
	}

	if code := run(args); code != exitOK {
		t.Fatalf("second run exit = %d", code)
	}
	if got := countLines(t, f.alertsPath); got != 1 {
		t.Errorf("alerts after re-run = %d, want 1", got)
	}

	if code := run([]string{"reset", "-config", f.configPath, "-variant", "consecutive-drops"}); code != exitOK {
		t.Fatalf("reset exit = %d", code)
	}
	if code := run(args); code != exitOK {
		t.Fatalf("run after reset exit = %d", code)
	}
	if got := countLines(t, f.alertsPath); got != 2 {
		t.Errorf("alerts after reset = %d, want 2", got)
	}
}

func TestRunCommandLockHeld(t *testing.T) {
	f := newFixture(t)

	store, err := storage.NewLocalStore(f.stateDir, "")
	if err != nil {
		t.Fatal(err)
	}
	holder := runlock.New(store, "consecutive-drops")
	if ok, err := holder.Acquire(context.Background()); err != nil || !ok {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}

	code := run([]string{"run", "-config", f.configPath, "-variant", "consecutive-drops"})
	if code != exitLocked {
		t.Errorf("exit = %d, want %d", code, exitLocked)
	}
	if got := countLines(t, f.alertsPath); got != 0 {
		t.Errorf("alerts while locked = %d", got)
	}
}

func TestRunCommandDryRun(t *testing.T) {
	f := newFixture(t)

	code := run([]string{"run", "-config", f.configPath, "-variant", "consecutive-drops", "-dry-run"})
	if code != exitOK {
		t.Fatalf("exit = %d", code)
	}
	if got := countLines(t, f.alertsPath); got != 0 {
		t.Errorf("dry run wrote %d alerts to the file sink", got)
	}
	if _, err := os.Stat(filepath.Join(f.stateDir, "dedup")); !os.IsNotExist(err) {
		t.Errorf("dry run touched local state: %v", err)
	}
}

func TestRunCommandErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no command", nil, exitFatal},
		{"unknown command", []string{"explode"}, exitFatal},
		{"unknown variant", []string{"run", "-config", f.configPath, "-variant", "nope"}, exitFatal},
		{"missing config", []string{"run", "-config", filepath.Join(t.TempDir(), "missing.yaml")}, exitFatal},
		{"variants", []string{"variants", "-config", f.configPath}, exitOK},
		{"version", []string{"version"}, exitOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}

func TestApplyDryRun(t *testing.T) {
	cfg := config.Default()
	cfg.Sink.Kind = "slack"
	cfg.Sink.URL = "https://hooks.slack.com/services/x"
	cfg.Audit.PostgresDSN = "postgres://localhost/calldrop"

	applyDryRun(&cfg)
	if cfg.Sink.Kind != "log" || cfg.State.BucketURL != "mem://" || cfg.Audit.PostgresDSN != "" {
		t.Errorf("dry run config = %+v", cfg)
	}
}
