package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/withObsrvr/calldrop-watch/internal/config"
	"github.com/withObsrvr/calldrop-watch/internal/detector"
	"github.com/withObsrvr/calldrop-watch/internal/logging"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Exit codes
const (
	exitOK          = 0
	exitFatal       = 1
	exitLocked      = 3
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return exitFatal
	}

	switch args[0] {
	case "run":
		return cmdRun(args[1:])
	case "reset":
		return cmdReset(args[1:])
	case "variants":
		return cmdVariants(args[1:])
	case "version":
		fmt.Printf("calldrop-watch %s (%s)\n", Version, GitSHA)
		return exitOK
	case "-h", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		return exitFatal
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: calldrop-watch <command> [flags]

Commands:
  run       -config FILE -variant NAME [-dry-run]   run one detection pass
  reset     -config FILE -variant NAME              clear today's dedup record and the run lock
  variants  -config FILE                            list configured variants
  version                                           print version`)
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config")
	variantName := fs.String("variant", detector.VariantConsecutive, "variant to run")
	dryRun := fs.Bool("dry-run", false, "log alerts and keep state in memory")
	if err := fs.Parse(args); err != nil {
		return exitFatal
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitFatal
	}
	if *dryRun {
		applyDryRun(&cfg)
	}
	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})

	variant, err := lookupVariant(cfg, *variantName)
	if err != nil {
		slog.Error("invalid variant", "error", err)
		return exitFatal
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runID := logging.GenerateRunID()
	ctx = logging.WithRunID(ctx, runID)
	log := logging.RunLogger(runID, variant.Name)
	log.Info("calldrop-watch starting", "version", Version, "git_sha", GitSHA, "dry_run", *dryRun)

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			log.Warn("received signal, stopping", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	app, err := build(ctx, cfg, variant)
	if err != nil {
		log.Error("failed to initialise", "error", err)
		return exitFatal
	}
	defer app.Close()

	summary, err := app.detector.Run(ctx)
	switch {
	case errors.Is(err, detector.ErrAlreadyRunning):
		log.Warn("another run holds the lock, exiting")
		return exitLocked
	case err != nil && ctx.Err() != nil:
		log.Warn("run interrupted", "sent", summary.Sent)
		return exitInterrupted
	case err != nil:
		log.Error("run failed", "error", err)
		return exitFatal
	}
	return exitOK
}

func cmdReset(args []string) int {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config")
	variantName := fs.String("variant", detector.VariantConsecutive, "variant to reset")
	if err := fs.Parse(args); err != nil {
		return exitFatal
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitFatal
	}
	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})

	variant, err := lookupVariant(cfg, *variantName)
	if err != nil {
		slog.Error("invalid variant", "error", err)
		return exitFatal
	}

	ctx := context.Background()
	if err := reset(ctx, cfg, variant); err != nil {
		slog.Error("reset failed", "variant", variant.Name, "error", err)
		return exitFatal
	}
	slog.Info("variant state reset", "variant", variant.Name)
	return exitOK
}

func cmdVariants(args []string) int {
	fs := flag.NewFlagSet("variants", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config")
	if err := fs.Parse(args); err != nil {
		return exitFatal
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitFatal
	}

	reg, err := registry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "variants: %v\n", err)
		return exitFatal
	}
	for _, v := range reg.List() {
		fmt.Printf("%-20s same_bid=%-5t %s\n", v.Name, v.SameBid, v.Description)
	}
	return exitOK
}
