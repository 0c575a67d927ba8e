package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-sheets/cmd"
	"github.com/dhcgn/mail-to-sheets/config"
	"github.com/dhcgn/mail-to-sheets/progress"
	"github.com/dhcgn/mail-to-sheets/runner"
	"github.com/dhcgn/mail-to-sheets/sheets"
	"github.com/dhcgn/mail-to-sheets/state"
	"github.com/dhcgn/mail-to-sheets/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mail-to-sheets",
		Short:        "Append unread emails to a spreadsheet and mark them read",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting mail-to-sheets", "source", cfg.Source, "sheet", cfg.SheetName, "dryRun", cfg.DryRun)

			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	cmd.Register(rootCmd, setupLogger)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var client *http.Client
	if cfg.NeedsOAuth() {
		c, err := cmd.HTTPClient(ctx, cfg, logger)
		if err != nil {
			return err
		}
		client = c
	}

	src, err := cmd.OpenSource(ctx, cfg, client, logger)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer func() {
		_ = src.Close()
	}()

	p, err := cmd.NewParser(cfg, logger)
	if err != nil {
		return err
	}

	tracker, err := state.Open(cfg.StateBackend, cfg.StatePath, !cfg.DryRun, logger)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Warn("failed to close state", "err", err)
		}
	}()

	var sink runner.Sink
	if cfg.NeedsSheets() {
		api, err := sheets.NewService(ctx, client)
		if err != nil {
			return err
		}
		w, err := sheets.NewWriter(api, sheets.Options{
			SpreadsheetID: cfg.SpreadsheetID,
			SheetName:     cfg.SheetName,
			Retry:         cmd.RetryPolicy(cfg),
		}, logger)
		if err != nil {
			return fmt.Errorf("sheets.NewWriter: %w", err)
		}
		sink = w
	}

	r, err := runner.New(ctx, runner.Options{DryRun: cfg.DryRun, BatchSize: cfg.BatchSize}, src, p, sink, tracker, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)
	progress.NewProgressReporter(r, progress.New(cfg.LogLevel), logger)

	if err := r.Start(); err != nil {
		return err
	}
	logger.Info("state saved", "processed", tracker.Snapshot().Processed, "path", cfg.StatePath)
	return nil
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }
	runID := uuid.NewString()

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mail-to-sheets-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler).With("run", runID), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler).With("run", runID), cleanup, nil
}
