package cmd

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-sheets/config"
	"github.com/dhcgn/mail-to-sheets/filter"
	"github.com/dhcgn/mail-to-sheets/parser"
	"github.com/dhcgn/mail-to-sheets/progress"
	"github.com/dhcgn/mail-to-sheets/runner"
	"github.com/dhcgn/mail-to-sheets/state"
	"github.com/dhcgn/mail-to-sheets/stats"
)

const (
	categoryFrom    = "From"
	categorySubject = "Subject"
	categoryLabels  = "Labels"
	categoryOutcome = "Outcome"

	outcomeKept = "kept"

	csvLimit = 1000
)

var reportCategories = []string{categoryFrom, categorySubject, categoryLabels, categoryOutcome}

// previewReport counts what a run would do without doing it.
type previewReport struct {
	counter   map[string]map[string]int
	listed    int
	processed int
	failed    int
	truncated int
	kept      int
	lastErr   error
}

func newPreviewReport() *previewReport {
	r := &previewReport{counter: make(map[string]map[string]int)}
	for _, c := range reportCategories {
		r.counter[c] = make(map[string]int)
	}
	return r
}

func newPreviewCmd(setupLogger LoggerFunc) *cobra.Command {
	var (
		reportDir string
		topN      int
	)

	c := &cobra.Command{
		Use:   "preview",
		Short: "Parse unread messages and show statistics without writing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Flags().Set("dry-run", "true"); err != nil {
				return err
			}
			cfg, err := config.LoadConfig(cmd)
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

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := runPreview(ctx, cfg, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			report.print(out, topN)

			if reportDir == "" {
				return nil
			}
			if err := saveCSVReports(report.counter, reportCategories, reportDir, csvLimit); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	c.Flags().StringVarP(&reportDir, "output", "o", "", "Output directory for CSV reports (none when empty)")
	c.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	return c
}

func runPreview(ctx context.Context, cfg config.Config, logger *slog.Logger) (*previewReport, error) {
	var client *http.Client
	if cfg.Source == config.SourceGmail {
		c, err := HTTPClient(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		client = c
	}

	src, err := OpenSource(ctx, cfg, client, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = src.Close()
	}()

	f, err := filter.New(FilterOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("filter.New: %w", err)
	}
	// Filtering happens here so every sender shows up in the counts.
	p, err := parser.New(parser.Options{Location: cfg.Location}, logger)
	if err != nil {
		return nil, fmt.Errorf("parser.New: %w", err)
	}

	tracker, err := state.Open(cfg.StateBackend, cfg.StatePath, false, logger)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	defer func() {
		_ = tracker.Close()
	}()

	return preview(ctx, src, p, f, tracker, progress.New(cfg.LogLevel), logger)
}

func preview(ctx context.Context, src runner.Source, p runner.Parser, f *filter.Filter, tracker state.Tracker, bar *progress.Bar, logger *slog.Logger) (*previewReport, error) {
	ids, err := src.ListUnread(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}

	report := newPreviewReport()
	report.listed = len(ids)
	if bar != nil {
		bar.Update(stats.Event{Type: stats.EventTypeListed, Count: len(ids)})
		defer bar.Stop()
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if bar != nil {
			bar.Update(stats.Event{Type: stats.EventTypeScanned, MessageID: id})
		}

		if tracker != nil && tracker.AlreadyProcessed(id) {
			report.processed++
			continue
		}

		msg, err := src.Fetch(ctx, id)
		if err != nil {
			report.fail(logger, id, err)
			continue
		}
		email, err := p.Parse(&msg)
		if err != nil {
			report.fail(logger, id, err)
			continue
		}

		report.counter[categoryFrom][email.From]++
		report.counter[categorySubject][email.Subject]++
		for _, label := range email.Labels {
			report.counter[categoryLabels][label]++
		}
		if email.WasTruncated {
			report.truncated++
		}

		outcome := outcomeKept
		if ok, reason := f.Allows(email.From, email.Subject); !ok {
			outcome = string(reason)
		} else {
			report.kept++
		}
		report.counter[categoryOutcome][outcome]++
	}

	return report, nil
}

func (r *previewReport) fail(logger *slog.Logger, id string, err error) {
	r.failed++
	r.lastErr = err
	if logger != nil {
		logger.Warn("preview skipped message", "messageID", id, "err", err)
	}
}

func (r *previewReport) print(w io.Writer, topN int) {
	fmt.Fprintf(w, "Listed %d unread messages (%d already processed, %d failed)\n", r.listed, r.processed, r.failed)
	fmt.Fprintf(w, "%d would be appended, %d bodies truncated\n\n", r.kept, r.truncated)
	if r.lastErr != nil && errors.Is(r.lastErr, parser.ErrMalformed) {
		fmt.Fprintf(w, "Last parse error: %v\n\n", r.lastErr)
	}

	for _, category := range reportCategories {
		if len(r.counter[category]) == 0 {
			continue
		}
		fmt.Fprintf(w, "Top %d %s:\n", topN, category)
		stats.FprintTop(w, r.counter[category], topN)
		fmt.Fprintln(w)
	}
}

func saveCSVReports(counter map[string]map[string]int, categories []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, category := range categories {
		filename := fmt.Sprintf("report_%s.csv", normalizeCategory(category))
		if err := writeCSVReport(filepath.Join(dir, filename), stats.Top(counter[category], limit)); err != nil {
			return err
		}
	}
	return nil
}

func writeCSVReport(path string, pairs []stats.Pair) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeCategory(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", "_")
	return strings.ReplaceAll(name, " ", "_")
}
