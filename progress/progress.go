package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-to-sheets/sanitize"
	"github.com/dhcgn/mail-to-sheets/stats"
)

// Bar manages a progress bar for tracking message processing. It is created idle and
// starts once the source reports how many messages it listed.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	scanned int
	mu      sync.Mutex
	enabled bool
}

// New creates a new progress bar if logLevel is "info".
func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel == "info"}
}

// Update advances the progress bar based on the event type.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeListed:
		b.start(evt.Count)
	case stats.EventTypeScanned:
		if b.pb == nil {
			return
		}
		b.scanned++
		b.pb.Increment()
		if evt.MessageID != "" {
			b.pb.UpdateTitle("Processing: " + sanitize.Truncate(evt.MessageID, 40, sanitize.EllipsisSuffix))
		}
	case stats.EventTypeError:
		// Show error messages above the progress bar
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

func (b *Bar) start(total int) {
	if b.pb != nil || total <= 0 {
		return
	}
	b.total = total

	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Processing messages").
		Start()
	if err != nil {
		return
	}
	b.pb = pb

	pterm.Info.Printf("Unread messages: %d\n", total)
	pterm.Println()
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.enabled || b.pb == nil {
		return
	}

	// Ensure we reach 100%
	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}

	_, _ = b.pb.Stop()
	b.pb = nil
	pterm.Success.Println("Processing complete!")
}

// Scanned returns the number of messages the bar has counted.
func (b *Bar) Scanned() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scanned
}

// Subscriber creates a stats subscriber function that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter wraps the stats Reporter with progress bar functionality.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewProgressReporter subscribes the bar and a summary printer when the bar is enabled.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", duration)
	pterm.Info.Printf("Unread listed: %d\n", summary.Listed)
	pterm.Info.Printf("Duplicates (skipped): %d\n", summary.Duplicates)
	pterm.Info.Printf("Filtered: %d\n", summary.Filtered)
	pterm.Info.Printf("Parsed: %d (truncated %d)\n", summary.Parsed, summary.Truncated)
	pterm.Info.Printf("Appended: %d\n", summary.Appended)
	pterm.Info.Printf("Marked read: %d\n", summary.MarkedRead)
	if summary.DryRun > 0 {
		pterm.Info.Printf("Dry-run rows: %d\n", summary.DryRun)
	}
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}

	return nil
}

// Summary returns the counts collected for the terminal summary.
func (pr *ProgressReporter) Summary() stats.Summary {
	return pr.collector.Snapshot()
}
