package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageSource Stage = "source"
	StageParse  Stage = "parse"
	StageSheets Stage = "sheets"
	StageState  Stage = "state"
)

type EventType string

const (
	EventTypeListed     EventType = "listed"
	EventTypeScanned    EventType = "scanned"
	EventTypeDuplicate  EventType = "duplicate"
	EventTypeFetched    EventType = "fetched"
	EventTypeFiltered   EventType = "filtered"
	EventTypeParsed     EventType = "parsed"
	EventTypeTruncated  EventType = "truncated"
	EventTypeAppended   EventType = "appended"
	EventTypeMarkedRead EventType = "marked_read"
	EventTypeDryRun     EventType = "dry_run"
	EventTypeError      EventType = "error"
)

// Event reports one step of the pipeline. Count, when positive, stands for that many
// occurrences; zero counts as one.
type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
	Count     int
}

func (e Event) n() int {
	if e.Count > 0 {
		return e.Count
	}
	return 1
}

type Summary struct {
	Listed     int
	Scanned    int
	Duplicates int
	Fetched    int
	Filtered   int
	Parsed     int
	Truncated  int
	Appended   int
	MarkedRead int
	DryRun     int
	Errors     int
	LastError  error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"listed", s.Listed,
		"scanned", s.Scanned,
		"duplicates", s.Duplicates,
		"fetched", s.Fetched,
		"filtered", s.Filtered,
		"parsed", s.Parsed,
		"truncated", s.Truncated,
		"appended", s.Appended,
		"markedRead", s.MarkedRead,
		"dryRun", s.DryRun,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := evt.n()
	switch evt.Type {
	case EventTypeListed:
		c.summary.Listed += evt.Count
	case EventTypeScanned:
		c.summary.Scanned += n
	case EventTypeDuplicate:
		c.summary.Duplicates += n
	case EventTypeFetched:
		c.summary.Fetched += n
	case EventTypeFiltered:
		c.summary.Filtered += n
	case EventTypeParsed:
		c.summary.Parsed += n
	case EventTypeTruncated:
		c.summary.Truncated += n
	case EventTypeAppended:
		c.summary.Appended += n
	case EventTypeMarkedRead:
		c.summary.MarkedRead += n
	case EventTypeDryRun:
		c.summary.DryRun += n
	case EventTypeError:
		c.summary.Errors += n
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Pair is a counted value.
type Pair struct {
	Key   string
	Value int
}

// Top returns the limit most frequent entries of m, highest count first and ties
// ordered by key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

// FprintTop writes the top N most frequent items in a map to w.
func FprintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	FprintTop(os.Stdout, m, limit)
}
