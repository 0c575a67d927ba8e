package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mail-to-sheets/model"
	"github.com/dhcgn/mail-to-sheets/parser"
	"github.com/dhcgn/mail-to-sheets/sanitize"
	"github.com/dhcgn/mail-to-sheets/sheets"
	"github.com/dhcgn/mail-to-sheets/state"
	"github.com/dhcgn/mail-to-sheets/stats"
)

var (
	ErrMessageIDMissing = errors.New("source returned an empty message id")
	ErrRowNotAppended   = errors.New("row was not appended")
)

// Source is a mailbox the runner drains.
type Source interface {
	ListUnread(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, id string) (model.Message, error)
	MarkRead(ctx context.Context, ids []string) error
	Close() error
}

type Parser interface {
	Parse(msg *model.Message) (model.ParsedEmail, error)
}

// Sink receives the rows. It is not used in dry runs.
type Sink interface {
	Prepare(ctx context.Context) error
	AppendRows(ctx context.Context, rows []sheets.Row) ([]bool, error)
}

type Options struct {
	DryRun bool
	// BatchSize is the number of rows appended per call; zero appends all rows at the end.
	BatchSize int
}

type StageFunc func(context.Context) error

// Runner moves messages through three stages: fetch, parse and append.
type Runner struct {
	opts    Options
	source  Source
	parser  Parser
	sink    Sink
	tracker state.Store
	logger  *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	statsCtx context.Context

	messages chan model.Envelope
	parsed   chan model.ParsedEmail

	subsMu sync.Mutex
	subs   []chan stats.Event

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	since           time.Time
}

func New(ctx context.Context, opts Options, source Source, p Parser, sink Sink, tracker state.Store, logger *slog.Logger) (*Runner, error) {
	if source == nil {
		return nil, fmt.Errorf("source must not be nil")
	}
	if p == nil {
		return nil, fmt.Errorf("parser must not be nil")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	if sink == nil && !opts.DryRun {
		return nil, fmt.Errorf("sink must not be nil unless dry-run")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	runCtx, cancel := context.WithCancel(ctx)
	return &Runner{
		opts:     opts,
		source:   source,
		parser:   p,
		sink:     sink,
		tracker:  tracker,
		logger:   logger,
		ctx:      runCtx,
		cancel:   cancel,
		statsCtx: context.WithoutCancel(ctx),
		messages: make(chan model.Envelope, 32),
		parsed:   make(chan model.ParsedEmail, 32),
	}, nil
}

// EmitEvent delivers evt to every subscriber. Subscribers drain their channel until
// it is closed, so the send does not block indefinitely.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subsMu.Lock()
	subs := r.subs
	r.subsMu.Unlock()

	for _, ch := range subs {
		ch <- evt
	}
}

// SubscribeStats registers fn to receive every event. Subscribers must be added
// before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		err := fn(r.statsCtx, ch)
		for range ch {
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start runs the pipeline to completion and returns the first fatal error.
func (r *Runner) Start() error {
	r.since = time.Now()

	if r.prepare() {
		r.AddStage("fetch", r.fetch)
		r.AddStage("parse", r.parse)
		r.AddStage("append", r.append)
	}

	r.workWG.Wait()

	if err := r.tracker.Flush(); err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageState, Type: stats.EventTypeError, Err: err})
		r.fail(fmt.Errorf("flush state: %w", err))
	}

	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	err := r.firstErr()
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration, "dryRun", r.opts.DryRun)
	return nil
}

func (r *Runner) prepare() bool {
	if r.opts.DryRun {
		return true
	}
	if err := r.sink.Prepare(r.ctx); err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageSheets, Type: stats.EventTypeError, Err: err})
		r.fail(fmt.Errorf("prepare sheet: %w", err))
		return false
	}
	return true
}

func (r *Runner) fetch(ctx context.Context) error {
	defer close(r.messages)

	ids, err := r.source.ListUnread(ctx)
	if err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, Err: err})
		return fmt.Errorf("list unread: %w", err)
	}
	r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeListed, Count: len(ids)})
	if len(ids) == 0 {
		r.logger.Info("no unread messages")
		return nil
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeScanned, MessageID: id})

		if id == "" {
			r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, Err: ErrMessageIDMissing})
			continue
		}
		if r.tracker.AlreadyProcessed(id) {
			r.logger.Debug("skipping already processed message", "messageID", id)
			r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeDuplicate, MessageID: id})
			continue
		}

		msg, err := r.source.Fetch(ctx, id)
		if err != nil {
			msg = model.Message{}
		} else {
			r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeFetched, MessageID: id})
		}
		msg.ID = id

		select {
		case <-ctx.Done():
			return ctx.Err()
		case r.messages <- model.Envelope{Message: msg, Err: err}:
		}
	}
	return nil
}

func (r *Runner) parse(ctx context.Context) error {
	defer close(r.parsed)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			msg := envelope.Message
			if envelope.Err != nil {
				// Not marked processed; the next run tries again.
				err := fmt.Errorf("fetch message %s: %w", msg.ID, envelope.Err)
				r.logger.Error("fetch failed", "messageID", msg.ID, "err", envelope.Err)
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
				continue
			}

			email, err := r.parser.Parse(&msg)
			switch {
			case errors.Is(err, parser.ErrFiltered):
				r.logger.Debug("message filtered", "messageID", msg.ID, "reason", err)
				r.EmitEvent(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeFiltered, MessageID: msg.ID, Detail: err.Error()})
				if err := r.markProcessed(msg.ID); err != nil {
					return err
				}
				continue
			case err != nil:
				r.logger.Warn("message could not be parsed", "messageID", msg.ID, "err", err)
				r.EmitEvent(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
				if err := r.markProcessed(msg.ID); err != nil {
					return err
				}
				continue
			}

			r.logger.Info("parsed email", "messageID", msg.ID, "subject", sanitize.Head(email.Subject, 50))
			r.EmitEvent(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeParsed, MessageID: msg.ID})
			if email.WasTruncated {
				r.EmitEvent(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeTruncated, MessageID: msg.ID})
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.parsed <- email:
			}
		}
	}
}

func (r *Runner) append(ctx context.Context) error {
	var batch []model.ParsedEmail
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case email, ok := <-r.parsed:
			if !ok {
				return r.flush(ctx, batch)
			}
			batch = append(batch, email)
			if r.opts.BatchSize > 0 && len(batch) >= r.opts.BatchSize {
				if err := r.flush(ctx, batch); err != nil {
					return err
				}
				batch = nil
			}
		}
	}
}

// flush writes emails to the sink. Only rows that landed are marked processed and
// then marked read at the source.
func (r *Runner) flush(ctx context.Context, emails []model.ParsedEmail) error {
	if len(emails) == 0 {
		if !r.opts.DryRun {
			r.logger.Info("no new emails to add to sheet")
		}
		return nil
	}

	rows := make([]sheets.Row, len(emails))
	for i, email := range emails {
		rows[i] = sheets.BuildRow(email)
	}

	if r.opts.DryRun {
		for _, email := range emails {
			r.logger.Info("dry-run row", "messageID", email.MessageID, "from", email.From, "subject", sanitize.Head(email.Subject, 50))
			r.EmitEvent(stats.Event{Stage: stats.StageSheets, Type: stats.EventTypeDryRun, MessageID: email.MessageID})
		}
		return nil
	}

	landed, err := r.sink.AppendRows(ctx, rows)
	if err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageSheets, Type: stats.EventTypeError, Err: err})
		return fmt.Errorf("append rows: %w", err)
	}

	ids := make([]string, 0, len(emails))
	for i, ok := range landed {
		id := emails[i].MessageID
		if !ok {
			r.EmitEvent(stats.Event{Stage: stats.StageSheets, Type: stats.EventTypeError, MessageID: id, Err: fmt.Errorf("%w: %s", ErrRowNotAppended, id)})
			continue
		}
		if err := r.markProcessed(id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	r.EmitEvent(stats.Event{Stage: stats.StageSheets, Type: stats.EventTypeAppended, Count: len(ids)})
	r.logger.Info("appended rows", "rows", len(ids), "failed", len(emails)-len(ids))

	if err := r.tracker.Flush(); err != nil {
		return fmt.Errorf("flush state: %w", err)
	}

	if err := r.source.MarkRead(ctx, ids); err != nil {
		r.logger.Warn("failed to mark messages read", "err", err)
		r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, Err: err})
		return nil
	}
	r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeMarkedRead, Count: len(ids)})
	return nil
}

func (r *Runner) markProcessed(id string) error {
	if err := r.tracker.MarkProcessed(id); err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageState, Type: stats.EventTypeError, MessageID: id, Err: err})
		return fmt.Errorf("mark processed %s: %w", id, err)
	}
	return nil
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		for _, ch := range r.subs {
			close(ch)
		}
	})
}

func (r *Runner) firstErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
