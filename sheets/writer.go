// Package sheets appends parsed emails to a Google Sheets spreadsheet.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/api/option"
	sheetsv4 "google.golang.org/api/sheets/v4"

	"github.com/dhcgn/mail-to-sheets/retry"
)

const (
	DefaultSheetName = "Emails"

	fallbackBatchSize = 50
	valueInput        = "RAW"
	insertRows        = "INSERT_ROWS"
)

var ErrNothingAppended = errors.New("no rows could be appended")

// API is the subset of the Sheets service the writer needs.
type API interface {
	SheetTitles(ctx context.Context, spreadsheetID string) ([]string, error)
	AddSheet(ctx context.Context, spreadsheetID, title string) error
	GetValues(ctx context.Context, spreadsheetID, rng string) ([][]any, error)
	UpdateValues(ctx context.Context, spreadsheetID, rng string, values [][]any) error
	AppendValues(ctx context.Context, spreadsheetID, rng string, values [][]any) error
}

type Options struct {
	SpreadsheetID string
	SheetName     string
	Retry         retry.Policy
}

// Writer owns one target sheet.
type Writer struct {
	api    API
	opts   Options
	logger *slog.Logger
}

// NewService builds the API on top of an authorized HTTP client.
func NewService(ctx context.Context, client *http.Client) (API, error) {
	srv, err := sheetsv4.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &service{srv: srv}, nil
}

func NewWriter(api API, opts Options, logger *slog.Logger) (*Writer, error) {
	if api == nil {
		return nil, fmt.Errorf("sheets api must not be nil")
	}
	if strings.TrimSpace(opts.SpreadsheetID) == "" {
		return nil, fmt.Errorf("spreadsheet id is empty")
	}
	if strings.TrimSpace(opts.SheetName) == "" {
		opts.SheetName = DefaultSheetName
	}
	return &Writer{api: api, opts: opts, logger: logger}, nil
}

// Prepare creates the sheet when it is missing and writes the header row when the
// first row differs from it.
func (w *Writer) Prepare(ctx context.Context) error {
	var titles []string
	err := retry.Do(ctx, w.opts.Retry, w.logger, "get spreadsheet", func(ctx context.Context) error {
		var err error
		titles, err = w.api.SheetTitles(ctx, w.opts.SpreadsheetID)
		return err
	})
	if err != nil {
		return err
	}

	if !contains(titles, w.opts.SheetName) {
		if w.logger != nil {
			w.logger.Info("creating sheet", "sheet", w.opts.SheetName)
		}
		err := retry.Do(ctx, w.opts.Retry, w.logger, "add sheet", func(ctx context.Context) error {
			return w.api.AddSheet(ctx, w.opts.SpreadsheetID, w.opts.SheetName)
		})
		if err != nil {
			return err
		}
	} else if w.logger != nil {
		w.logger.Debug("sheet already exists", "sheet", w.opts.SheetName)
	}

	headerRange := w.rangeOf("A1:E1")
	var current [][]any
	err = retry.Do(ctx, w.opts.Retry, w.logger, "get header row", func(ctx context.Context) error {
		var err error
		current, err = w.api.GetValues(ctx, w.opts.SpreadsheetID, headerRange)
		return err
	})
	if err != nil {
		return err
	}
	if len(current) > 0 && Header.equal(current[0]) {
		if w.logger != nil {
			w.logger.Debug("header row present", "sheet", w.opts.SheetName)
		}
		return nil
	}

	if w.logger != nil {
		w.logger.Info("writing header row", "sheet", w.opts.SheetName)
	}
	return retry.Do(ctx, w.opts.Retry, w.logger, "update header row", func(ctx context.Context) error {
		return w.api.UpdateValues(ctx, w.opts.SpreadsheetID, headerRange, [][]any{Header.values()})
	})
}

// AppendRows appends rows to the sheet and reports which of them landed. The whole
// batch is tried first; after a failure the rows are retried in batches of 50, and a
// failing batch row by row. An error is returned only when no row landed.
func (w *Writer) AppendRows(ctx context.Context, rows []Row) ([]bool, error) {
	landed := make([]bool, len(rows))
	if len(rows) == 0 {
		return landed, nil
	}

	if w.logger != nil {
		w.logger.Info("appending rows", "sheet", w.opts.SheetName, "rows", len(rows))
	}
	firstErr := w.append(ctx, rows)
	if firstErr == nil {
		markAll(landed, 0, len(rows))
		return landed, nil
	}
	if w.logger != nil {
		w.logger.Warn("append failed, retrying in smaller batches", "err", firstErr)
	}

	for start := 0; start < len(rows); start += fallbackBatchSize {
		if err := ctx.Err(); err != nil {
			break
		}
		end := min(start+fallbackBatchSize, len(rows))
		batch := rows[start:end]

		if err := w.append(ctx, batch); err == nil {
			markAll(landed, start, end)
			continue
		} else if w.logger != nil {
			w.logger.Warn("batch append failed", "batch", start/fallbackBatchSize+1, "err", err)
		}

		for i, row := range batch {
			if err := w.append(ctx, []Row{row}); err != nil {
				if w.logger != nil {
					w.logger.Error("row append failed", "row", start+i+1, "err", err)
				}
				continue
			}
			landed[start+i] = true
		}
	}

	for _, ok := range landed {
		if ok {
			return landed, nil
		}
	}
	return landed, fmt.Errorf("%w: %w", ErrNothingAppended, firstErr)
}

func (w *Writer) append(ctx context.Context, rows []Row) error {
	return retry.Do(ctx, w.opts.Retry, w.logger, "append rows", func(ctx context.Context) error {
		return w.api.AppendValues(ctx, w.opts.SpreadsheetID, w.rangeOf("A:E"), toValues(rows))
	})
}

// rangeOf qualifies an A1 range with the quoted sheet name.
func (w *Writer) rangeOf(cells string) string {
	return "'" + strings.ReplaceAll(w.opts.SheetName, "'", "''") + "'!" + cells
}

func markAll(landed []bool, from, to int) {
	for i := from; i < to; i++ {
		landed[i] = true
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type service struct {
	srv *sheetsv4.Service
}

func (s *service) SheetTitles(ctx context.Context, spreadsheetID string) ([]string, error) {
	ss, err := s.srv.Spreadsheets.Get(spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	titles := make([]string, 0, len(ss.Sheets))
	for _, sh := range ss.Sheets {
		if sh != nil && sh.Properties != nil {
			titles = append(titles, sh.Properties.Title)
		}
	}
	return titles, nil
}

func (s *service) AddSheet(ctx context.Context, spreadsheetID, title string) error {
	req := &sheetsv4.BatchUpdateSpreadsheetRequest{
		Requests: []*sheetsv4.Request{{
			AddSheet: &sheetsv4.AddSheetRequest{Properties: &sheetsv4.SheetProperties{Title: title}},
		}},
	}
	_, err := s.srv.Spreadsheets.BatchUpdate(spreadsheetID, req).Context(ctx).Do()
	return err
}

func (s *service) GetValues(ctx context.Context, spreadsheetID, rng string) ([][]any, error) {
	vr, err := s.srv.Spreadsheets.Values.Get(spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return vr.Values, nil
}

func (s *service) UpdateValues(ctx context.Context, spreadsheetID, rng string, values [][]any) error {
	_, err := s.srv.Spreadsheets.Values.Update(spreadsheetID, rng, &sheetsv4.ValueRange{Values: values}).
		ValueInputOption(valueInput).Context(ctx).Do()
	return err
}

func (s *service) AppendValues(ctx context.Context, spreadsheetID, rng string, values [][]any) error {
	_, err := s.srv.Spreadsheets.Values.Append(spreadsheetID, rng, &sheetsv4.ValueRange{Values: values}).
		ValueInputOption(valueInput).InsertDataOption(insertRows).Context(ctx).Do()
	return err
}
