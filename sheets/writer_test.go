package sheets

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/dhcgn/mail-to-sheets/model"
	"github.com/dhcgn/mail-to-sheets/retry"
	"github.com/dhcgn/mail-to-sheets/sanitize"
)

type fakeAPI struct {
	titles  []string
	values  map[string][][]any
	added   []string
	updated map[string][][]any
	// appended collects every successful append call.
	appended [][][]any
	// rejectAppend fails any append whose rows contain a cell with this marker.
	rejectAppend string
	// failBatchesOver fails appends carrying more rows than this, when positive.
	failBatchesOver int
}

func (f *fakeAPI) SheetTitles(context.Context, string) ([]string, error) {
	return f.titles, nil
}

func (f *fakeAPI) AddSheet(_ context.Context, _ string, title string) error {
	f.added = append(f.added, title)
	f.titles = append(f.titles, title)
	return nil
}

func (f *fakeAPI) GetValues(_ context.Context, _ string, rng string) ([][]any, error) {
	return f.values[rng], nil
}

func (f *fakeAPI) UpdateValues(_ context.Context, _ string, rng string, values [][]any) error {
	if f.updated == nil {
		f.updated = map[string][][]any{}
	}
	f.updated[rng] = values
	return nil
}

func (f *fakeAPI) AppendValues(_ context.Context, _ string, rng string, values [][]any) error {
	if rng != "'Emails'!A:E" {
		return errors.New("unexpected range " + rng)
	}
	if f.failBatchesOver > 0 && len(values) > f.failBatchesOver {
		return &googleapi.Error{Code: 400, Message: "payload too large"}
	}
	if f.rejectAppend != "" {
		for _, row := range values {
			for _, cell := range row {
				if strings.Contains(cell.(string), f.rejectAppend) {
					return &googleapi.Error{Code: 400, Message: "bad row"}
				}
			}
		}
	}
	f.appended = append(f.appended, values)
	return nil
}

func newWriter(t *testing.T, api API) *Writer {
	t.Helper()
	w, err := NewWriter(api, Options{
		SpreadsheetID: "sheet-id",
		Retry:         retry.Policy{Attempts: 1, Initial: time.Microsecond},
	}, nil)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	return w
}

func rowsNamed(names ...string) []Row {
	rows := make([]Row, len(names))
	for i, n := range names {
		rows[i] = Row{n, "s", "d", "c", ""}
	}
	return rows
}

func TestNewWriter_Validation(t *testing.T) {
	if _, err := NewWriter(&fakeAPI{}, Options{}, nil); err == nil {
		t.Error("Expected error for missing spreadsheet id")
	}
	if _, err := NewWriter(nil, Options{SpreadsheetID: "x"}, nil); err == nil {
		t.Error("Expected error for nil api")
	}
}

func TestPrepare_CreatesSheetAndHeader(t *testing.T) {
	api := &fakeAPI{titles: []string{"Sheet1"}}
	w := newWriter(t, api)

	if err := w.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if len(api.added) != 1 || api.added[0] != "Emails" {
		t.Errorf("added sheets = %v, want [Emails]", api.added)
	}
	got := api.updated["'Emails'!A1:E1"]
	if len(got) != 1 || !Header.equal(got[0]) {
		t.Errorf("header update = %v", got)
	}
}

func TestPrepare_LeavesExistingHeader(t *testing.T) {
	api := &fakeAPI{
		titles: []string{"Emails"},
		values: map[string][][]any{"'Emails'!A1:E1": {Header.values()}},
	}
	w := newWriter(t, api)

	if err := w.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if len(api.added) != 0 || len(api.updated) != 0 {
		t.Errorf("Prepare() modified an up to date sheet: added=%v updated=%v", api.added, api.updated)
	}
}

func TestPrepare_RewritesDifferentHeader(t *testing.T) {
	api := &fakeAPI{
		titles: []string{"Emails"},
		values: map[string][][]any{"'Emails'!A1:E1": {{"From", "Subject", "Date", "Content"}}},
	}
	w := newWriter(t, api)

	if err := w.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if _, ok := api.updated["'Emails'!A1:E1"]; !ok {
		t.Error("Expected the header row to be rewritten")
	}
}

func TestAppendRows_Whole(t *testing.T) {
	api := &fakeAPI{}
	w := newWriter(t, api)

	landed, err := w.AppendRows(context.Background(), rowsNamed("a", "b"))
	if err != nil {
		t.Fatalf("AppendRows() error = %v", err)
	}
	if !landed[0] || !landed[1] {
		t.Errorf("landed = %v", landed)
	}
	if len(api.appended) != 1 {
		t.Errorf("append calls = %d, want 1", len(api.appended))
	}
}

func TestAppendRows_FallsBackToBatchesAndRows(t *testing.T) {
	names := make([]string, 120)
	for i := range names {
		names[i] = "row"
	}
	names[70] = "poison"
	api := &fakeAPI{failBatchesOver: 50, rejectAppend: "poison"}
	w := newWriter(t, api)

	landed, err := w.AppendRows(context.Background(), rowsNamed(names...))
	if err != nil {
		t.Fatalf("AppendRows() error = %v", err)
	}

	for i, ok := range landed {
		if want := i != 70; ok != want {
			t.Errorf("landed[%d] = %v, want %v", i, ok, want)
		}
	}

	total := 0
	for _, call := range api.appended {
		total += len(call)
	}
	if total != 119 {
		t.Errorf("rows appended = %d, want 119", total)
	}
	// batch 1 (50), batch 2 row by row (49 ok), batch 3 (20)
	if len(api.appended) != 51 {
		t.Errorf("successful append calls = %d, want 51", len(api.appended))
	}
}

func TestAppendRows_NothingLanded(t *testing.T) {
	api := &fakeAPI{rejectAppend: "poison"}
	w := newWriter(t, api)

	landed, err := w.AppendRows(context.Background(), rowsNamed("poison", "poison"))
	if !errors.Is(err, ErrNothingAppended) {
		t.Fatalf("AppendRows() error = %v, want ErrNothingAppended", err)
	}
	if landed[0] || landed[1] {
		t.Errorf("landed = %v, want none", landed)
	}
}

func TestAppendRows_Empty(t *testing.T) {
	w := newWriter(t, &fakeAPI{})
	landed, err := w.AppendRows(context.Background(), nil)
	if err != nil || len(landed) != 0 {
		t.Errorf("AppendRows(nil) = %v, %v", landed, err)
	}
}

func TestRangeOf_QuotesSheetName(t *testing.T) {
	w, err := NewWriter(&fakeAPI{}, Options{SpreadsheetID: "x", SheetName: "Bob's mail"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := w.rangeOf("A:E"); got != "'Bob''s mail'!A:E" {
		t.Errorf("rangeOf() = %q", got)
	}
}

func TestBuildRow(t *testing.T) {
	row := BuildRow(model.ParsedEmail{
		From:    "a@example.com",
		Subject: "Hi",
		Date:    "2024-01-01T00:00:00+00:00",
		Labels:  []string{"INBOX", "IMPORTANT"},
	})

	if len(row) != len(Header) {
		t.Fatalf("row has %d cells, want %d", len(row), len(Header))
	}
	if row[3] != "(No content)" {
		t.Errorf("content = %q, want placeholder", row[3])
	}
	if row[4] != "INBOX, IMPORTANT" {
		t.Errorf("labels = %q", row[4])
	}
}

func TestBuildRow_CapsCells(t *testing.T) {
	long := strings.Repeat("x", sanitize.MaxCellChars+10)
	row := BuildRow(model.ParsedEmail{From: long, Subject: long, Content: long})

	for i, cell := range row[:4] {
		if n := sanitize.Len(cell); n > sanitize.MaxCellChars {
			t.Errorf("cell %d has %d code points", i, n)
		}
	}
	if !strings.HasSuffix(row[0], "...") || strings.HasSuffix(row[0], "[TRUNCATED]") {
		t.Errorf("from cell has wrong suffix")
	}
	if !strings.HasSuffix(row[3], sanitize.TruncatedSuffix) {
		t.Errorf("content cell has wrong suffix")
	}
}
