package sheets

import (
	"strings"

	"github.com/dhcgn/mail-to-sheets/model"
	"github.com/dhcgn/mail-to-sheets/sanitize"
)

const noContent = "(No content)"

// Header is the fixed first row of the sheet.
var Header = Row{"From", "Subject", "Date", "Content", "Labels"}

// Row holds the cells of one sheet row, in Header order.
type Row []string

// BuildRow renders a parsed email as a row. Every cell is capped below the
// spreadsheet cell limit; empty content becomes a placeholder.
func BuildRow(email model.ParsedEmail) Row {
	content := email.Content
	if content == "" {
		content = noContent
	}

	return Row{
		capCell(email.From),
		capCell(email.Subject),
		capCell(email.Date),
		sanitize.Truncate(content, sanitize.MaxCellChars, sanitize.TruncatedSuffix),
		capCell(strings.Join(email.Labels, ", ")),
	}
}

func capCell(s string) string {
	return sanitize.Truncate(s, sanitize.MaxCellChars, sanitize.EllipsisSuffix)
}

func (r Row) values() []any {
	out := make([]any, len(r))
	for i, cell := range r {
		out[i] = cell
	}
	return out
}

func (r Row) equal(cells []any) bool {
	if len(cells) != len(r) {
		return false
	}
	for i, cell := range cells {
		s, ok := cell.(string)
		if !ok || s != r[i] {
			return false
		}
	}
	return true
}

func toValues(rows []Row) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		out[i] = row.values()
	}
	return out
}
