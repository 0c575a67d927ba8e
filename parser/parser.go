// Package parser turns source messages into the records written to the spreadsheet.
package parser

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-to-sheets/body"
	"github.com/dhcgn/mail-to-sheets/filter"
	"github.com/dhcgn/mail-to-sheets/model"
	"github.com/dhcgn/mail-to-sheets/sanitize"
)

var (
	// ErrFiltered marks a message rejected by the filter rules. It is not a failure.
	ErrFiltered = errors.New("message filtered out")
	// ErrMalformed marks a message whose structure could not be parsed.
	ErrMalformed = errors.New("malformed message")
)

const (
	defaultFrom    = "Unknown"
	defaultSubject = "(No Subject)"

	// isoLayout keeps an explicit offset for UTC instead of "Z".
	isoLayout = "2006-01-02T15:04:05-07:00"

	subjectLogChars = 50
)

// Options configures a Parser.
type Options struct {
	Filter filter.Options
	// Location renders internal timestamps; nil means time.Local.
	Location *time.Location
}

// Parser extracts a ParsedEmail from a message. It holds no per-message state and is
// safe for concurrent use.
type Parser struct {
	filter    *filter.Filter
	extractor *body.Extractor
	location  *time.Location
	logger    *slog.Logger
}

// New builds a Parser. logger may be nil.
func New(opts Options, logger *slog.Logger) (*Parser, error) {
	f, err := filter.New(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("filter.New: %w", err)
	}

	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	return &Parser{
		filter:    f,
		extractor: body.NewExtractor(logger),
		location:  loc,
		logger:    logger,
	}, nil
}

// Parse returns the record for msg. Messages rejected by the filter rules yield an error
// wrapping ErrFiltered; structural problems yield an error wrapping ErrMalformed. Parse
// never panics.
func (p *Parser) Parse(msg *model.Message) (email model.ParsedEmail, err error) {
	defer func() {
		if r := recover(); r != nil {
			email = model.ParsedEmail{}
			err = fmt.Errorf("%w: %v", ErrMalformed, r)
			if p.logger != nil {
				p.logger.Error("parse message failed", "err", err)
			}
		}
	}()

	if msg == nil {
		return model.ParsedEmail{}, fmt.Errorf("%w: nil message", ErrMalformed)
	}

	header := headerLookup(msg.Payload)
	from := valueOr(header, "From", defaultFrom)
	subject := valueOr(header, "Subject", defaultSubject)

	if ok, reason := p.filter.Allows(from, subject); !ok {
		if p.logger != nil {
			p.logger.Debug("message filtered", "messageID", msg.ID, "reason", string(reason), "from", from)
		}
		return model.ParsedEmail{}, fmt.Errorf("%w: %s", ErrFiltered, reason)
	}

	date := p.normalizeDate(header, msg.InternalDate)

	text := p.extractBody(msg.Payload)
	text = strings.Join(strings.Fields(text), " ")

	content := sanitize.Truncate(text, sanitize.MaxBodyChars, sanitize.TruncatedSuffix)
	truncated := content != text
	if truncated && p.logger != nil {
		p.logger.Warn("truncated email body",
			"messageID", msg.ID,
			"originalChars", sanitize.Len(text),
			"removedChars", sanitize.Len(text)-sanitize.Len(content),
			"subject", sanitize.Head(subject, subjectLogChars),
		)
	}

	var labels []string
	if len(msg.LabelIDs) > 0 {
		labels = append(labels, msg.LabelIDs...)
	}

	return model.ParsedEmail{
		From:         from,
		Subject:      subject,
		Date:         date,
		Content:      content,
		MessageID:    msg.ID,
		WasTruncated: truncated,
		Labels:       labels,
	}, nil
}

// headerLookup indexes the payload headers case-insensitively. A repeated name keeps
// the value that appears last.
func headerLookup(payload *model.MessagePart) *mail.Header {
	h := &mail.Header{}
	if payload == nil {
		return h
	}
	for _, field := range payload.Headers {
		if field.Name == "" {
			continue
		}
		h.Set(field.Name, field.Value)
	}
	return h
}

func valueOr(h *mail.Header, key, fallback string) string {
	if !h.Has(key) {
		return fallback
	}
	return h.Get(key)
}

// normalizeDate tries the Date header, then the internal timestamp, then keeps the raw header.
func (p *Parser) normalizeDate(h *mail.Header, internalDate int64) string {
	raw := h.Get("Date")
	if strings.TrimSpace(raw) != "" {
		t, err := h.Date()
		if err == nil {
			return t.Format(isoLayout)
		}
		if p.logger != nil {
			p.logger.Debug("date header not parseable", "date", raw, "err", err)
		}
	}

	if internalDate > 0 {
		return time.UnixMilli(internalDate).In(p.location).Format(isoLayout)
	}

	return raw
}

func (p *Parser) extractBody(payload *model.MessagePart) string {
	if payload == nil {
		return ""
	}
	if len(payload.Parts) > 0 {
		return p.extractor.Extract(payload)
	}

	data := payload.Data()
	if data == "" {
		return ""
	}
	text, err := body.Decode(data)
	if err != nil {
		if p.logger != nil {
			p.logger.Debug("payload decode failed", "mimeType", payload.MimeType, "err", err)
		}
		return ""
	}
	return text
}
