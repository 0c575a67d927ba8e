// Package body turns the MIME part tree of a message into a single plain text body.
package body

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime/quotedprintable"
	"strings"

	"github.com/dhcgn/mail-to-sheets/model"
)

const (
	mimeTextPlain = "text/plain"
	mimeTextHTML  = "text/html"
)

// Extractor picks the body of a message: the first non-empty text/plain leaf in
// depth-first order, or the first non-empty text/html leaf converted to text when the
// tree holds no plain text at all.
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor returns an Extractor. logger may be nil.
func NewExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract returns the plain text body found under root, or "" when no part yields content.
func (e *Extractor) Extract(root *model.MessagePart) string {
	var firstHTML string
	if text, ok := e.walk(root, &firstHTML); ok {
		return text
	}
	if firstHTML != "" {
		return HTMLToText(firstHTML)
	}
	return ""
}

// walk reports ok once a plain text leaf produced content; the caller stops at that
// point. firstHTML receives the decoded payload of the first html leaf seen.
func (e *Extractor) walk(part *model.MessagePart, firstHTML *string) (string, bool) {
	if part == nil {
		return "", false
	}

	for _, child := range part.Parts {
		if text, ok := e.walk(child, firstHTML); ok {
			return text, true
		}
	}

	data := part.Data()
	if data == "" {
		return "", false
	}

	switch strings.ToLower(part.MimeType) {
	case mimeTextPlain:
		text := e.decode(data, part.MimeType)
		if text == "" {
			return "", false
		}
		return decodeQuotedPrintable(text), true
	case mimeTextHTML:
		if *firstHTML != "" {
			return "", false
		}
		*firstHTML = e.decode(data, part.MimeType)
	}

	return "", false
}

func (e *Extractor) decode(data, mimeType string) string {
	text, err := Decode(data)
	if err != nil {
		if e.logger != nil {
			e.logger.Debug("body part decode failed", "mimeType", mimeType, "size", len(data), "err", err)
		}
		return ""
	}
	return text
}

// Decode decodes a URL-safe base64 payload, padded or not, into text. Bytes that are
// not valid UTF-8 are dropped.
func Decode(data string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(data), "="))
	if err != nil {
		return "", fmt.Errorf("decode base64 body: %w", err)
	}
	return strings.ToValidUTF8(string(raw), ""), nil
}

// decodeQuotedPrintable interprets text as quoted-printable. Any failure leaves the
// input untouched.
func decodeQuotedPrintable(text string) string {
	decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader([]byte(text))))
	if err != nil || len(decoded) == 0 {
		return text
	}
	return strings.ToValidUTF8(string(decoded), "")
}
