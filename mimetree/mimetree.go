// Package mimetree converts raw RFC 5322 messages into the part tree used by the parser.
package mimetree

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-to-sheets/model"
)

// maxDepth bounds multipart nesting; deeper parts are dropped.
const maxDepth = 32

var ErrEmptyMessage = errors.New("empty message")

// FromRaw parses raw into a Message with a populated Payload. Text bodies are decoded
// from their transfer encoding and charset, then stored as URL-safe base64 like the
// Gmail API does. The ID is left for the caller to assign.
func FromRaw(raw []byte) (model.Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return model.Message{}, ErrEmptyMessage
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if (err != nil && !tolerable(err)) || entity == nil {
		return model.Message{}, fmt.Errorf("read message: %w", err)
	}

	payload, err := convert(entity, 0)
	if err != nil {
		return model.Message{}, err
	}

	msg := model.Message{Payload: payload}
	if date, err := (&mail.Header{Header: entity.Header}).Date(); err == nil && !date.IsZero() {
		msg.InternalDate = date.UnixMilli()
	}
	return msg, nil
}

func convert(entity *message.Entity, depth int) (*model.MessagePart, error) {
	mediaType, params, _ := entity.Header.ContentType()
	if mediaType == "" {
		mediaType = "text/plain"
	}

	part := &model.MessagePart{
		MimeType: strings.ToLower(mediaType),
		Filename: filename(entity.Header, params),
		Headers:  headers(entity.Header),
	}

	if mr := entity.MultipartReader(); mr != nil {
		part.Body = &model.PartBody{}
		if depth >= maxDepth {
			return part, nil
		}
		for {
			child, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if (err != nil && !tolerable(err)) || child == nil {
				// A broken boundary ends the walk; what was read so far is kept.
				break
			}
			sub, err := convert(child, depth+1)
			if err != nil {
				return nil, err
			}
			part.Parts = append(part.Parts, sub)
		}
		return part, nil
	}

	data, err := io.ReadAll(entity.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s body: %w", part.MimeType, err)
	}
	part.Body = &model.PartBody{
		Data: base64.URLEncoding.EncodeToString(data),
		Size: int64(len(data)),
	}
	return part, nil
}

func headers(h message.Header) []model.Header {
	var out []model.Header
	fields := h.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		out = append(out, model.Header{Name: fields.Key(), Value: value})
	}
	return out
}

func filename(h message.Header, typeParams map[string]string) string {
	if _, params, err := h.ContentDisposition(); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	return typeParams["name"]
}

// tolerable reports errors after which go-message still returns a usable entity.
func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
