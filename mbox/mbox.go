// Package mbox treats a local mbox archive as a mailbox in which every message is unread.
package mbox

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/mail-to-sheets/mimetree"
	"github.com/dhcgn/mail-to-sheets/model"
)

var ErrUnknownID = errors.New("message id not in archive")

// Label is attached to every message read from an archive.
const Label = "mbox"

type Options struct {
	Path string
}

// Source reads messages sequentially. Fetch moves a cursor forward through the file
// and only reopens it when asked for a message behind the cursor, so fetching in
// listing order reads the archive once.
type Source struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	index  map[string]int
	cursor *cursor
}

type cursor struct {
	file   *os.File
	reader *mboxlib.Reader
	pos    int
}

func NewSource(opts Options, logger *slog.Logger) (*Source, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	return &Source{path: path, logger: logger}, nil
}

// ListUnread scans the archive and returns one id per message in file order.
func (s *Source) ListUnread(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.open()
	if err != nil {
		return nil, err
	}
	defer c.file.Close()

	var ids []string
	index := make(map[string]int)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := c.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}

		id := messageID(raw)
		if _, dup := index[id]; dup || id == "" {
			id = hashID(raw)
		}
		if _, dup := index[id]; dup {
			if s.logger != nil {
				s.logger.Debug("skipping identical message", "index", idx)
			}
			continue
		}
		index[id] = idx
		ids = append(ids, id)
	}

	s.index = index
	if s.logger != nil {
		s.logger.Info("scanned mbox archive", "path", s.path, "messages", len(ids))
	}
	return ids, nil
}

func (s *Source) Fetch(ctx context.Context, id string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[id]
	if !ok {
		return model.Message{}, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}

	if s.cursor == nil || s.cursor.pos > pos {
		s.closeCursor()
		c, err := s.open()
		if err != nil {
			return model.Message{}, err
		}
		s.cursor = c
	}

	for s.cursor.pos < pos {
		if err := ctx.Err(); err != nil {
			return model.Message{}, err
		}
		if _, err := s.cursor.next(); err != nil {
			s.closeCursor()
			return model.Message{}, fmt.Errorf("seek to message %d: %w", pos, err)
		}
	}

	raw, err := s.cursor.next()
	if err != nil {
		s.closeCursor()
		return model.Message{}, fmt.Errorf("read message %d: %w", pos, err)
	}

	msg, err := mimetree.FromRaw(raw)
	if err != nil {
		return model.Message{}, fmt.Errorf("parse message %d: %w", pos, err)
	}
	msg.ID = id
	msg.LabelIDs = []string{Label}
	return msg, nil
}

// MarkRead is a no-op; archives carry no read state.
func (s *Source) MarkRead(context.Context, []string) error {
	return nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCursor()
	return nil
}

func (s *Source) open() (*cursor, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	return &cursor{file: file, reader: mboxlib.NewReader(file)}, nil
}

func (s *Source) closeCursor() {
	if s.cursor != nil {
		_ = s.cursor.file.Close()
		s.cursor = nil
	}
}

func (c *cursor) next() ([]byte, error) {
	msgReader, err := c.reader.NextMessage()
	if err != nil {
		return nil, err
	}
	c.pos++
	raw, err := io.ReadAll(msgReader)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return raw, nil
}

func messageID(raw []byte) string {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return ""
	}
	return strings.Trim(strings.TrimSpace(h.Get("Message-Id")), " <>")
}

func hashID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}
