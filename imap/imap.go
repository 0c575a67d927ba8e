// Package imap reads unseen messages from an IMAP mailbox.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-to-sheets/mimetree"
	"github.com/dhcgn/mail-to-sheets/model"
)

var (
	ErrInvalidID      = errors.New("invalid imap message id")
	ErrStaleID        = errors.New("mailbox uidvalidity changed")
	ErrMessageMissing = errors.New("message not found on server")
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
}

// Fetched is the server-side view of a single message.
type Fetched struct {
	Raw          []byte
	InternalDate time.Time
	Flags        []imapv2.Flag
}

// Session is a logged-in connection with a selected mailbox.
type Session interface {
	UIDValidity() uint32
	UnseenUIDs(ctx context.Context) ([]imapv2.UID, error)
	Fetch(ctx context.Context, uid imapv2.UID) (Fetched, error)
	MarkSeen(ctx context.Context, uids []imapv2.UID) error
	Close() error
}

// Dialer opens a Session. It is called lazily on first use.
type Dialer func(ctx context.Context) (Session, error)

// Source adapts an IMAP mailbox to the runner. Message ids are "<uidvalidity>.<uid>".
type Source struct {
	mailbox string
	dial    Dialer
	logger  *slog.Logger

	mu      sync.Mutex
	session Session
}

func NewSource(opts Options, logger *slog.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Mailbox == "" {
		opts.Mailbox = "INBOX"
	}
	return NewSourceWithDialer(opts.Mailbox, func(ctx context.Context) (Session, error) {
		return dial(ctx, opts, logger)
	}, logger), nil
}

// NewSourceWithDialer builds a Source on a custom session factory.
func NewSourceWithDialer(mailbox string, d Dialer, logger *slog.Logger) *Source {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return &Source{mailbox: mailbox, dial: d, logger: logger}
}

func (s *Source) connect(ctx context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return s.session, nil
	}
	session, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.session = session
	return session, nil
}

func (s *Source) ListUnread(ctx context.Context) ([]string, error) {
	session, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	uids, err := session.UnseenUIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("search unseen in %s: %w", s.mailbox, err)
	}

	validity := session.UIDValidity()
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, FormatID(validity, uid))
	}
	if s.logger != nil {
		s.logger.Info("found unseen messages", "mailbox", s.mailbox, "count", len(ids))
	}
	return ids, nil
}

func (s *Source) Fetch(ctx context.Context, id string) (model.Message, error) {
	session, err := s.connect(ctx)
	if err != nil {
		return model.Message{}, err
	}
	uid, err := s.uidOf(session, id)
	if err != nil {
		return model.Message{}, err
	}

	fetched, err := session.Fetch(ctx, uid)
	if err != nil {
		return model.Message{}, fmt.Errorf("fetch uid %d: %w", uid, err)
	}

	msg, err := mimetree.FromRaw(fetched.Raw)
	if err != nil {
		return model.Message{}, fmt.Errorf("parse uid %d: %w", uid, err)
	}
	msg.ID = id
	if !fetched.InternalDate.IsZero() {
		msg.InternalDate = fetched.InternalDate.UnixMilli()
	}
	msg.LabelIDs = labels(s.mailbox, fetched.Flags)
	return msg, nil
}

// MarkRead adds \Seen to all ids in a single STORE.
func (s *Source) MarkRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	session, err := s.connect(ctx)
	if err != nil {
		return err
	}

	var (
		uids []imapv2.UID
		errs []error
	)
	for _, id := range ids {
		uid, err := s.uidOf(session, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		uids = append(uids, uid)
	}

	if len(uids) > 0 {
		if err := session.MarkSeen(ctx, uids); err != nil {
			errs = append(errs, fmt.Errorf("store \\Seen: %w", err))
		} else if s.logger != nil {
			s.logger.Debug("marked messages seen", "mailbox", s.mailbox, "count", len(uids))
		}
	}
	return errors.Join(errs...)
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

func (s *Source) uidOf(session Session, id string) (imapv2.UID, error) {
	validity, uid, err := ParseID(id)
	if err != nil {
		return 0, err
	}
	if validity != session.UIDValidity() {
		return 0, fmt.Errorf("%w: id %s, mailbox %d", ErrStaleID, id, session.UIDValidity())
	}
	return uid, nil
}

// FormatID renders a message id that stays unique across mailbox resets.
func FormatID(validity uint32, uid imapv2.UID) string {
	return strconv.FormatUint(uint64(validity), 10) + "." + strconv.FormatUint(uint64(uid), 10)
}

// ParseID is the inverse of FormatID.
func ParseID(id string) (uint32, imapv2.UID, error) {
	left, right, ok := strings.Cut(id, ".")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	validity, err := strconv.ParseUint(left, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	uid, err := strconv.ParseUint(right, 10, 32)
	if err != nil || uid == 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return uint32(validity), imapv2.UID(uid), nil
}

// labels lists the mailbox followed by the message flags, without \Recent.
func labels(mailbox string, flags []imapv2.Flag) []string {
	out := []string{mailbox}
	for _, f := range flags {
		if strings.EqualFold(string(f), `\Recent`) {
			continue
		}
		out = append(out, string(f))
	}
	return out
}

type clientSession struct {
	client      *imapclient.Client
	uidValidity uint32
	logger      *slog.Logger
	stopClose   func() bool
}

func dial(ctx context.Context, opts Options, logger *slog.Logger) (Session, error) {
	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}

	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	selected, err := client.Select(opts.Mailbox, nil).Wait()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("select mailbox %s: %w", opts.Mailbox, err)
	}

	if logger != nil {
		logger.Debug("imap connection established", "address", address, "user", opts.Username,
			"mailbox", opts.Mailbox, "messages", selected.NumMessages, "tls", opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	return &clientSession{
		client:      client,
		uidValidity: selected.UIDValidity,
		logger:      logger,
		stopClose:   stopClose,
	}, nil
}

func (c *clientSession) UIDValidity() uint32 {
	return c.uidValidity
}

func (c *clientSession) UnseenUIDs(context.Context) ([]imapv2.UID, error) {
	criteria := &imapv2.SearchCriteria{NotFlag: []imapv2.Flag{imapv2.FlagSeen}}
	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, err
	}
	return data.AllUIDs(), nil
}

func (c *clientSession) Fetch(_ context.Context, uid imapv2.UID) (Fetched, error) {
	section := &imapv2.FetchItemBodySection{Peek: true}
	fetchOpts := &imapv2.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	}

	cmd := c.client.Fetch(imapv2.UIDSetNum(uid), fetchOpts)
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		return Fetched{}, fmt.Errorf("%w: uid %d", ErrMessageMissing, uid)
	}
	buf, err := msg.Collect()
	if err != nil {
		return Fetched{}, fmt.Errorf("collect message data: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return Fetched{}, fmt.Errorf("close fetch: %w", err)
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return Fetched{}, fmt.Errorf("%w: uid %d has no body", ErrMessageMissing, uid)
	}
	return Fetched{Raw: raw, InternalDate: buf.InternalDate, Flags: buf.Flags}, nil
}

func (c *clientSession) MarkSeen(_ context.Context, uids []imapv2.UID) error {
	cmd := c.client.Store(imapv2.UIDSetNum(uids...), &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagSeen},
	}, nil)
	return cmd.Close()
}

func (c *clientSession) Close() error {
	if !c.stopClose() {
		// The context was cancelled and the connection is already closed.
		return nil
	}
	if err := c.client.Logout().Wait(); err != nil && c.logger != nil {
		c.logger.Warn("imap logout failed", "err", err)
	}
	return c.client.Close()
}
