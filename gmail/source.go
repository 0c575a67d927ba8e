// Package gmail reads unread messages from a Gmail mailbox through the Gmail API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/dhcgn/mail-to-sheets/model"
	"github.com/dhcgn/mail-to-sheets/retry"
)

const (
	user = "me"

	DefaultQuery      = "is:unread in:inbox"
	DefaultMaxResults = 500

	labelUnread = "UNREAD"
	pageLimit   = 500
)

// API is the subset of the Gmail service the source needs.
type API interface {
	ListPage(ctx context.Context, query, pageToken string, pageSize int64) (ids []string, next string, err error)
	Get(ctx context.Context, id string) (*gmailv1.Message, error)
	RemoveLabels(ctx context.Context, id string, labels []string) error
}

type Options struct {
	Query      string
	MaxResults int
	// Last24h restricts the query to mail received since yesterday.
	Last24h bool
	Retry   retry.Policy
}

// Source lists, fetches and marks read Gmail messages.
type Source struct {
	api    API
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds the API on top of an authorized HTTP client.
func NewService(ctx context.Context, client *http.Client) (API, error) {
	srv, err := gmailv1.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &service{srv: srv}, nil
}

func NewSource(api API, opts Options, logger *slog.Logger) (*Source, error) {
	if api == nil {
		return nil, fmt.Errorf("gmail api must not be nil")
	}
	if strings.TrimSpace(opts.Query) == "" {
		opts.Query = DefaultQuery
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	return &Source{api: api, opts: opts, logger: logger, now: time.Now}, nil
}

// Query returns the search expression used for listing.
func (s *Source) Query() string {
	return BuildQuery(s.opts.Query, s.opts.Last24h, s.now())
}

// BuildQuery appends an after: clause for the last day when last24h is set.
func BuildQuery(base string, last24h bool, now time.Time) string {
	if !last24h {
		return base
	}
	cutoff := now.Add(-24 * time.Hour).Format("2006/01/02")
	return base + " after:" + cutoff
}

func (s *Source) ListUnread(ctx context.Context) ([]string, error) {
	query := s.Query()
	if s.logger != nil {
		s.logger.Info("listing unread messages", "query", query, "maxResults", s.opts.MaxResults)
	}

	var (
		ids   []string
		token string
	)
	for len(ids) < s.opts.MaxResults {
		size := s.opts.MaxResults - len(ids)
		if size > pageLimit {
			size = pageLimit
		}

		var (
			page []string
			next string
		)
		err := retry.Do(ctx, s.opts.Retry, s.logger, "list messages", func(ctx context.Context) error {
			var err error
			page, next, err = s.api.ListPage(ctx, query, token, int64(size))
			return err
		})
		if err != nil {
			return nil, err
		}

		ids = append(ids, page...)
		if next == "" || len(page) == 0 {
			break
		}
		token = next
	}

	if len(ids) > s.opts.MaxResults {
		ids = ids[:s.opts.MaxResults]
	}
	if s.logger != nil {
		s.logger.Info("found unread messages", "count", len(ids))
	}
	return ids, nil
}

func (s *Source) Fetch(ctx context.Context, id string) (model.Message, error) {
	var msg *gmailv1.Message
	err := retry.Do(ctx, s.opts.Retry, s.logger, "get message "+id, func(ctx context.Context) error {
		var err error
		msg, err = s.api.Get(ctx, id)
		return err
	})
	if err != nil {
		return model.Message{}, err
	}
	return ToModel(msg), nil
}

// MarkRead removes the UNREAD label message by message. Failures are collected and
// do not stop the remaining messages.
func (s *Source) MarkRead(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := retry.Do(ctx, s.opts.Retry, s.logger, "mark read "+id, func(ctx context.Context) error {
			return s.api.RemoveLabels(ctx, id, []string{labelUnread})
		})
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("failed to mark message read", "messageID", id, "err", err)
			}
			errs = append(errs, err)
			continue
		}
		if s.logger != nil {
			s.logger.Debug("marked message read", "messageID", id)
		}
	}
	return errors.Join(errs...)
}

func (s *Source) Close() error {
	return nil
}

type service struct {
	srv *gmailv1.Service
}

func (s *service) ListPage(ctx context.Context, query, pageToken string, pageSize int64) ([]string, string, error) {
	call := s.srv.Users.Messages.List(user).Q(query).MaxResults(pageSize).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, "", err
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m != nil && m.Id != "" {
			ids = append(ids, m.Id)
		}
	}
	return ids, resp.NextPageToken, nil
}

func (s *service) Get(ctx context.Context, id string) (*gmailv1.Message, error) {
	return s.srv.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
}

func (s *service) RemoveLabels(ctx context.Context, id string, labels []string) error {
	req := &gmailv1.ModifyMessageRequest{RemoveLabelIds: labels}
	_, err := s.srv.Users.Messages.Modify(user, id, req).Context(ctx).Do()
	return err
}
