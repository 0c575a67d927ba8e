// Package cmd wires configuration into sources, parsers and subcommands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-sheets/config"
	"github.com/dhcgn/mail-to-sheets/credential"
	"github.com/dhcgn/mail-to-sheets/filter"
	"github.com/dhcgn/mail-to-sheets/gmail"
	"github.com/dhcgn/mail-to-sheets/imap"
	"github.com/dhcgn/mail-to-sheets/mbox"
	"github.com/dhcgn/mail-to-sheets/parser"
	"github.com/dhcgn/mail-to-sheets/retry"
	"github.com/dhcgn/mail-to-sheets/runner"
)

var ErrNoIMAPPassword = errors.New("IMAP password must be provided via --imap-pass, IMAP_PASS env var or the keyring (credential set-imap-password)")

// LoggerFunc builds the process logger and a cleanup for it.
type LoggerFunc func(cfg config.Config) (*slog.Logger, func() error, error)

// SecretGetter looks up stored secrets.
type SecretGetter interface {
	Get(key string) (string, error)
}

// openKeyring is replaced in tests.
var openKeyring = func() (*credential.Store, error) { return credential.Open() }

// Register adds the subcommands to root.
func Register(root *cobra.Command, setupLogger LoggerFunc) {
	root.AddCommand(newPreviewCmd(setupLogger))
	root.AddCommand(newCredentialCmd())
}

// HTTPClient returns the OAuth client shared by the Gmail source and the sheets writer.
func HTTPClient(ctx context.Context, cfg config.Config, logger *slog.Logger) (*http.Client, error) {
	auth := &gmail.Authenticator{
		CredentialsFile: cfg.CredentialsFile,
		TokenFile:       cfg.TokenFile,
		Logger:          logger,
	}
	client, err := auth.HTTPClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("authorize: %w", err)
	}
	return client, nil
}

func RetryPolicy(cfg config.Config) retry.Policy {
	return retry.Policy{Attempts: cfg.RetryAttempts, Initial: cfg.RetryInitial}
}

func FilterOptions(cfg config.Config) filter.Options {
	return filter.Options{
		ExcludeNoReply: cfg.ExcludeNoReply,
		SubjectKeyword: cfg.SubjectFilter,
		ExcludeSenders: cfg.ExcludeSenders,
	}
}

func NewParser(cfg config.Config, logger *slog.Logger) (*parser.Parser, error) {
	p, err := parser.New(parser.Options{Filter: FilterOptions(cfg), Location: cfg.Location}, logger)
	if err != nil {
		return nil, fmt.Errorf("parser.New: %w", err)
	}
	return p, nil
}

// OpenSource builds the configured mail source. client is only used by the gmail source.
func OpenSource(ctx context.Context, cfg config.Config, client *http.Client, logger *slog.Logger) (runner.Source, error) {
	switch cfg.Source {
	case config.SourceGmail:
		if client == nil {
			return nil, fmt.Errorf("gmail source needs an authorized client")
		}
		api, err := gmail.NewService(ctx, client)
		if err != nil {
			return nil, err
		}
		return gmail.NewSource(api, gmail.Options{
			Query:      cfg.Query,
			MaxResults: cfg.MaxResults,
			Last24h:    cfg.Last24h,
			Retry:      RetryPolicy(cfg),
		}, logger)
	case config.SourceIMAP:
		password, err := IMAPPassword(cfg, nil)
		if err != nil {
			return nil, err
		}
		return imap.NewSource(imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           password,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Mailbox:            cfg.IMAPMailbox,
		}, logger)
	case config.SourceMbox:
		return mbox.NewSource(mbox.Options{Path: cfg.MboxPath}, logger)
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}

// IMAPPassword returns the configured password, falling back to the keyring. A nil
// secrets opens the system keyring.
func IMAPPassword(cfg config.Config, secrets SecretGetter) (string, error) {
	if cfg.IMAPPass != "" {
		return cfg.IMAPPass, nil
	}

	if secrets == nil {
		store, err := openKeyring()
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrNoIMAPPassword, err)
		}
		secrets = store
	}

	password, err := secrets.Get(credential.IMAPKey(cfg.IMAPUser, cfg.IMAPHost))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoIMAPPassword, err)
	}
	return password, nil
}
