package gmail

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/sheets/v4"
)

// Scopes covers reading and relabeling mail plus writing the spreadsheet, so one
// token serves both services.
var Scopes = []string{gmailv1.GmailModifyScope, sheets.SpreadsheetsScope}

var ErrNoAuthCode = errors.New("no authorization code entered")

// Authenticator runs the installed-app OAuth flow and caches the token on disk.
type Authenticator struct {
	CredentialsFile string
	TokenFile       string
	// In and Out carry the code paste prompt; they default to stdin and stdout.
	In     io.Reader
	Out    io.Writer
	Logger *slog.Logger
}

// HTTPClient returns an authorized client. A cached token is reused when present;
// otherwise the user is asked to authorize in the browser and paste the code.
func (a *Authenticator) HTTPClient(ctx context.Context) (*http.Client, error) {
	secret, err := os.ReadFile(a.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read client secret file: %w", err)
	}
	cfg, err := google.ConfigFromJSON(secret, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secret file: %w", err)
	}

	tok, err := tokenFromFile(a.TokenFile)
	switch {
	case err == nil && (tok.Valid() || tok.RefreshToken != ""):
		if a.Logger != nil {
			a.Logger.Info("loaded oauth token", "path", a.TokenFile)
		}
	default:
		if err != nil && !errors.Is(err, os.ErrNotExist) && a.Logger != nil {
			a.Logger.Warn("oauth token unusable, starting authorization", "path", a.TokenFile, "err", err)
		}
		tok, err = a.tokenFromWeb(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := saveToken(a.TokenFile, tok); err != nil {
			return nil, err
		}
		if a.Logger != nil {
			a.Logger.Info("saved oauth token", "path", a.TokenFile)
		}
	}

	return cfg.Client(ctx, tok), nil
}

func (a *Authenticator) tokenFromWeb(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	in, out := a.In, a.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}

	authURL := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(out, "Go to the following link in your browser then type the authorization code:\n%v\n", authURL)

	code, err := bufio.NewReader(in).ReadString('\n')
	code = strings.TrimSpace(code)
	if code == "" {
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read authorization code: %w", err)
		}
		return nil, ErrNoAuthCode
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return tok, nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("save oauth token: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(tok); err != nil {
		return fmt.Errorf("encode oauth token: %w", err)
	}
	return nil
}
