package gmail

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestTokenFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials", "token.json")
	want := &oauth2.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	if err := saveToken(path, want); err != nil {
		t.Fatalf("saveToken() error = %v", err)
	}
	got, err := tokenFromFile(path)
	if err != nil {
		t.Fatalf("tokenFromFile() error = %v", err)
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken || !got.Expiry.Equal(want.Expiry) {
		t.Errorf("tokenFromFile() = %+v, want %+v", got, want)
	}
}

func TestTokenFromWeb_NoCode(t *testing.T) {
	var out bytes.Buffer
	a := &Authenticator{In: strings.NewReader("\n"), Out: &out}
	cfg := &oauth2.Config{
		ClientID: "client",
		Endpoint: oauth2.Endpoint{AuthURL: "https://accounts.example.com/auth", TokenURL: "https://accounts.example.com/token"},
		Scopes:   Scopes,
	}

	_, err := a.tokenFromWeb(context.Background(), cfg)
	if !errors.Is(err, ErrNoAuthCode) {
		t.Fatalf("tokenFromWeb() error = %v, want ErrNoAuthCode", err)
	}
	if !strings.Contains(out.String(), "https://accounts.example.com/auth") {
		t.Errorf("prompt %q does not contain the authorization URL", out.String())
	}
}

func TestHTTPClient_MissingSecret(t *testing.T) {
	a := &Authenticator{CredentialsFile: filepath.Join(t.TempDir(), "nope.json")}
	if _, err := a.HTTPClient(context.Background()); err == nil {
		t.Error("Expected error for a missing client secret file")
	}
}
