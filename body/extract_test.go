package body

import (
	"encoding/base64"
	"testing"

	"github.com/dhcgn/mail-to-sheets/model"
)

func enc(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func leaf(mimeType, text string) *model.MessagePart {
	return &model.MessagePart{MimeType: mimeType, Body: &model.PartBody{Data: enc(text), Size: int64(len(text))}}
}

func multipart(mimeType string, parts ...*model.MessagePart) *model.MessagePart {
	return &model.MessagePart{MimeType: mimeType, Body: &model.PartBody{}, Parts: parts}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		root *model.MessagePart
		want string
	}{
		{
			name: "plain text preferred over earlier html sibling",
			root: multipart("multipart/alternative",
				leaf("text/html", "<p>html version</p>"),
				leaf("text/plain", "plain version"),
			),
			want: "plain version",
		},
		{
			name: "first plain leaf wins in depth first order",
			root: multipart("multipart/mixed",
				multipart("multipart/alternative",
					leaf("text/plain", "nested first"),
					leaf("text/html", "<p>nested html</p>"),
				),
				leaf("text/plain", "top level second"),
			),
			want: "nested first",
		},
		{
			name: "plain text deep in a later branch beats html",
			root: multipart("multipart/mixed",
				leaf("text/html", "<b>first html</b>"),
				multipart("multipart/related",
					multipart("multipart/alternative",
						leaf("text/plain", "deep plain"),
					),
				),
			),
			want: "deep plain",
		},
		{
			name: "html only is converted",
			root: multipart("multipart/alternative",
				leaf("text/html", "<p>Hello <b>World</b></p><br>Bye"),
			),
			want: "Hello World\nBye",
		},
		{
			name: "first html leaf is used",
			root: multipart("multipart/mixed",
				leaf("text/html", "<p>one</p>"),
				leaf("text/html", "<p>two</p>"),
			),
			want: "one",
		},
		{
			name: "empty plain leaf is skipped",
			root: multipart("multipart/alternative",
				&model.MessagePart{MimeType: "text/plain", Body: &model.PartBody{}},
				leaf("text/plain", "second plain"),
			),
			want: "second plain",
		},
		{
			name: "broken base64 contributes nothing",
			root: multipart("multipart/alternative",
				&model.MessagePart{MimeType: "text/plain", Body: &model.PartBody{Data: "!!!not base64!!!"}},
				leaf("text/html", "<div>fallback</div>"),
			),
			want: "fallback",
		},
		{
			name: "quoted printable second pass",
			root: multipart("multipart/alternative",
				leaf("text/plain", "Caf=C3=A9 =\nopen"),
			),
			want: "Café open",
		},
		{
			name: "invalid quoted printable keeps first stage",
			root: multipart("multipart/alternative",
				leaf("text/plain", "price =ZZ 5"),
			),
			want: "price =ZZ 5",
		},
		{
			name: "attachments are ignored",
			root: multipart("multipart/mixed",
				leaf("application/pdf", "%PDF-1.4"),
			),
			want: "",
		},
		{
			name: "no parts and empty body",
			root: &model.MessagePart{MimeType: "multipart/mixed", Body: &model.PartBody{}, Parts: []*model.MessagePart{}},
			want: "",
		},
		{
			name: "nil root",
			root: nil,
			want: "",
		},
	}

	e := NewExtractor(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Extract(tt.root); got != tt.want {
				t.Errorf("Extract() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{name: "padded", data: base64.URLEncoding.EncodeToString([]byte("hi there")), want: "hi there"},
		{name: "unpadded", data: base64.RawURLEncoding.EncodeToString([]byte("hi there")), want: "hi there"},
		{name: "url alphabet", data: base64.URLEncoding.EncodeToString([]byte{0xfb, 0xff, 'o', 'k'}), want: "ok"},
		{name: "invalid", data: "@@@@", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Decode() = %q, want %q", got, tt.want)
			}
		})
	}
}
