package mbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dhcgn/mail-to-sheets/body"
)

const archive = `From alice@example.com Mon Jan  1 00:00:00 2024
From: Alice <alice@example.com>
Subject: First
Message-Id: <first@example.com>
Date: Mon, 01 Jan 2024 00:00:00 +0000

first body

From bob@example.com Mon Jan  1 01:00:00 2024
From: Bob <bob@example.com>
Subject: No id

second body

From carol@example.com Mon Jan  1 02:00:00 2024
From: Carol <carol@example.com>
Subject: Reused id
Message-Id: <first@example.com>

third body

`

func writeArchive(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mail.mbox")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSource_ListAndFetch(t *testing.T) {
	src, err := NewSource(Options{Path: writeArchive(t, archive)}, nil)
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	defer src.Close()
	ctx := context.Background()

	ids, err := src.ListUnread(ctx)
	if err != nil {
		t.Fatalf("ListUnread() error = %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("ids = %v, want 3", ids)
	}
	if ids[0] != "first@example.com" {
		t.Errorf("ids[0] = %q, want the Message-Id", ids[0])
	}
	if ids[1] == "" || ids[2] == "" || ids[1] == ids[2] || ids[2] == ids[0] {
		t.Errorf("hash ids not unique: %v", ids)
	}

	// Fetch out of order forces a reopen.
	for _, i := range []int{2, 0, 1} {
		msg, err := src.Fetch(ctx, ids[i])
		if err != nil {
			t.Fatalf("Fetch(%q) error = %v", ids[i], err)
		}
		if msg.ID != ids[i] {
			t.Errorf("ID = %q, want %q", msg.ID, ids[i])
		}
		if len(msg.LabelIDs) != 1 || msg.LabelIDs[0] != Label {
			t.Errorf("LabelIDs = %v", msg.LabelIDs)
		}
		text, err := body.Decode(msg.Payload.Data())
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		want := []string{"first body", "second body", "third body"}[i]
		if !strings.Contains(text, want) {
			t.Errorf("body of message %d = %q, want %q", i, text, want)
		}
	}

	if err := src.MarkRead(ctx, ids); err != nil {
		t.Errorf("MarkRead() error = %v", err)
	}
}

func TestSource_UnknownID(t *testing.T) {
	src, _ := NewSource(Options{Path: writeArchive(t, archive)}, nil)
	defer src.Close()
	if _, err := src.ListUnread(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := src.Fetch(context.Background(), "nope"); !errors.Is(err, ErrUnknownID) {
		t.Errorf("Fetch() error = %v, want ErrUnknownID", err)
	}
}

func TestSource_MissingFile(t *testing.T) {
	src, _ := NewSource(Options{Path: filepath.Join(t.TempDir(), "missing.mbox")}, nil)
	if _, err := src.ListUnread(context.Background()); err == nil {
		t.Error("Expected error for a missing archive")
	}
}

func TestNewSource_EmptyPath(t *testing.T) {
	if _, err := NewSource(Options{Path: " "}, nil); err == nil {
		t.Error("Expected error for empty path")
	}
}
