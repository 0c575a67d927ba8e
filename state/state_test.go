package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJSONTracker_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	tracker, err := NewJSONTracker(path, true, nil)
	if err != nil {
		t.Fatalf("NewJSONTracker() error = %v", err)
	}
	tracker.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	for _, id := range []string{"b", "a", "b", ""} {
		if err := tracker.MarkProcessed(id); err != nil {
			t.Fatalf("MarkProcessed(%q) error = %v", id, err)
		}
	}
	if got := tracker.Snapshot().Processed; got != 2 {
		t.Fatalf("Snapshot().Processed = %d, want 2", got)
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var doc struct {
		ProcessedMessageIDs []string `json:"processed_message_ids"`
		LastUpdated         string   `json:"last_updated"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("state file is not valid JSON: %v", err)
	}
	if len(doc.ProcessedMessageIDs) != 2 || doc.ProcessedMessageIDs[0] != "a" || doc.ProcessedMessageIDs[1] != "b" {
		t.Errorf("processed_message_ids = %v, want [a b]", doc.ProcessedMessageIDs)
	}
	if doc.LastUpdated != "2024-01-02T03:04:05Z" {
		t.Errorf("last_updated = %q, want %q", doc.LastUpdated, "2024-01-02T03:04:05Z")
	}

	reopened, err := NewJSONTracker(path, true, nil)
	if err != nil {
		t.Fatalf("NewJSONTracker() reopen error = %v", err)
	}
	if !reopened.AlreadyProcessed("a") || !reopened.AlreadyProcessed("b") {
		t.Error("Expected ids to survive a reopen")
	}
	if reopened.AlreadyProcessed("c") {
		t.Error("Unexpected id reported as processed")
	}
}

func TestJSONTracker_NoPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	tracker, err := NewJSONTracker(path, false, nil)
	if err != nil {
		t.Fatalf("NewJSONTracker() error = %v", err)
	}
	if err := tracker.MarkProcessed("x"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if !tracker.AlreadyProcessed("x") {
		t.Error("Expected in-memory state to be updated")
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected no state file in non-persistent mode, stat err = %v", err)
	}
}

func TestJSONTracker_CorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	tracker, err := NewJSONTracker(path, true, nil)
	if err != nil {
		t.Fatalf("NewJSONTracker() error = %v", err)
	}
	if got := tracker.Snapshot().Processed; got != 0 {
		t.Errorf("Snapshot().Processed = %d, want 0", got)
	}
}

func TestJSONTracker_EmptyPath(t *testing.T) {
	if _, err := NewJSONTracker("  ", true, nil); err == nil {
		t.Error("Expected error for empty path")
	}
}

func TestSQLiteTracker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	tracker, err := NewSQLiteTracker(path, true)
	if err != nil {
		t.Fatalf("NewSQLiteTracker() error = %v", err)
	}
	for _, id := range []string{"m1", "m2", "m1"} {
		if err := tracker.MarkProcessed(id); err != nil {
			t.Fatalf("MarkProcessed(%q) error = %v", id, err)
		}
	}
	if got := tracker.Snapshot().Processed; got != 2 {
		t.Errorf("Snapshot().Processed = %d, want 2", got)
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewSQLiteTracker(path, true)
	if err != nil {
		t.Fatalf("NewSQLiteTracker() reopen error = %v", err)
	}
	defer reopened.Close()
	if !reopened.AlreadyProcessed("m1") || !reopened.AlreadyProcessed("m2") {
		t.Error("Expected ids to survive a reopen")
	}
}

func TestSQLiteTracker_InMemoryNoPersist(t *testing.T) {
	tracker, err := NewSQLiteTracker(":memory:", false)
	if err != nil {
		t.Fatalf("NewSQLiteTracker() error = %v", err)
	}
	defer tracker.Close()

	if err := tracker.MarkProcessed("only-in-memory"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if !tracker.AlreadyProcessed("only-in-memory") {
		t.Error("Expected id to be tracked in memory")
	}

	var count int
	if err := tracker.db.Get(&count, "SELECT COUNT(*) FROM processed_messages"); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 0 {
		t.Errorf("rows = %d, want 0 in non-persistent mode", count)
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		backend string
		wantErr bool
	}{
		{backend: "", wantErr: false},
		{backend: BackendJSON, wantErr: false},
		{backend: BackendSQLite, wantErr: false},
		{backend: "redis", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			store, err := Open(tt.backend, filepath.Join(dir, "state-"+tt.backend), true, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open(%q) error = %v, wantErr %v", tt.backend, err, tt.wantErr)
			}
			if store != nil {
				_ = store.Close()
			}
		})
	}
}

func TestSQLiteTracker_DryRunCreatesNoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	tracker, err := NewSQLiteTracker(path, false)
	if err != nil {
		t.Fatalf("NewSQLiteTracker() error = %v", err)
	}
	if err := tracker.MarkProcessed("a"); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if !tracker.AlreadyProcessed("a") {
		t.Error("AlreadyProcessed(a) = false after MarkProcessed")
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Stat(%s) error = %v, want not exist", path, err)
	}
}
