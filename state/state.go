package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

type Tracker interface {
	AlreadyProcessed(id string) bool
	MarkProcessed(id string) error
	Snapshot() Snapshot
}

// Store is a Tracker backed by durable storage.
type Store interface {
	Tracker
	Flush() error
	Close() error
}

type Snapshot struct {
	Processed int
}

// Open returns the tracker for backend at path. With persist false nothing is written,
// which is what dry runs use.
func Open(backend, path string, persist bool, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(backend) {
	case "", BackendJSON:
		return NewJSONTracker(path, persist, logger)
	case BackendSQLite:
		return NewSQLiteTracker(path, persist)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}

type MemoryTracker struct {
	mu        sync.RWMutex
	processed map[string]struct{}
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{processed: make(map[string]struct{})}
}

func (m *MemoryTracker) AlreadyProcessed(id string) bool {
	if id == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.processed[id]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkProcessed(id string) error {
	if id == "" {
		return nil
	}

	m.mu.Lock()
	m.processed[id] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.processed)
	m.mu.RUnlock()
	return Snapshot{Processed: count}
}

// ids returns the processed identifiers in sorted order.
func (m *MemoryTracker) ids() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.processed))
	for id := range m.processed {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// JSONTracker persists processed message ids in a single JSON document so future runs
// can skip them. Changes are kept in memory until Flush or Close.
type JSONTracker struct {
	*MemoryTracker
	path    string
	persist bool
	logger  *slog.Logger
	writeMu sync.Mutex
	dirty   bool
	now     func() time.Time
}

type fileDocument struct {
	ProcessedMessageIDs []string `json:"processed_message_ids"`
	LastUpdated         string   `json:"last_updated,omitempty"`
}

func NewJSONTracker(path string, persist bool, logger *slog.Logger) (*JSONTracker, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state file path is empty")
	}

	tracker := &JSONTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Clean(path),
		persist:       persist,
		logger:        logger,
		now:           time.Now,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	return tracker, nil
}

func (f *JSONTracker) load() error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		if f.logger != nil {
			f.logger.Info("no state file found, starting fresh", "path", f.path)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		if f.logger != nil {
			f.logger.Warn("state file unreadable, starting fresh", "path", f.path, "err", err)
		}
		return nil
	}

	f.mu.Lock()
	for _, id := range doc.ProcessedMessageIDs {
		if id == "" {
			continue
		}
		f.processed[id] = struct{}{}
	}
	f.mu.Unlock()

	if f.logger != nil {
		f.logger.Info("loaded state", "path", f.path, "processed", f.Snapshot().Processed)
	}
	return nil
}

func (f *JSONTracker) MarkProcessed(id string) error {
	if id == "" {
		return nil
	}

	f.mu.Lock()
	if _, exists := f.processed[id]; exists {
		f.mu.Unlock()
		return nil
	}
	f.processed[id] = struct{}{}
	f.mu.Unlock()

	f.writeMu.Lock()
	f.dirty = true
	f.writeMu.Unlock()
	return nil
}

// Flush writes the processed set to disk, replacing the previous file atomically.
func (f *JSONTracker) Flush() error {
	if !f.persist {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if !f.dirty {
		return nil
	}

	doc := fileDocument{
		ProcessedMessageIDs: f.ids(),
		LastUpdated:         f.now().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace state file: %w", err)
	}

	f.dirty = false
	if f.logger != nil {
		f.logger.Debug("saved state", "path", f.path, "processed", len(doc.ProcessedMessageIDs))
	}
	return nil
}

// Close flushes pending changes.
func (f *JSONTracker) Close() error {
	return f.Flush()
}
