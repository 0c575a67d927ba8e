package progress

import (
	"context"
	"testing"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-to-sheets/stats"
)

func TestBar_Disabled(t *testing.T) {
	bar := New("debug")
	bar.Update(stats.Event{Type: stats.EventTypeListed, Count: 3})
	bar.Update(stats.Event{Type: stats.EventTypeScanned})
	bar.Stop()

	if bar.Scanned() != 0 {
		t.Errorf("Scanned() = %d, want 0 for a disabled bar", bar.Scanned())
	}
}

func TestBar_CountsAfterListing(t *testing.T) {
	pterm.DisableOutput()
	defer pterm.EnableOutput()

	bar := New("info")
	events := make(chan stats.Event, 8)
	events <- stats.Event{Type: stats.EventTypeScanned, MessageID: "before-listing"}
	events <- stats.Event{Type: stats.EventTypeListed, Count: 2}
	events <- stats.Event{Type: stats.EventTypeScanned, MessageID: "a"}
	events <- stats.Event{Type: stats.EventTypeScanned, MessageID: "b"}
	close(events)

	if err := bar.Subscriber(context.Background(), events); err != nil {
		t.Fatalf("Subscriber() error = %v", err)
	}
	if got := bar.Scanned(); got != 2 {
		t.Errorf("Scanned() = %d, want 2", got)
	}
}

type recordingStream struct {
	names []string
}

func (r *recordingStream) SubscribeStats(name string, _ func(context.Context, <-chan stats.Event) error) {
	r.names = append(r.names, name)
}

func TestNewProgressReporter_Subscriptions(t *testing.T) {
	enabled := &recordingStream{}
	NewProgressReporter(enabled, New("info"), nil)
	if len(enabled.names) != 2 {
		t.Errorf("subscriptions = %v, want bar and summary", enabled.names)
	}

	disabled := &recordingStream{}
	NewProgressReporter(disabled, New("warn"), nil)
	if len(disabled.names) != 0 {
		t.Errorf("subscriptions = %v, want none", disabled.names)
	}
}
