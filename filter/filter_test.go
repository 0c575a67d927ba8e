package filter

import (
	"testing"
)

func TestFilter_NoReply(t *testing.T) {
	f, err := New(Options{ExcludeNoReply: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, from := range []string{"noreply@example.com", "GitHub <No-Reply@github.com>", "NOREPLY@shop.test"} {
		ok, reason := f.Allows(from, "Hello")
		if ok {
			t.Errorf("Expected %q to be filtered out", from)
		}
		if reason != ReasonNoReply {
			t.Errorf("Allows(%q) reason = %q, want %q", from, reason, ReasonNoReply)
		}
	}

	if ok, _ := f.Allows("alice@example.com", "Hello"); !ok {
		t.Error("Expected regular sender to be allowed")
	}
}

func TestFilter_NoReplyDisabled(t *testing.T) {
	f, err := New(Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if ok, _ := f.Allows("noreply@example.com", "Hello"); !ok {
		t.Error("Expected no-reply sender to be allowed when the rule is off")
	}
}

func TestFilter_SubjectKeyword(t *testing.T) {
	f, err := New(Options{SubjectKeyword: "Invoice"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		subject string
		want    bool
	}{
		{subject: "Your invoice #42", want: true},
		{subject: "INVOICE overdue", want: true},
		{subject: "Weekly newsletter", want: false},
		{subject: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			ok, reason := f.Allows("billing@example.com", tt.subject)
			if ok != tt.want {
				t.Errorf("Allows(%q) = %v, want %v", tt.subject, ok, tt.want)
			}
			if !ok && reason != ReasonSubject {
				t.Errorf("Allows(%q) reason = %q, want %q", tt.subject, reason, ReasonSubject)
			}
		})
	}
}

func TestFilter_ExcludeSenders(t *testing.T) {
	f, err := New(Options{ExcludeSenders: []string{`@spam\.example$`, "  "}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if ok, reason := f.Allows("bot@SPAM.example", "Hi"); ok || reason != ReasonExcludeSender {
		t.Errorf("Allows() = %v, %q; want false, %q", ok, reason, ReasonExcludeSender)
	}
	if ok, _ := f.Allows("friend@example.com", "Hi"); !ok {
		t.Error("Expected message to be allowed")
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := New(Options{ExcludeSenders: []string{"("}}); err == nil {
		t.Error("Expected error for invalid pattern")
	}
}
