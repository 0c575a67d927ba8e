package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Reason names the rule that rejected a message.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonNoReply       Reason = "no-reply sender"
	ReasonSubject       Reason = "subject keyword"
	ReasonExcludeSender Reason = "excluded sender"
)

var noReplyMarkers = []string{"no-reply", "noreply"}

// Options captures the filtering configuration.
type Options struct {
	ExcludeNoReply bool
	SubjectKeyword string
	ExcludeSenders []string
}

// Filter decides whether a message is processed, based on its sender and subject.
type Filter struct {
	excludeNoReply bool
	subjectKeyword string
	excludeSenders []*regexp.Regexp
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	excludeSenders, err := compilePatterns(opts.ExcludeSenders)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-sender pattern: %w", err)
	}

	return &Filter{
		excludeNoReply: opts.ExcludeNoReply,
		subjectKeyword: strings.ToLower(strings.TrimSpace(opts.SubjectKeyword)),
		excludeSenders: excludeSenders,
	}, nil
}

// Allows returns true if the message passes the filter criteria. When it does not,
// the returned reason names the rule that matched.
func (f *Filter) Allows(from, subject string) (bool, Reason) {
	if f.excludeNoReply && IsNoReply(from) {
		return false, ReasonNoReply
	}

	if f.subjectKeyword != "" && !strings.Contains(strings.ToLower(subject), f.subjectKeyword) {
		return false, ReasonSubject
	}

	if matchAny(f.excludeSenders, from) {
		return false, ReasonExcludeSender
	}

	return true, ReasonNone
}

// IsNoReply reports whether the sender looks like an unattended mailbox.
func IsNoReply(from string) bool {
	from = strings.ToLower(from)
	for _, marker := range noReplyMarkers {
		if strings.Contains(from, marker) {
			return true
		}
	}
	return false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
