// Package filter scrubs assistant output before persistence. Clients see the
// raw stream live, including reasoning blocks and tool-status annotations;
// only the cleaned text is stored.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLength bounds the filtered result, in codepoints.
const DefaultMaxLength = 10000

// ErrContentTooLong reports a filtered result above the configured bound.
var ErrContentTooLong = errors.New("content too long")

// annotationTokens are the leading tokens of bracketed status annotations.
// Longer alternatives come first so "tool execution failed" wins over
// "tool execution" at the same position. Word gaps use \s+ so annotations
// split across lines still match.
var annotationTokens = []string{
	`tool\s+execution\s+failed\b`,
	`tool\s+execution\b`,
	`tool\s+result\b`,
	`tool\s+error\b`,
	`tool\s+failed\b`,
	`tool\s+thinking\b`,
	`tool\s+output\b`,
	`executing\s+tool\(s\)`,
	`executing\b`,
	`calling\s+tool\b`,
	`continuing\s+conversation\b`,
	`step\s+\d+\b`,
	`using\s+tool\b`,
	`task\s+complete\b`,
	`task\s+started\b`,
	`processing\b`,
	`result\b`,
}

var (
	thinkRe      = regexp.MustCompile(`(?is)<think>.*?</think>`)
	annotationRe = regexp.MustCompile(`(?i)\[\s*(?:` + strings.Join(annotationTokens, "|") + `)[^\]]*\]`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// Filter produces the persisted form of streamed assistant text.
type Filter struct {
	maxLength int
}

// New returns a Filter with the given size bound in codepoints. Non-positive
// values fall back to DefaultMaxLength.
func New(maxLength int) *Filter {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Filter{maxLength: maxLength}
}

// MaxLength returns the configured size bound.
func (f *Filter) MaxLength() int { return f.maxLength }

// FilterForPersistence removes <think> blocks and bracketed tool-status
// annotations, collapses whitespace runs to single spaces, and trims the
// ends. It is pure and idempotent: filtering its own output is a no-op.
//
// Returns ErrContentTooLong when the result exceeds the bound.
func (f *Filter) FilterForPersistence(raw string) (string, error) {
	out := raw
	// One removal can expose another pattern (an annotation splitting a
	// think tag, brackets nested in brackets), so iterate to a fixed point.
	// Every pass strictly shrinks the string or leaves it unchanged.
	for {
		next := scrubOnce(out)
		if next == out {
			break
		}
		out = next
	}
	if n := utf8.RuneCountInString(out); n > f.maxLength {
		return "", fmt.Errorf("filtered content is %d codepoints (limit %d): %w", n, f.maxLength, ErrContentTooLong)
	}
	return out, nil
}

func scrubOnce(s string) string {
	s = thinkRe.ReplaceAllString(s, "")
	s = annotationRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
