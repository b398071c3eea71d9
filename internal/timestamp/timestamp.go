// Package timestamp parses the modification instants calendar providers and
// the local store report, which arrive in several textual encodings.
package timestamp

import (
	"fmt"
	"strings"
	"time"
)

// Layouts are tried in order before the lenient fallbacks.
// Text without a zone is read as UTC.
var Layouts = []string{
	"2006-01-02T15:04:05.999999999Z",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// fallbackLayouts cover ISO-8601 with explicit offsets and bare dates.
var fallbackLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseError reports text that matched none of the accepted encodings.
type ParseError struct {
	Value string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unrecognized timestamp %q", e.Value)
}

// Parse converts raw into a UTC instant.
func Parse(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, &ParseError{Value: raw}
	}
	for _, layout := range Layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return parseLenient(value)
}

func parseLenient(value string) (time.Time, error) {
	for _, layout := range fallbackLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &ParseError{Value: value}
}

// ParseOptional returns nil for empty or unparsable text.
func ParseOptional(raw string) *time.Time {
	t, err := Parse(raw)
	if err != nil {
		return nil
	}
	return &t
}

// Format renders t the way providers are sent instants.
func Format(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
