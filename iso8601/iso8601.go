// Package iso8601 formats timestamps for audit records and API responses.
package iso8601

import "time"

// Layout is the timestamp layout used in audit records: UTC with
// millisecond precision and a literal Z suffix.
const Layout = "2006-01-02T15:04:05.000Z"

// Format renders t in UTC using Layout.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Parse parses a timestamp produced by Format. RFC3339 input with any
// offset is also accepted and normalised to UTC.
func Parse(s string) (time.Time, error) {
	if t, err := time.Parse(Layout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
