// Package timefmt provides the timestamp conventions used across the
// coordination plane: unix-millisecond storage and human-readable
// relative rendering for status output.
package timefmt

import (
	"fmt"
	"time"
)

// ISO8601 is the ISO-8601 format used for timestamp serialization.
const ISO8601 = "2006-01-02T15:04:05.000Z"

// Format formats a time.Time to the standard string representation.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// Millis returns t as unix milliseconds, the representation stored in
// the replicated document.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts stored unix milliseconds back to a time.Time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Ago renders the duration since ms as a short relative string like
// "42s ago", "5m ago" or "3h ago". A zero or future timestamp renders
// as "never" and "now" respectively.
func Ago(ms int64, now time.Time) string {
	if ms <= 0 {
		return "never"
	}
	d := now.Sub(FromMillis(ms))
	switch {
	case d < 0:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
