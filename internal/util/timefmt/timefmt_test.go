package timefmt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ansiblemesh/ansible/internal/util/timefmt"
)

func TestFormat_UTC(t *testing.T) {
	ts := time.Date(2025, 6, 15, 10, 30, 45, 123000000, time.UTC)
	got := timefmt.Format(ts)
	assert.Equal(t, "2025-06-15T10:30:45.123Z", got)
}

func TestFormat_NonUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*60*60)
	// 2025-06-15 19:30:45.456 UTC+9 == 2025-06-15 10:30:45.456 UTC
	ts := time.Date(2025, 6, 15, 19, 30, 45, 456000000, loc)
	got := timefmt.Format(ts)
	assert.Equal(t, "2025-06-15T10:30:45.456Z", got)
}

func TestMillisRoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 15, 10, 30, 45, 123000000, time.UTC)
	assert.Equal(t, ts, timefmt.FromMillis(timefmt.Millis(ts)))
}

func TestAgo(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		ms   int64
		want string
	}{
		{"never", 0, "never"},
		{"future", timefmt.Millis(now.Add(time.Minute)), "now"},
		{"seconds", timefmt.Millis(now.Add(-42 * time.Second)), "42s ago"},
		{"minutes", timefmt.Millis(now.Add(-5 * time.Minute)), "5m ago"},
		{"hours", timefmt.Millis(now.Add(-3 * time.Hour)), "3h ago"},
		{"days", timefmt.Millis(now.Add(-49 * time.Hour)), "2d ago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, timefmt.Ago(tt.ms, now))
		})
	}
}
