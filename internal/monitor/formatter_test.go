package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatPercentage(t *testing.T) {
	tests := []struct {
		name     string
		ratio    float64
		expected string
	}{
		{"zero", 0, "0%"},
		{"half", 0.5, "50%"},
		{"rounded", 0.666, "67%"},
		{"full", 1, "100%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatPercentage(tt.ratio))
		})
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		t        time.Time
		expected string
	}{
		{"zero time", time.Time{}, "-"},
		{"seconds", now.Add(-42 * time.Second), "42s"},
		{"minutes", now.Add(-5 * time.Minute), "5m"},
		{"hours", now.Add(-(2*time.Hour + 15*time.Minute)), "2h 15m"},
		{"days", now.Add(-(49 * time.Hour)), "2d 1h"},
		{"future clamps to zero", now.Add(time.Minute), "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatAge(tt.t, now))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcd…", Truncate("abcdefgh", 5))
	assert.Equal(t, "héll…", Truncate("héllo wörld", 5))
	assert.Equal(t, "unbounded", Truncate("unbounded", 0))
}
