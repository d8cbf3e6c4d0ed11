package db

import (
	"testing"
	"time"
)

func TestQuarterBounds(t *testing.T) {
	tests := []struct {
		year, quarter int
		start, end    time.Time
	}{
		{2026, 1, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{2026, 2, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)},
		{2026, 3, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)},
		{2026, 4, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		start, end := QuarterBounds(tt.year, tt.quarter)
		if !start.Equal(tt.start) {
			t.Fatalf("Q%d start: expected %s, got %s", tt.quarter, tt.start, start)
		}
		if !end.Equal(tt.end) {
			t.Fatalf("Q%d end: expected %s, got %s", tt.quarter, tt.end, end)
		}
	}
}

func TestNilIfEmpty(t *testing.T) {
	if got := nilIfEmpty(""); got != nil {
		t.Fatalf("expected nil for empty string, got %v", got)
	}
	if got := nilIfEmpty("x"); got != "x" {
		t.Fatalf("expected passthrough, got %v", got)
	}
}
