package httpapi

import (
	"strconv"
	"testing"
)

func TestNextCursor(t *testing.T) {
	current := currentCursorInterval()

	want := strconv.FormatInt(current+1, 10)
	tests := []struct {
		name     string
		cursor   string
		expected string
	}{
		{
			name:     "no client cursor converges on current+1",
			cursor:   "",
			expected: want,
		},
		{
			name:     "stale cursor converges on current+1",
			cursor:   strconv.FormatInt(current-5, 10),
			expected: want,
		},
		{
			name:     "cursor already at current converges on current+1",
			cursor:   strconv.FormatInt(current, 10),
			expected: want,
		},
		{
			name:     "cursor ahead of current also converges on current+1",
			cursor:   strconv.FormatInt(current+3, 10),
			expected: want,
		},
		{
			name:     "garbage cursor converges on current+1",
			cursor:   "not-a-number",
			expected: want,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nextCursor(tt.cursor)
			if got != tt.expected {
				t.Errorf("nextCursor(%q) = %q, want %q", tt.cursor, got, tt.expected)
			}
		})
	}
}

func TestNextCursorConvergesAcrossDistinctClientCursors(t *testing.T) {
	current := currentCursorInterval()
	c1 := nextCursor(strconv.FormatInt(current, 10))
	c2 := nextCursor(strconv.FormatInt(current+3, 10))
	if c1 != c2 {
		t.Errorf("expected convergence for two cursors >= current, got %q and %q", c1, c2)
	}
}

func TestGenerateCursorIsDeterministicWithinInterval(t *testing.T) {
	a := generateCursor()
	b := generateCursor()
	if a != b {
		t.Errorf("generateCursor should be stable within the same 20s interval, got %q then %q", a, b)
	}
}
