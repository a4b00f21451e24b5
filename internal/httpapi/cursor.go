package httpapi

import (
	"strconv"
	"time"
)

// cursorEpoch and cursorIntervalSeconds define the coarse wall-clock
// interval clients echo back to let a shared CDN coalesce concurrent
// long-polls to the same URL. The cursor is never an offset.
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

const cursorIntervalSeconds = 20

// currentCursorInterval returns the interval number since cursorEpoch.
func currentCursorInterval() int64 {
	now := time.Now()
	epochMs := cursorEpoch.UnixMilli()
	nowMs := now.UnixMilli()
	intervalMs := int64(cursorIntervalSeconds * 1000)
	return (nowMs - epochMs) / intervalMs
}

// generateCursor returns the current interval as a string, with no
// client-cursor input.
func generateCursor() string {
	return strconv.FormatInt(currentCursorInterval(), 10)
}

// nextCursor computes the response cursor given the client's previous
// cursor. Unlike the teacher's generateResponseCursor, this never
// consults math/rand: the result depends only on the wall clock, never
// on the client's cursor value, so any two requests landing in the same
// interval converge on the same response and a shared CDN can coalesce
// them. A client behind, at, or ahead of the current interval, or with
// no cursor at all, always gets back current+1.
func nextCursor(clientCursor string) string {
	current := currentCursorInterval()
	return strconv.FormatInt(current+1, 10)
}
