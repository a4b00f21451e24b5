// Package fanout implements the estuary subsystem: one target stream
// subscribing to many source streams and receiving a copy of every
// append made to them. It keeps the teacher's webhook subsystem's
// shape — a Store of graph state plus a Manager reacting to stream
// events and owning retry/expiry timers — retargeted at an internal
// engine-to-engine append instead of an external HTTP callback.
package fanout

import "time"

// key identifies a stream within the fan-out graph, independent of
// whether it's acting as a source or a target in a given edge.
type key struct {
	projectID string
	streamID  string
}

func streamKey(projectID, streamID string) key {
	return key{projectID: projectID, streamID: streamID}
}

// Target is a subscriber: a stream receiving fanned-out copies from
// one or more sources, with a re-armable expiry.
type Target struct {
	ProjectID string
	StreamID  string

	sources map[key]struct{} // source keys this target subscribes to

	expiresAt    time.Time
	expiryCancel chan struct{}

	retryCancel chan struct{}
	retryCount  int
	lastFailure *time.Time
	firstFailure *time.Time
}

// CancelExpiry stops any pending expiry timer.
func (t *Target) CancelExpiry() {
	if t.expiryCancel != nil {
		close(t.expiryCancel)
		t.expiryCancel = nil
	}
}

// CancelRetry stops any pending retry timer.
func (t *Target) CancelRetry() {
	if t.retryCancel != nil {
		close(t.retryCancel)
		t.retryCancel = nil
	}
}

const (
	defaultTTL        = 45 * time.Second
	maxRetryDelayMS   = 30_000
	steadyRetryDelayMS = 60_000
	gcFailureDuration = 3 * 24 * time.Hour
)
