package fanout

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/streamhub/streamhub/internal/streamactor"
)

// StreamTarget is the subset of streamactor.Registry the fan-out
// manager needs to create, append to, and delete target streams.
// Declared locally so this package depends only on streamactor's
// exported Actor/Registry API, not on httpapi or cmd wiring.
type StreamTarget interface {
	Get(projectID, streamID string) (*streamactor.Actor, error)
}

// Manager reacts to source-stream appends by fanning them out to every
// subscribed target, and owns each target's expiry and retry timers —
// the same responsibilities the teacher's webhook Manager held for
// consumer wake/retry/liveness, retargeted at an internal append
// instead of an HTTP callback.
type Manager struct {
	Store    *Store
	registry StreamTarget
	log      *zap.SugaredLogger

	defaultTTL time.Duration
}

// NewManager creates a fan-out manager backed by registry for target
// stream operations.
func NewManager(registry StreamTarget, log *zap.SugaredLogger) *Manager {
	return &Manager{
		Store:      NewStore(),
		registry:   registry,
		log:        log,
		defaultTTL: defaultTTL,
	}
}

// Subscribe validates the target stream exists (creating it with the
// source's content type if absent) and records the edge in both the
// target's subscription set and the source's subscriber set.
func (m *Manager) Subscribe(ctx context.Context, sourceProjectID, sourceStreamID, estuaryID string) error {
	sourceActor, err := m.registry.Get(sourceProjectID, sourceStreamID)
	if err != nil {
		return err
	}
	sourceMeta, err := sourceActor.Get(ctx)
	if err != nil {
		return err
	}

	targetActor, err := m.registry.Get(sourceProjectID, estuaryID)
	if err != nil {
		return err
	}
	_, _, err = targetActor.Create(ctx, streamactor.CreateOptions{ContentType: sourceMeta.ContentType})
	if err != nil && err != streamactor.ErrConfigMismatch {
		return err
	}
	if err == streamactor.ErrConfigMismatch {
		return fmt.Errorf("estuary %s exists with a different content type than source %s", estuaryID, sourceStreamID)
	}

	m.Store.AddSubscription(sourceProjectID, sourceStreamID, sourceProjectID, estuaryID)
	m.armExpiry(sourceProjectID, estuaryID)
	return nil
}

// Unsubscribe removes the edge. Idempotent.
func (m *Manager) Unsubscribe(sourceProjectID, sourceStreamID, estuaryID string) {
	m.Store.RemoveSubscription(sourceProjectID, sourceStreamID, sourceProjectID, estuaryID)
}

// Touch creates the target (as an empty JSON stream, per spec default)
// if absent and re-arms its expiry, keeping a long-lived subscriber
// alive without requiring a fresh Subscribe call.
func (m *Manager) Touch(ctx context.Context, projectID, estuaryID string, ttl time.Duration) error {
	actor, err := m.registry.Get(projectID, estuaryID)
	if err != nil {
		return err
	}
	if _, _, err := actor.Create(ctx, streamactor.CreateOptions{ContentType: "application/json"}); err != nil && err != streamactor.ErrConfigMismatch {
		return err
	}

	m.Store.GetOrCreateTarget(projectID, estuaryID)
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.armExpiryWithTTL(projectID, estuaryID, ttl)
	return nil
}

// OnStreamAppend is called after a source stream's local commit. It
// enumerates current subscribers and fans the append out to each,
// best-effort: a failed target append is retried independently and
// never fails or blocks the source append that triggered it.
func (m *Manager) OnStreamAppend(projectID, streamID string, data []byte, contentType string) {
	for _, target := range m.Store.GetSubscribers(projectID, streamID) {
		seq := m.Store.NextSeq(projectID, streamID, target.projectID, target.streamID)
		go m.deliverAppend(projectID, streamID, target.projectID, target.streamID, data, contentType, seq, 0)
	}
}

// deliverAppend sends one logical fan-out append, identified by seq.
// seq is minted once in OnStreamAppend and threaded through every
// retry of this same logical append, so a re-delivery after a false
// failure (the target actually committed, this manager just didn't see
// the ack) lands on the target's own producer dedup as a duplicate
// instead of a second, distinct message.
func (m *Manager) deliverAppend(sourceProjectID, sourceStreamID, targetProjectID, targetStreamID string, data []byte, contentType string, seq int64, retryCount int) {
	ctx := context.Background()
	actor, err := m.registry.Get(targetProjectID, targetStreamID)
	if err != nil {
		m.log.Errorf("fanout target %s/%s unavailable: %v", targetProjectID, targetStreamID, err)
		return
	}

	producerID := DeriveProducerID(sourceProjectID, sourceStreamID, targetProjectID, targetStreamID)
	epoch := int64(0)

	_, err = actor.Append(ctx, data, streamactor.AppendOptions{
		ContentType:   contentType,
		ProducerID:    producerID,
		ProducerEpoch: &epoch,
		ProducerSeq:   &seq,
	})
	if err == nil {
		target := m.Store.GetTarget(targetProjectID, targetStreamID)
		if target != nil {
			target.lastFailure = nil
			target.firstFailure = nil
			target.retryCount = 0
		}
		return
	}

	m.log.Debugw("fanout append failed", "source", sourceStreamID, "target", targetStreamID, "err", err)
	m.scheduleRetry(sourceProjectID, sourceStreamID, targetProjectID, targetStreamID, data, contentType, seq, retryCount)
}

func (m *Manager) scheduleRetry(sourceProjectID, sourceStreamID, targetProjectID, targetStreamID string, data []byte, contentType string, seq int64, retryCount int) {
	target := m.Store.GetOrCreateTarget(targetProjectID, targetStreamID)

	now := time.Now()
	target.lastFailure = &now
	if target.firstFailure == nil {
		target.firstFailure = &now
	}
	if time.Since(*target.firstFailure) > gcFailureDuration {
		m.log.Warnf("giving up on fanout target %s/%s after sustained failures", targetProjectID, targetStreamID)
		return
	}

	retryCount++
	target.retryCount = retryCount
	delay := calculateRetryDelay(retryCount)

	target.CancelRetry()
	cancel := make(chan struct{})
	target.retryCancel = cancel

	go func() {
		timer := time.NewTimer(time.Duration(delay) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
			m.deliverAppend(sourceProjectID, sourceStreamID, targetProjectID, targetStreamID, data, contentType, seq, retryCount)
		case <-cancel:
			return
		}
	}()
}

func calculateRetryDelay(retryCount int) int {
	if retryCount > 10 {
		return steadyRetryDelayMS + rand.Intn(5000)
	}
	base := int(math.Min(math.Pow(2, float64(retryCount))*100, float64(maxRetryDelayMS)))
	return base + rand.Intn(1000)
}

func (m *Manager) armExpiry(projectID, estuaryID string) {
	m.armExpiryWithTTL(projectID, estuaryID, m.defaultTTL)
}

// armExpiryWithTTL cancels any pending expiry timer and starts a new
// one, the same cancel-channel-plus-timer-goroutine pattern the
// teacher used for consumer liveness.
func (m *Manager) armExpiryWithTTL(projectID, estuaryID string, ttl time.Duration) {
	target := m.Store.GetOrCreateTarget(projectID, estuaryID)
	target.CancelExpiry()
	target.expiresAt = time.Now().Add(ttl)

	cancel := make(chan struct{})
	target.expiryCancel = cancel

	go func() {
		timer := time.NewTimer(ttl)
		defer timer.Stop()
		select {
		case <-timer.C:
			m.expireTarget(projectID, estuaryID)
		case <-cancel:
			return
		}
	}()
}

// expireTarget fires when a target's TTL lapses: every source stops
// treating it as a subscriber, then the target stream itself is
// deleted. An already-deleted target is treated as success.
func (m *Manager) expireTarget(projectID, estuaryID string) {
	for _, source := range m.Store.GetSubscriptions(projectID, estuaryID) {
		m.Store.RemoveSubscription(source.projectID, source.streamID, projectID, estuaryID)
	}
	m.Store.RemoveTarget(projectID, estuaryID)

	actor, err := m.registry.Get(projectID, estuaryID)
	if err != nil {
		return
	}
	if err := actor.Delete(context.Background()); err != nil && err != streamactor.ErrStreamNotFound {
		m.log.Errorf("expire fanout target %s/%s: %v", projectID, estuaryID, err)
	}
}

// SourceRef identifies one source stream feeding an estuary target.
type SourceRef struct {
	ProjectID string
	StreamID  string
}

// Sources returns every source currently subscribed into the given
// estuary target, for inspection endpoints.
func (m *Manager) Sources(projectID, estuaryID string) []SourceRef {
	edges := m.Store.GetSubscriptions(projectID, estuaryID)
	out := make([]SourceRef, 0, len(edges))
	for _, k := range edges {
		out = append(out, SourceRef{ProjectID: k.projectID, StreamID: k.streamID})
	}
	return out
}

// DeleteTarget removes an estuary immediately, on explicit request
// rather than TTL lapse: it detaches every source subscription and
// deletes the target stream itself.
func (m *Manager) DeleteTarget(ctx context.Context, projectID, estuaryID string) error {
	for _, source := range m.Store.GetSubscriptions(projectID, estuaryID) {
		m.Store.RemoveSubscription(source.projectID, source.streamID, projectID, estuaryID)
	}
	m.Store.RemoveTarget(projectID, estuaryID)

	actor, err := m.registry.Get(projectID, estuaryID)
	if err != nil {
		return err
	}
	if err := actor.Delete(ctx); err != nil && err != streamactor.ErrStreamNotFound {
		return err
	}
	return nil
}

// Shutdown cancels every live timer across every target.
func (m *Manager) Shutdown() {
	m.Store.Shutdown()
}
