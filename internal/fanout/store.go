package fanout

import "sync"

// Store holds the fan-out subscription graph: for every edge, both the
// target's subscription set and the source's subscriber set are kept
// in sync, so either side of an edge can be enumerated without a scan.
type Store struct {
	mu sync.RWMutex

	targets     map[key]*Target
	subscribers map[key]map[key]struct{} // source key -> set of target keys
	edgeSeq     map[key]map[key]int64    // source key -> target key -> next producer seq
}

// NewStore creates an empty fan-out graph.
func NewStore() *Store {
	return &Store{
		targets:     make(map[key]*Target),
		subscribers: make(map[key]map[key]struct{}),
		edgeSeq:     make(map[key]map[key]int64),
	}
}

// NextSeq returns the next producer sequence number for the
// (source, target) edge, starting at 0 and incrementing by one per
// call — the sequence a fanned-out append's producer triple carries so
// the target's own dedup machinery can catch a redelivered job.
func (s *Store) NextSeq(sourceProjectID, sourceStreamID, targetProjectID, targetStreamID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	sourceKey := streamKey(sourceProjectID, sourceStreamID)
	targetKey := streamKey(targetProjectID, targetStreamID)

	byTarget, ok := s.edgeSeq[sourceKey]
	if !ok {
		byTarget = make(map[key]int64)
		s.edgeSeq[sourceKey] = byTarget
	}
	seq := byTarget[targetKey]
	byTarget[targetKey] = seq + 1
	return seq
}

// GetOrCreateTarget returns (creating if absent) the Target bookkeeping
// record for a subscriber stream.
func (s *Store) GetOrCreateTarget(projectID, streamID string) *Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := streamKey(projectID, streamID)
	t, ok := s.targets[k]
	if !ok {
		t = &Target{ProjectID: projectID, StreamID: streamID, sources: make(map[key]struct{})}
		s.targets[k] = t
	}
	return t
}

// GetTarget returns a target's bookkeeping record, or nil if it has no
// subscriptions and was never touched.
func (s *Store) GetTarget(projectID, streamID string) *Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.targets[streamKey(projectID, streamID)]
}

// AddSubscription records source -> target in both the target's
// subscription set and the source's subscriber set (the dual storage
// invariant fan-out reads and expiry cleanup both depend on).
func (s *Store) AddSubscription(sourceProjectID, sourceStreamID, targetProjectID, targetStreamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sourceKey := streamKey(sourceProjectID, sourceStreamID)
	targetKey := streamKey(targetProjectID, targetStreamID)

	t, ok := s.targets[targetKey]
	if !ok {
		t = &Target{ProjectID: targetProjectID, StreamID: targetStreamID, sources: make(map[key]struct{})}
		s.targets[targetKey] = t
	}
	t.sources[sourceKey] = struct{}{}

	set, ok := s.subscribers[sourceKey]
	if !ok {
		set = make(map[key]struct{})
		s.subscribers[sourceKey] = set
	}
	set[targetKey] = struct{}{}
}

// RemoveSubscription removes the edge from both sides. Idempotent.
func (s *Store) RemoveSubscription(sourceProjectID, sourceStreamID, targetProjectID, targetStreamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sourceKey := streamKey(sourceProjectID, sourceStreamID)
	targetKey := streamKey(targetProjectID, targetStreamID)

	if t, ok := s.targets[targetKey]; ok {
		delete(t.sources, sourceKey)
	}
	if set, ok := s.subscribers[sourceKey]; ok {
		delete(set, targetKey)
		if len(set) == 0 {
			delete(s.subscribers, sourceKey)
		}
	}
}

// GetSubscribers returns every target currently subscribed to source.
func (s *Store) GetSubscribers(projectID, streamID string) []key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.subscribers[streamKey(projectID, streamID)]
	out := make([]key, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// GetSubscriptions returns every source a target currently subscribes to.
func (s *Store) GetSubscriptions(projectID, streamID string) []key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[streamKey(projectID, streamID)]
	if !ok {
		return nil
	}
	out := make([]key, 0, len(t.sources))
	for k := range t.sources {
		out = append(out, k)
	}
	return out
}

// RemoveTarget drops a target's bookkeeping record and every one of its
// subscriber-set memberships on the source side. Called by the manager
// when a target expires or is deleted, before its stream is removed.
func (s *Store) RemoveTarget(projectID, streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	targetKey := streamKey(projectID, streamID)
	t, ok := s.targets[targetKey]
	if !ok {
		return
	}
	t.CancelExpiry()
	t.CancelRetry()

	for sourceKey := range t.sources {
		if set, ok := s.subscribers[sourceKey]; ok {
			delete(set, targetKey)
			if len(set) == 0 {
				delete(s.subscribers, sourceKey)
			}
		}
	}
	delete(s.targets, targetKey)
}

// Shutdown cancels every live timer and clears all graph state.
func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		t.CancelExpiry()
		t.CancelRetry()
	}
	s.targets = make(map[key]*Target)
	s.subscribers = make(map[key]map[key]struct{})
}
