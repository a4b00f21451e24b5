package streamactor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry lazily spawns one Actor per (projectID, streamID) and evicts
// actors that have had no traffic and no live waiters for IdleTimeout,
// the pattern this system's design notes call out as the portable
// substitute for a platform actor runtime's automatic hibernation.
type Registry struct {
	mu     sync.Mutex
	actors map[string]*Actor

	dataDir     string
	projects    map[string]*ProjectStore
	projectsMu  sync.Mutex
	blob        BlobStore
	index       SegmentIndex
	policy      RotationPolicy
	idleTimeout time.Duration
	log         *zap.SugaredLogger

	stopSweep chan struct{}
}

// NewRegistry constructs a registry backed by per-project bbolt files
// under dataDir, an optional blob store for rotation, and an optional
// admin index for segment mirroring.
func NewRegistry(dataDir string, blob BlobStore, index SegmentIndex, idleTimeout time.Duration, log *zap.SugaredLogger) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	r := &Registry{
		actors:      make(map[string]*Actor),
		dataDir:     dataDir,
		projects:    make(map[string]*ProjectStore),
		blob:        blob,
		index:       index,
		policy:      DefaultRotationPolicy,
		idleTimeout: idleTimeout,
		log:         log,
		stopSweep:   make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

func actorKey(projectID, streamID string) string {
	return projectID + "\x00" + streamID
}

func (r *Registry) projectStore(projectID string) (*ProjectStore, error) {
	r.projectsMu.Lock()
	defer r.projectsMu.Unlock()
	if ps, ok := r.projects[projectID]; ok {
		return ps, nil
	}
	ps, err := OpenProjectStore(r.dataDir, projectID)
	if err != nil {
		return nil, err
	}
	r.projects[projectID] = ps
	return ps, nil
}

// Get returns the actor for (projectID, streamID), spawning and
// loading it on first access. The actor may not represent an existing
// stream yet — callers distinguish that via Actor.Load/Get/Has.
func (r *Registry) Get(projectID, streamID string) (*Actor, error) {
	key := actorKey(projectID, streamID)

	r.mu.Lock()
	if a, ok := r.actors[key]; ok {
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	ps, err := r.projectStore(projectID)
	if err != nil {
		return nil, err
	}

	a := newActor(projectID, streamID, ps, r.blob, r.index, r.policy, r.log)
	if err := a.Load(context.Background()); err != nil && err != ErrStreamNotFound {
		a.stop()
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.actors[key]; ok {
		r.mu.Unlock()
		a.stop()
		return existing, nil
	}
	r.actors[key] = a
	r.mu.Unlock()

	return a, nil
}

// Evict stops and removes an actor from the registry, e.g. after Delete.
func (r *Registry) Evict(projectID, streamID string) {
	key := actorKey(projectID, streamID)
	r.mu.Lock()
	a, ok := r.actors[key]
	if ok {
		delete(r.actors, key)
	}
	r.mu.Unlock()
	if ok {
		a.stop()
	}
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepOnce()
		case <-r.stopSweep:
			return
		}
	}
}

func (r *Registry) sweepOnce() {
	r.mu.Lock()
	var stale []string
	var actors []*Actor
	for key, a := range r.actors {
		if a.idleSince() >= r.idleTimeout {
			stale = append(stale, key)
			actors = append(actors, a)
		}
	}
	for _, key := range stale {
		delete(r.actors, key)
	}
	r.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
}

// Close stops the idle sweep and every live actor, and closes every
// open project store.
func (r *Registry) Close() error {
	close(r.stopSweep)

	r.mu.Lock()
	for _, a := range r.actors {
		a.stop()
	}
	r.actors = make(map[string]*Actor)
	r.mu.Unlock()

	r.projectsMu.Lock()
	defer r.projectsMu.Unlock()
	var lastErr error
	for _, ps := range r.projects {
		if err := ps.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
