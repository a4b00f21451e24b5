// Package project is the multi-tenant registry sitting above
// internal/streamactor: it holds, per project, the JWT signing
// secrets and allowed CORS origins that internal/httpapi consults on
// every request, plus a stored IsPublic flag.
package project

import (
	"errors"
	"sync"
	"time"
)

// ErrProjectNotFound is returned when a projectId has no registered Project.
var ErrProjectNotFound = errors.New("project: not found")

// ErrSecretNotFound is returned by RemoveSigningSecret for an unknown secret.
var ErrSecretNotFound = errors.New("project: signing secret not found")

// Project is one tenant: its JWT signing secrets (ordered, primary
// first, supporting rotation), the origins allowed to read/write its
// streams from a browser, and an IsPublic flag. IsPublic is stored and
// returned by the config route; stream reads are authorized by each
// stream's own public flag, and IsPublic is not consulted for them.
type Project struct {
	ID             string
	SigningSecrets []string
	CORSOrigins    []string
	IsPublic       bool
	CreatedAt      time.Time
}

// AllowsOrigin reports whether origin should get an
// Access-Control-Allow-Origin echo. An empty CORSOrigins list means
// "any origin", matching the teacher's hardcoded "*" default.
func (p *Project) AllowsOrigin(origin string) bool {
	if len(p.CORSOrigins) == 0 {
		return true
	}
	for _, o := range p.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// cacheTTL matches the 5s window the realtime engine and config reads
// both treat as "good enough" staleness for a single process.
const cacheTTL = 5 * time.Second

type cacheEntry struct {
	project   *Project
	expiresAt time.Time
}

// Registry is the in-process, cached façade over the durable LMDB
// store. All admin RPCs invalidate the relevant cache entry
// synchronously so a PUT /v1/config is visible to the next request on
// this process without waiting out the TTL.
type Registry struct {
	store *LMDBStore

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewRegistry wraps an already-open LMDB store.
func NewRegistry(store *LMDBStore) *Registry {
	return &Registry{store: store, cache: make(map[string]cacheEntry)}
}

// Get returns a project, serving from the in-process cache when fresh.
func (r *Registry) Get(projectID string) (*Project, error) {
	r.mu.RLock()
	entry, ok := r.cache[projectID]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.project, nil
	}

	p, err := r.store.Get(projectID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[projectID] = cacheEntry{project: p, expiresAt: time.Now().Add(cacheTTL)}
	r.mu.Unlock()
	return p, nil
}

func (r *Registry) invalidate(projectID string) {
	r.mu.Lock()
	delete(r.cache, projectID)
	r.mu.Unlock()
}

// CreateProject registers a brand new project. Returns an error if one
// with this ID already exists.
func (r *Registry) CreateProject(projectID string, signingSecret string, isPublic bool) (*Project, error) {
	p := &Project{
		ID:             projectID,
		SigningSecrets: []string{signingSecret},
		IsPublic:       isPublic,
		CreatedAt:      time.Now(),
	}
	if err := r.store.Create(p); err != nil {
		return nil, err
	}
	r.invalidate(projectID)
	return p, nil
}

// AddSigningSecret appends a new secret as the primary (first-tried)
// one, keeping old secrets valid until explicitly removed — this is
// what makes rotation non-disruptive for callers mid-rotation.
func (r *Registry) AddSigningSecret(projectID, secret string) error {
	err := r.store.Update(projectID, func(p *Project) error {
		p.SigningSecrets = append([]string{secret}, p.SigningSecrets...)
		return nil
	})
	if err != nil {
		return err
	}
	r.invalidate(projectID)
	return nil
}

// RemoveSigningSecret revokes one secret. The last remaining secret
// cannot be removed; callers must add a replacement first.
func (r *Registry) RemoveSigningSecret(projectID, secret string) error {
	err := r.store.Update(projectID, func(p *Project) error {
		kept := p.SigningSecrets[:0]
		found := false
		for _, s := range p.SigningSecrets {
			if s == secret {
				found = true
				continue
			}
			kept = append(kept, s)
		}
		if !found {
			return ErrSecretNotFound
		}
		if len(kept) == 0 {
			return errors.New("project: cannot remove the last signing secret")
		}
		p.SigningSecrets = kept
		return nil
	})
	if err != nil {
		return err
	}
	r.invalidate(projectID)
	return nil
}

// SetPublic updates a project's default stream visibility.
func (r *Registry) SetPublic(projectID string, public bool) error {
	err := r.store.Update(projectID, func(p *Project) error {
		p.IsPublic = public
		return nil
	})
	if err != nil {
		return err
	}
	r.invalidate(projectID)
	return nil
}

// SetCORSOrigins replaces a project's allowed origin list.
func (r *Registry) SetCORSOrigins(projectID string, origins []string) error {
	err := r.store.Update(projectID, func(p *Project) error {
		p.CORSOrigins = origins
		return nil
	})
	if err != nil {
		return err
	}
	r.invalidate(projectID)
	return nil
}
