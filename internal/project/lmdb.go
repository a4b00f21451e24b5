package project

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

// LMDBStore is the durable, single-file project registry: one LMDB
// environment, one named database keyed by projectId.
type LMDBStore struct {
	env    *lmdb.Env
	dbi    lmdb.DBI
	mu     sync.Mutex
	path   string
	closed bool
}

// lmdbProject is the wire form of Project. SigningSecret (singular) is
// read for backward compatibility with records written before
// multi-secret rotation existed, and normalized into SigningSecrets on
// load; new writes only ever populate the plural field.
type lmdbProject struct {
	ID             string   `json:"id"`
	SigningSecret  string   `json:"signingSecret,omitempty"`
	SigningSecrets []string `json:"signingSecrets,omitempty"`
	CORSOrigins    []string `json:"corsOrigins,omitempty"`
	IsPublic       bool     `json:"isPublic"`
	CreatedAt      int64    `json:"createdAt"`
}

// OpenLMDBStore opens (creating if necessary) the project registry
// environment at dataDir, following the same SetMapSize/SetMaxDBs/Open
// sequence as the stream metadata store this is adapted from.
func OpenLMDBStore(dataDir string) (*LMDBStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create project data directory: %w", err)
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("create lmdb environment: %w", err)
	}
	if err := env.SetMapSize(1 << 30); err != nil {
		env.Close()
		return nil, fmt.Errorf("set map size: %w", err)
	}
	if err := env.SetMaxDBs(1); err != nil {
		env.Close()
		return nil, fmt.Errorf("set max dbs: %w", err)
	}
	if err := env.Open(dataDir, 0, 0755); err != nil {
		env.Close()
		return nil, fmt.Errorf("open lmdb environment: %w", err)
	}

	var dbi lmdb.DBI
	err = env.Update(func(txn *lmdb.Txn) error {
		var err error
		dbi, err = txn.OpenDBI("projects", lmdb.Create)
		return err
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("open projects database: %w", err)
	}

	return &LMDBStore{env: env, dbi: dbi, path: dataDir}, nil
}

func toLMDBProject(p *Project) lmdbProject {
	return lmdbProject{
		ID:             p.ID,
		SigningSecrets: p.SigningSecrets,
		CORSOrigins:    p.CORSOrigins,
		IsPublic:       p.IsPublic,
		CreatedAt:      p.CreatedAt.Unix(),
	}
}

func fromLMDBProject(lm lmdbProject) *Project {
	secrets := lm.SigningSecrets
	if len(secrets) == 0 && lm.SigningSecret != "" {
		secrets = []string{lm.SigningSecret}
	}
	return &Project{
		ID:             lm.ID,
		SigningSecrets: secrets,
		CORSOrigins:    lm.CORSOrigins,
		IsPublic:       lm.IsPublic,
		CreatedAt:      timeFromUnix(lm.CreatedAt),
	}
}

// Create writes a new project record. Errors if projectID already exists.
func (s *LMDBStore) Create(p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("project store is closed")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		_, err := txn.Get(s.dbi, []byte(p.ID))
		if err == nil {
			return fmt.Errorf("project %q already exists", p.ID)
		}
		if !lmdb.IsNotFound(err) {
			return err
		}

		data, err := json.Marshal(toLMDBProject(p))
		if err != nil {
			return err
		}
		return txn.Put(s.dbi, []byte(p.ID), data, 0)
	})
}

// Get retrieves a project by ID.
func (s *LMDBStore) Get(projectID string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("project store is closed")
	}

	var out *Project
	err := s.env.View(func(txn *lmdb.Txn) error {
		data, err := txn.Get(s.dbi, []byte(projectID))
		if lmdb.IsNotFound(err) {
			return ErrProjectNotFound
		}
		if err != nil {
			return err
		}
		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)

		var lm lmdbProject
		if err := json.Unmarshal(dataCopy, &lm); err != nil {
			return fmt.Errorf("unmarshal project: %w", err)
		}
		out = fromLMDBProject(lm)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies fn to the current project record inside a single
// write transaction (read-modify-write), so concurrent admin RPCs
// against the same project never lose an update.
func (s *LMDBStore) Update(projectID string, fn func(p *Project) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("project store is closed")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		data, err := txn.Get(s.dbi, []byte(projectID))
		if lmdb.IsNotFound(err) {
			return ErrProjectNotFound
		}
		if err != nil {
			return err
		}
		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)

		var lm lmdbProject
		if err := json.Unmarshal(dataCopy, &lm); err != nil {
			return err
		}
		p := fromLMDBProject(lm)
		if err := fn(p); err != nil {
			return err
		}

		newData, err := json.Marshal(toLMDBProject(p))
		if err != nil {
			return err
		}
		return txn.Put(s.dbi, []byte(projectID), newData, 0)
	})
}

// List returns every registered project ID.
func (s *LMDBStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("project store is closed")
	}

	var ids []string
	err := s.env.View(func(txn *lmdb.Txn) error {
		cursor, err := txn.OpenCursor(s.dbi)
		if err != nil {
			return err
		}
		defer cursor.Close()

		for {
			key, _, err := cursor.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}
			idCopy := make([]byte, len(key))
			copy(idCopy, key)
			ids = append(ids, string(idCopy))
		}
		return nil
	})
	return ids, err
}

// Close closes the LMDB environment.
func (s *LMDBStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.env.Close()
}

// Sync forces the LMDB environment to flush to disk.
func (s *LMDBStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("project store is closed")
	}
	return s.env.Sync(true)
}

func timeFromUnix(ts int64) time.Time {
	return time.Unix(ts, 0)
}
