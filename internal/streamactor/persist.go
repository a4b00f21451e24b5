package streamactor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// ProjectStore is the durable local storage backing every stream actor
// in one project: metadata, the unrotated hot op log, and producer
// idempotency state, all in a single bbolt file keyed by stream ID.
// It is the per-project analogue of the teacher's single global
// BboltMetadataStore, generalized so every project gets its own file
// under dataDir/<projectID>/meta.db.
type ProjectStore struct {
	db   *bbolt.DB
	mu   sync.RWMutex
	path string
	closed bool
}

var (
	bucketStreams  = []byte("streams")
	bucketProducer = []byte("producers")
)

func opsBucketName(streamID string) []byte {
	return []byte("ops:" + streamID)
}

// OpenProjectStore opens (creating if needed) the bbolt file for a project.
func OpenProjectStore(dataDir, projectID string) (*ProjectStore, error) {
	dir := filepath.Join(dataDir, projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create project data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "meta.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketStreams); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketProducer)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &ProjectStore{db: db, path: dbPath}, nil
}

// persistedMeta is the serialized form of Meta.
type persistedMeta struct {
	StreamID      string                     `json:"stream_id"`
	ContentType   string                     `json:"content_type"`
	CurrentOffset string                     `json:"current_offset"`
	LastSeq       string                     `json:"last_seq"`
	TTLSeconds    *int64                     `json:"ttl_seconds,omitempty"`
	ExpiresAt     *int64                     `json:"expires_at,omitempty"`
	CreatedAt     int64                      `json:"created_at"`
	Producers     map[string]*persistedProd  `json:"producers,omitempty"`
	Closed        bool                       `json:"closed,omitempty"`
	ClosedBy      *persistedClosedBy         `json:"closed_by,omitempty"`
	Public        bool                       `json:"public,omitempty"`
}

type persistedClosedBy struct {
	ProducerID string `json:"producer_id"`
	Epoch      int64  `json:"epoch"`
	Seq        int64  `json:"seq"`
}

type persistedProd struct {
	Epoch       int64 `json:"epoch"`
	LastSeq     int64 `json:"last_seq"`
	LastUpdated int64 `json:"last_updated"`
}

func toPersisted(m *Meta) persistedMeta {
	pm := persistedMeta{
		StreamID:      m.StreamID,
		ContentType:   m.ContentType,
		CurrentOffset: m.CurrentOffset.String(),
		LastSeq:       m.LastSeq,
		TTLSeconds:    m.TTLSeconds,
		CreatedAt:     m.CreatedAt.Unix(),
		Closed:        m.Closed,
		Public:        m.Public,
	}
	if m.ExpiresAt != nil {
		ts := m.ExpiresAt.Unix()
		pm.ExpiresAt = &ts
	}
	if len(m.Producers) > 0 {
		pm.Producers = make(map[string]*persistedProd, len(m.Producers))
		for id, st := range m.Producers {
			pm.Producers[id] = &persistedProd{Epoch: st.Epoch, LastSeq: st.LastSeq, LastUpdated: st.LastUpdated}
		}
	}
	if m.ClosedBy != nil {
		pm.ClosedBy = &persistedClosedBy{ProducerID: m.ClosedBy.ProducerID, Epoch: m.ClosedBy.Epoch, Seq: m.ClosedBy.Seq}
	}
	return pm
}

func fromPersisted(projectID string, pm persistedMeta) (*Meta, error) {
	offset, err := ParseOffset(pm.CurrentOffset)
	if err != nil {
		return nil, fmt.Errorf("parse offset: %w", err)
	}
	m := &Meta{
		ProjectID:     projectID,
		StreamID:      pm.StreamID,
		ContentType:   pm.ContentType,
		CurrentOffset: offset,
		LastSeq:       pm.LastSeq,
		TTLSeconds:    pm.TTLSeconds,
		CreatedAt:     time.Unix(pm.CreatedAt, 0),
		Closed:        pm.Closed,
		Public:        pm.Public,
	}
	if pm.ExpiresAt != nil {
		t := time.Unix(*pm.ExpiresAt, 0)
		m.ExpiresAt = &t
	}
	if len(pm.Producers) > 0 {
		m.Producers = make(map[string]*ProducerState, len(pm.Producers))
		for id, st := range pm.Producers {
			m.Producers[id] = &ProducerState{Epoch: st.Epoch, LastSeq: st.LastSeq, LastUpdated: st.LastUpdated}
		}
	}
	if pm.ClosedBy != nil {
		m.ClosedBy = &ClosedByProducer{ProducerID: pm.ClosedBy.ProducerID, Epoch: pm.ClosedBy.Epoch, Seq: pm.ClosedBy.Seq}
	}
	return m, nil
}

// PutMeta writes a stream's metadata.
func (s *ProjectStore) PutMeta(projectID string, m *Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("project store is closed")
	}

	pm := toPersisted(m)
	data, err := json.Marshal(pm)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStreams).Put([]byte(m.StreamID), data)
	})
}

// GetMeta reads a stream's metadata.
func (s *ProjectStore) GetMeta(projectID, streamID string) (*Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("project store is closed")
	}

	var meta *Meta
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketStreams).Get([]byte(streamID))
		if data == nil {
			return ErrStreamNotFound
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		var pm persistedMeta
		if err := json.Unmarshal(cp, &pm); err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}
		m, err := fromPersisted(projectID, pm)
		if err != nil {
			return err
		}
		meta = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// HasStream reports whether a stream has a metadata row.
func (s *ProjectStore) HasStream(streamID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	found := false
	s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketStreams).Get([]byte(streamID)) != nil
		return nil
	})
	return found
}

// DeleteStream removes a stream's metadata, its hot op log, and its
// producer rows.
func (s *ProjectStore) DeleteStream(streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("project store is closed")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStreams)
		if b.Get([]byte(streamID)) == nil {
			return ErrStreamNotFound
		}
		if err := b.Delete([]byte(streamID)); err != nil {
			return err
		}
		if tx.Bucket(opsBucketName(streamID)) == nil {
			return nil // stream never had an op appended
		}
		return tx.DeleteBucket(opsBucketName(streamID))
	})
}

// ListStreams returns every stream ID with a metadata row.
func (s *ProjectStore) ListStreams() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("project store is closed")
	}

	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStreams).ForEach(func(k, v []byte) error {
			ids = append(ids, string(append([]byte{}, k...)))
			return nil
		})
	})
	return ids, err
}

// AppendOp durably appends one message's payload (unframed; WriteMessage
// framing is applied only when rotate builds a segment) to a stream's
// hot op bucket, keyed by its resulting offset so iteration
// order matches insertion order. The value is prefixed with the
// message's write timestamp so a later read can populate
// Message.CreatedAt without a second lookup; this is a local storage
// detail only, distinct from the wire segment format in segment.go.
func (s *ProjectStore) AppendOp(streamID string, offset Offset, data []byte, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("project store is closed")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(opsBucketName(streamID))
		if err != nil {
			return err
		}
		return b.Put([]byte(offset.String()), encodeOpValue(createdAt, data))
	})
}

// opTimestampSize is the width of the big-endian unix-millisecond
// prefix stored ahead of every hot op's payload.
const opTimestampSize = 8

func encodeOpValue(createdAt time.Time, data []byte) []byte {
	buf := make([]byte, opTimestampSize+len(data))
	putUint64(buf[:opTimestampSize], uint64(createdAt.UnixMilli()))
	copy(buf[opTimestampSize:], data)
	return buf
}

func decodeOpValue(raw []byte) (time.Time, []byte) {
	if len(raw) < opTimestampSize {
		return time.Time{}, raw
	}
	millis := getUint64(raw[:opTimestampSize])
	return time.UnixMilli(int64(millis)), raw[opTimestampSize:]
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// ReadOpsAfter returns every hot message with an offset greater than
// (after) the given offset, in order.
func (s *ProjectStore) ReadOpsAfter(streamID string, after Offset) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("project store is closed")
	}

	var messages []Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(opsBucketName(streamID))
		if b == nil {
			return nil
		}
		cursor := b.Cursor()
		prefix := []byte(after.String())
		for k, v := cursor.Seek(prefix); k != nil; k, v = cursor.Next() {
			offset, err := ParseOffset(string(k))
			if err != nil {
				continue
			}
			if offset.LessThanOrEqual(after) {
				continue
			}
			createdAt, payload := decodeOpValue(v)
			cp := make([]byte, len(payload))
			copy(cp, payload)
			messages = append(messages, Message{Data: cp, Offset: offset, CreatedAt: createdAt})
		}
		return nil
	})
	return messages, err
}

// TruncateOpsThrough deletes every hot op with offset <= through; called
// after rotation writes those ops to a blob segment.
func (s *ProjectStore) TruncateOpsThrough(streamID string, through Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("project store is closed")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(opsBucketName(streamID))
		if b == nil {
			return nil
		}
		cursor := b.Cursor()
		var toDelete [][]byte
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			offset, err := ParseOffset(string(k))
			if err != nil {
				continue
			}
			if offset.LessThanOrEqual(through) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// PruneProducers removes producer rows whose LastUpdated is older than
// olderThan (unix seconds), matching the spec's producer retention window.
func (s *ProjectStore) PruneProducers(streamID string, olderThan int64) error {
	m, err := s.GetMeta("", streamID)
	if err != nil {
		return err
	}
	changed := false
	for id, st := range m.Producers {
		if st.LastUpdated < olderThan {
			delete(m.Producers, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.PutMeta(m.ProjectID, m)
}

// Close closes the underlying bbolt database.
func (s *ProjectStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Sync forces the bbolt database to disk.
func (s *ProjectStore) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("project store is closed")
	}
	return s.db.Sync()
}
