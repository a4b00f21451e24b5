package streamactor

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Actor owns all state for exactly one (projectID, streamID) stream and
// serializes every operation through a single goroutine reading a
// mailbox channel — the portable stand-in for a platform Durable
// Object actor referenced by this system's design notes. Two actors
// for different streams never block each other; two operations on the
// same actor never race.
type Actor struct {
	projectID string
	streamID  string

	store  *ProjectStore
	blob   BlobStore
	index  SegmentIndex
	policy RotationPolicy
	log    *zap.SugaredLogger

	meta    *Meta
	hot     []Message // ops loaded at startup plus every later append; rotate does not trim it
	waiters *waiterList

	mailbox chan func()
	done    chan struct{}

	lastActivity time.Time
}

// newActor constructs an actor and starts its mailbox goroutine. It does
// not create the stream — callers must follow with Create or Load.
func newActor(projectID, streamID string, store *ProjectStore, blob BlobStore, index SegmentIndex, policy RotationPolicy, log *zap.SugaredLogger) *Actor {
	a := &Actor{
		projectID:    projectID,
		streamID:     streamID,
		store:        store,
		blob:         blob,
		index:        index,
		policy:       policy,
		log:          log,
		waiters:      newWaiterList(),
		mailbox:      make(chan func(), 8),
		done:         make(chan struct{}),
		lastActivity: time.Now(),
	}
	go a.run()
	return a
}

func (a *Actor) run() {
	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-a.done:
			return
		}
	}
}

func (a *Actor) do(fn func()) {
	result := make(chan struct{})
	a.mailbox <- func() {
		fn()
		close(result)
	}
	<-result
}

// stop terminates the actor's goroutine. Only the registry's idle
// reaper or Delete should call this.
func (a *Actor) stop() {
	close(a.done)
}

// idleSince reports how long it has been since the last operation or
// live waiter on this actor, used by the registry's eviction sweep.
func (a *Actor) idleSince() time.Duration {
	if a.waiters.count() > 0 {
		return 0
	}
	return time.Since(a.lastActivity)
}

// Load reads this actor's metadata from durable storage and primes its
// hot cache. Returns ErrStreamNotFound if the stream was never created.
func (a *Actor) Load(ctx context.Context) error {
	var outErr error
	a.do(func() {
		meta, err := a.store.GetMeta(a.projectID, a.streamID)
		if err != nil {
			outErr = err
			return
		}
		if meta.IsExpired() {
			outErr = ErrStreamNotFound
			return
		}
		hot, err := a.store.ReadOpsAfter(a.streamID, ZeroOffset)
		if err != nil {
			outErr = err
			return
		}
		a.meta = meta
		a.hot = hot
	})
	return outErr
}

// Create creates the stream if it doesn't exist, or returns the
// existing metadata idempotently if opts match. newlyCreated is false
// for either an idempotent match or a pre-existing mismatch (in which
// case err is ErrConfigMismatch).
func (a *Actor) Create(ctx context.Context, opts CreateOptions) (meta *Meta, newlyCreated bool, err error) {
	a.do(func() {
		if a.meta != nil {
			if a.meta.IsExpired() {
				a.meta = nil
				a.hot = nil
			} else if a.meta.ConfigMatches(opts) {
				meta, newlyCreated, err = a.meta, false, nil
				return
			} else {
				err = ErrConfigMismatch
				return
			}
		}

		contentType := opts.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		m := &Meta{
			ProjectID:   a.projectID,
			StreamID:    a.streamID,
			ContentType: contentType,
			TTLSeconds:  opts.TTLSeconds,
			ExpiresAt:   opts.ExpiresAt,
			CreatedAt:   time.Now(),
			Closed:      opts.Closed,
			Public:      opts.Public,
		}

		if len(opts.InitialData) > 0 {
			newOffset, writeErr := a.appendRaw(m, opts.InitialData, true)
			if writeErr != nil {
				err = writeErr
				return
			}
			m.CurrentOffset = newOffset
		}

		if putErr := a.store.PutMeta(a.projectID, m); putErr != nil {
			err = putErr
			return
		}

		a.meta = m
		meta, newlyCreated = m, true
	})
	a.touch()
	return meta, newlyCreated, err
}

// Get returns a copy of the stream's current metadata.
func (a *Actor) Get(ctx context.Context) (*Meta, error) {
	var out *Meta
	var err error
	a.do(func() {
		if a.meta == nil || a.meta.IsExpired() {
			err = ErrStreamNotFound
			return
		}
		cp := *a.meta
		out = &cp
	})
	return out, err
}

// Has reports whether the stream exists and is unexpired.
func (a *Actor) Has(ctx context.Context) bool {
	var ok bool
	a.do(func() {
		ok = a.meta != nil && !a.meta.IsExpired()
	})
	return ok
}

// Delete removes the stream's metadata, hot ops, and producer state.
func (a *Actor) Delete(ctx context.Context) error {
	var err error
	a.do(func() {
		if a.meta == nil {
			err = ErrStreamNotFound
			return
		}
		err = a.store.DeleteStream(a.streamID)
		a.meta = nil
		a.hot = nil
	})
	if err == nil && a.index != nil {
		if idxErr := a.index.DeleteStream(ctx, a.projectID, a.streamID); idxErr != nil {
			a.log.Errorf("delete admin index rows for %s/%s: %v", a.projectID, a.streamID, idxErr)
		}
	}
	a.touch()
	return err
}

// Append validates producer/sequence headers and appends data,
// returning the new tail offset. Waiters are woken on success.
func (a *Actor) Append(ctx context.Context, data []byte, opts AppendOptions) (AppendResult, error) {
	var result AppendResult
	var err error
	a.do(func() {
		if opts.HasProducerHeaders() && !opts.HasAllProducerHeaders() {
			err = ErrPartialProducer
			return
		}
		if a.meta == nil || a.meta.IsExpired() {
			err = ErrStreamNotFound
			return
		}
		if a.meta.Closed {
			err = ErrStreamClosed
			return
		}
		if opts.ContentType != "" && !ContentTypeMatches(a.meta.ContentType, opts.ContentType) {
			err = ErrContentTypeMismatch
			return
		}

		var producerState *ProducerState
		producerResult := ProducerResultNone
		var producerLastSeq int64

		if opts.HasAllProducerHeaders() {
			pr, newState, vErr := a.validateProducer(opts)
			if vErr != nil {
				pr.Offset = a.meta.CurrentOffset
				err = vErr
				result = pr
				return
			}
			if pr.ProducerResult == ProducerResultDuplicate {
				result = AppendResult{
					Offset:         a.meta.CurrentOffset,
					ProducerResult: ProducerResultDuplicate,
					LastSeq:        pr.LastSeq,
				}
				return
			}
			producerState = newState
			producerResult = pr.ProducerResult
			producerLastSeq = pr.LastSeq
		}

		if opts.Seq != "" && a.meta.LastSeq != "" && opts.Seq <= a.meta.LastSeq {
			err = ErrSequenceConflict
			return
		}

		newOffset, aErr := a.appendRaw(a.meta, data, false)
		if aErr != nil {
			err = aErr
			return
		}

		a.meta.CurrentOffset = newOffset
		if opts.Seq != "" {
			a.meta.LastSeq = opts.Seq
		}
		if producerState != nil {
			if a.meta.Producers == nil {
				a.meta.Producers = make(map[string]*ProducerState)
			}
			a.meta.Producers[opts.ProducerID] = producerState
		}
		if opts.Close {
			a.meta.Closed = true
			if opts.HasAllProducerHeaders() {
				a.meta.ClosedBy = &ClosedByProducer{ProducerID: opts.ProducerID, Epoch: *opts.ProducerEpoch, Seq: *opts.ProducerSeq}
			}
		}

		if pErr := a.store.PutMeta(a.projectID, a.meta); pErr != nil {
			err = pErr
			return
		}

		result = AppendResult{
			Offset:         newOffset,
			ProducerResult: producerResult,
			LastSeq:        producerLastSeq,
			StreamClosed:   a.meta.Closed,
		}
	})
	if err == nil {
		a.waiters.wakeAll()
		a.do(func() {
			if a.shouldRotate() {
				if rErr := a.rotate(ctx); rErr != nil {
					a.log.Errorf("rotate stream %s/%s: %v", a.projectID, a.streamID, rErr)
				}
			}
		})
	}
	a.touch()
	return result, err
}

// CloseStream closes the stream without appending data. Idempotent.
func (a *Actor) CloseStream(ctx context.Context) (*CloseResult, error) {
	var result *CloseResult
	var err error
	a.do(func() {
		if a.meta == nil || a.meta.IsExpired() {
			err = ErrStreamNotFound
			return
		}
		if a.meta.Closed {
			result = &CloseResult{FinalOffset: a.meta.CurrentOffset, AlreadyClosed: true}
			return
		}
		a.meta.Closed = true
		if pErr := a.store.PutMeta(a.projectID, a.meta); pErr != nil {
			err = pErr
			return
		}
		result = &CloseResult{FinalOffset: a.meta.CurrentOffset}
	})
	if err == nil {
		a.waiters.wakeAll()
	}
	a.touch()
	return result, err
}

// Read returns every hot message after offset plus whether the tail
// has been reached. Rotated (non-hot) data must be served by the
// caller from blob segments using the admin index; Read only ever
// answers from the hot cache the actor holds in memory.
func (a *Actor) Read(ctx context.Context, offset Offset) (messages []Message, upToDate bool, err error) {
	a.do(func() {
		if a.meta == nil || a.meta.IsExpired() {
			err = ErrStreamNotFound
			return
		}
		for _, msg := range a.hot {
			if msg.Offset.LessThanOrEqual(offset) {
				continue
			}
			messages = append(messages, msg)
		}
		upToDate = offset.Equal(a.meta.CurrentOffset) || len(a.hot) == 0
	})
	return messages, upToDate, err
}

// WaitForMessages blocks until new data arrives after offset, timeout
// elapses, the stream closes, or ctx is cancelled.
func (a *Actor) WaitForMessages(ctx context.Context, offset Offset, timeout time.Duration) (messages []Message, timedOut bool, streamClosed bool, err error) {
	messages, upToDate, err := a.Read(ctx, offset)
	if err != nil {
		return nil, false, false, err
	}
	if len(messages) > 0 || !upToDate {
		return messages, false, false, nil
	}

	if closed, cErr := a.isClosed(); cErr == nil && closed {
		return nil, false, true, nil
	}

	ch, remove := a.waiters.add()
	defer remove()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		messages, _, err := a.Read(ctx, offset)
		closed, _ := a.isClosed()
		return messages, false, closed, err
	case <-timer.C:
		return nil, true, false, nil
	case <-ctx.Done():
		return nil, false, false, ctx.Err()
	}
}

func (a *Actor) isClosed() (bool, error) {
	var closed bool
	var err error
	a.do(func() {
		if a.meta == nil {
			err = ErrStreamNotFound
			return
		}
		closed = a.meta.Closed
	})
	return closed, err
}

// GetCurrentOffset returns the current tail offset.
func (a *Actor) GetCurrentOffset(ctx context.Context) (Offset, error) {
	var out Offset
	var err error
	a.do(func() {
		if a.meta == nil || a.meta.IsExpired() {
			err = ErrStreamNotFound
			return
		}
		out = a.meta.CurrentOffset
	})
	return out, err
}

func (a *Actor) touch() {
	a.lastActivity = time.Now()
}

// appendRaw writes data (JSON-flattened if the stream is JSON) to the
// durable ops bucket and the in-memory hot cache, returning the new
// tail offset. Must be called with the actor's mailbox lock held (i.e.
// from inside a.do).
func (a *Actor) appendRaw(meta *Meta, data []byte, allowEmptyArray bool) (Offset, error) {
	createdAt := time.Now()
	if IsJSONContentType(meta.ContentType) {
		values, err := splitJSONMessages(data, allowEmptyArray)
		if err != nil {
			return Offset{}, err
		}
		offset := meta.CurrentOffset
		for _, v := range values {
			offset = offset.Add(1)
			if err := a.store.AppendOp(a.streamID, offset, v, createdAt); err != nil {
				return Offset{}, err
			}
			a.hot = append(a.hot, Message{Data: v, Offset: offset, CreatedAt: createdAt})
		}
		return offset, nil
	}

	offset := meta.CurrentOffset.Add(uint64(len(data)))
	if err := a.store.AppendOp(a.streamID, offset, data, createdAt); err != nil {
		return Offset{}, err
	}
	a.hot = append(a.hot, Message{Data: data, Offset: offset, CreatedAt: createdAt})
	return offset, nil
}

// validateProducer implements the idempotency state machine: a fresh
// producer must start at seq 0, a higher epoch fences an older one and
// restarts at seq 0, same-epoch sequences must advance by exactly one.
// Within the same epoch, seq == lastSeq replays the last accepted
// append (a success), seq < lastSeq is a stale append behind it (an
// error), and seq > lastSeq+1 is a gap (also an error).
func (a *Actor) validateProducer(opts AppendOptions) (AppendResult, *ProducerState, error) {
	epoch := *opts.ProducerEpoch
	seq := *opts.ProducerSeq

	var state *ProducerState
	if a.meta.Producers != nil {
		state = a.meta.Producers[opts.ProducerID]
	}

	if state == nil {
		if seq != 0 {
			return AppendResult{ProducerResult: ProducerResultNone, ExpectedSeq: 0, ReceivedSeq: seq}, nil, ErrProducerSeqGap
		}
		return AppendResult{ProducerResult: ProducerResultAccepted, LastSeq: 0},
			&ProducerState{Epoch: epoch, LastSeq: 0, LastUpdated: time.Now().Unix()}, nil
	}

	if epoch < state.Epoch {
		return AppendResult{ProducerResult: ProducerResultNone, CurrentEpoch: state.Epoch}, nil, ErrStaleEpoch
	}

	if epoch > state.Epoch {
		if seq != 0 {
			return AppendResult{ProducerResult: ProducerResultNone}, nil, ErrInvalidEpochSeq
		}
		return AppendResult{ProducerResult: ProducerResultAccepted, LastSeq: 0},
			&ProducerState{Epoch: epoch, LastSeq: 0, LastUpdated: time.Now().Unix()}, nil
	}

	if seq == state.LastSeq {
		return AppendResult{ProducerResult: ProducerResultDuplicate, LastSeq: state.LastSeq}, nil, nil
	}

	if seq < state.LastSeq {
		return AppendResult{ProducerResult: ProducerResultNone, ExpectedSeq: state.LastSeq + 1, ReceivedSeq: seq}, nil, ErrStaleDuplicate
	}

	if seq == state.LastSeq+1 {
		return AppendResult{ProducerResult: ProducerResultAccepted, LastSeq: seq},
			&ProducerState{Epoch: epoch, LastSeq: seq, LastUpdated: time.Now().Unix()}, nil
	}

	return AppendResult{ProducerResult: ProducerResultNone, ExpectedSeq: state.LastSeq + 1, ReceivedSeq: seq}, nil, ErrProducerSeqGap
}

// splitJSONMessages validates data as JSON and flattens a top-level
// array into one message per element, matching the wire protocol's
// "POST an array, get one message per element" rule.
func splitJSONMessages(data []byte, allowEmptyArray bool) ([][]byte, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, ErrInvalidJSON
		}
		if len(arr) == 0 {
			if !allowEmptyArray {
				return nil, ErrEmptyJSONArray
			}
			return [][]byte{}, nil
		}
		result := make([][]byte, len(arr))
		for i, elem := range arr {
			result[i] = []byte(elem)
		}
		return result, nil
	}

	return [][]byte{trimmed}, nil
}

// FormatResponse renders messages for an HTTP body: a JSON array for
// JSON streams, or raw concatenated bytes otherwise.
func (a *Actor) FormatResponse(ctx context.Context, messages []Message) ([]byte, error) {
	var contentType string
	a.do(func() {
		if a.meta != nil {
			contentType = a.meta.ContentType
		}
	})
	if a.meta == nil {
		return nil, ErrStreamNotFound
	}
	if IsJSONContentType(contentType) {
		return FormatJSONResponse(messages), nil
	}
	var buf bytes.Buffer
	for _, msg := range messages {
		buf.Write(msg.Data)
	}
	return buf.Bytes(), nil
}
