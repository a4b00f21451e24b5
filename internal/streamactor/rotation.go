package streamactor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
)

// BlobStore is the subset of internal/blob.Store a rotating actor needs
// to flush segments out and, on a cold read, pull them back in.
// Declared locally (rather than imported) so streamactor has no
// dependency on the blob package's concrete backend.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// SegmentIndex is the subset of internal/adminindex.Index a rotating
// actor needs to mirror a rotated segment for operator monitoring.
type SegmentIndex interface {
	RecordSegment(ctx context.Context, row SegmentRow) error
	DeleteStream(ctx context.Context, projectID, streamID string) error
}

// SegmentRow is one row of the segments_admin mirror table.
type SegmentRow struct {
	ProjectID string
	StreamID  string
	ReadSeq   uint64
	StartOff  Offset
	EndOff    Offset
	BlobKey   string
	SizeBytes int64
	CreatedAt time.Time
}

// RotationPolicy bounds how large the hot (unrotated) op log is allowed
// to grow before it is flushed to a blob segment.
type RotationPolicy struct {
	MaxMessages int
	MaxBytes    int64
}

// DefaultRotationPolicy matches the teacher's segment thresholds.
var DefaultRotationPolicy = RotationPolicy{MaxMessages: 1000, MaxBytes: 4 * 1024 * 1024}

func blobKey(projectID, streamID string, readSeq uint64) string {
	return fmt.Sprintf("%s/%s/seg-%020d", projectID, streamID, readSeq)
}

// rotate flushes the current hot ops (every op left in the project
// store's hot bucket, i.e. the current generation) into a single blob segment,
// truncates them from the project store's hot bucket, and advances
// the stream's read sequence so future offsets land in the new
// segment space. Called by the actor goroutine only — not safe to
// call concurrently with itself.
func (a *Actor) rotate(ctx context.Context) error {
	if a.blob == nil {
		return nil // no blob backend configured (e.g. tests); stay hot-only
	}

	ops, err := a.store.ReadOpsAfter(a.streamID, ZeroOffset)
	if err != nil {
		return fmt.Errorf("read hot ops: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, msg := range ops {
		if _, err := WriteMessage(&buf, msg.Data); err != nil {
			return fmt.Errorf("encode segment: %w", err)
		}
	}

	newReadSeq := a.meta.CurrentOffset.ReadSeq + 1
	key := blobKey(a.projectID, a.streamID, newReadSeq)
	if err := a.blob.Put(ctx, key, buf.Bytes(), "application/octet-stream"); err != nil {
		return fmt.Errorf("write segment blob: %w", err)
	}

	lastHot := ops[len(ops)-1].Offset
	if err := a.store.TruncateOpsThrough(a.streamID, lastHot); err != nil {
		return fmt.Errorf("truncate rotated ops: %w", err)
	}

	if a.index != nil {
		row := SegmentRow{
			ProjectID: a.projectID,
			StreamID:  a.streamID,
			ReadSeq:   newReadSeq,
			StartOff:  ZeroOffset,
			EndOff:    lastHot,
			BlobKey:   key,
			SizeBytes: int64(buf.Len()),
			CreatedAt: time.Now(),
		}
		if err := a.index.RecordSegment(ctx, row); err != nil {
			a.log.Errorf("record segment in admin index: %v", err)
		}
	}

	a.meta.CurrentOffset = Offset{ReadSeq: newReadSeq, ByteOffset: 0}
	return a.store.PutMeta(a.projectID, a.meta)
}

// shouldRotate reports whether the hot op log has crossed the policy
// thresholds and should be flushed now; Append checks it after every
// successful append.
func (a *Actor) shouldRotate() bool {
	if a.blob == nil {
		return false
	}
	ops, err := a.store.ReadOpsAfter(a.streamID, ZeroOffset)
	if err != nil {
		return false
	}
	if len(ops) >= a.policy.MaxMessages {
		return true
	}
	var total int64
	for _, msg := range ops {
		total += int64(len(msg.Data))
	}
	return total >= a.policy.MaxBytes
}
