package adminindex

import (
	"context"
	"testing"
	"time"

	"github.com/streamhub/streamhub/internal/streamactor"
)

func TestIndex_RecordAndListSegments(t *testing.T) {
	idx, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	row := streamactor.SegmentRow{
		ProjectID: "proj1",
		StreamID:  "events",
		ReadSeq:   1,
		StartOff:  streamactor.ZeroOffset,
		EndOff:    streamactor.Offset{ReadSeq: 0, ByteOffset: 4096},
		BlobKey:   "proj1/events/seg-00000000000000000001",
		SizeBytes: 4096,
		CreatedAt: time.Now(),
	}
	if err := idx.RecordSegment(ctx, row); err != nil {
		t.Fatalf("RecordSegment: %v", err)
	}

	segs, err := idx.StreamSegments(ctx, "proj1", "events")
	if err != nil {
		t.Fatalf("StreamSegments: %v", err)
	}
	if len(segs) != 1 || segs[0].BlobKey != row.BlobKey {
		t.Fatalf("unexpected segments: %+v", segs)
	}

	total, err := idx.ProjectBytes(ctx, "proj1")
	if err != nil {
		t.Fatalf("ProjectBytes: %v", err)
	}
	if total != 4096 {
		t.Errorf("expected 4096 bytes, got %d", total)
	}
}

func TestIndex_DeleteStream(t *testing.T) {
	idx, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	row := streamactor.SegmentRow{
		ProjectID: "proj1", StreamID: "events", ReadSeq: 1,
		BlobKey: "proj1/events/seg-1", CreatedAt: time.Now(),
	}
	if err := idx.RecordSegment(ctx, row); err != nil {
		t.Fatalf("RecordSegment: %v", err)
	}
	if err := idx.DeleteStream(ctx, "proj1", "events"); err != nil {
		t.Fatalf("DeleteStream: %v", err)
	}

	segs, err := idx.StreamSegments(ctx, "proj1", "events")
	if err != nil {
		t.Fatalf("StreamSegments: %v", err)
	}
	if len(segs) != 0 {
		t.Errorf("expected no segments after delete, got %d", len(segs))
	}
}
