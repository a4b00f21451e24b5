package streamactor

import (
	"os"
	"testing"
	"time"
)

func TestProjectStore_PutAndGetMeta(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "project-store-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ps, err := OpenProjectStore(tmpDir, "proj1")
	if err != nil {
		t.Fatalf("OpenProjectStore: %v", err)
	}
	defer ps.Close()

	now := time.Now()
	ttl := int64(3600)
	meta := &Meta{
		ProjectID:     "proj1",
		StreamID:      "events",
		ContentType:   "application/json",
		CurrentOffset: Offset{ReadSeq: 0, ByteOffset: 100},
		LastSeq:       "seq123",
		TTLSeconds:    &ttl,
		CreatedAt:     now,
	}

	if err := ps.PutMeta("proj1", meta); err != nil {
		t.Fatalf("PutMeta: %v", err)
	}

	got, err := ps.GetMeta("proj1", "events")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if got.StreamID != meta.StreamID {
		t.Errorf("stream id mismatch: got %q want %q", got.StreamID, meta.StreamID)
	}
	if !got.CurrentOffset.Equal(meta.CurrentOffset) {
		t.Errorf("offset mismatch: got %v want %v", got.CurrentOffset, meta.CurrentOffset)
	}
	if got.TTLSeconds == nil || *got.TTLSeconds != ttl {
		t.Errorf("ttl mismatch: got %v want %d", got.TTLSeconds, ttl)
	}
}

func TestProjectStore_HasAndDelete(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "project-store-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ps, err := OpenProjectStore(tmpDir, "proj1")
	if err != nil {
		t.Fatalf("OpenProjectStore: %v", err)
	}
	defer ps.Close()

	if ps.HasStream("missing") {
		t.Error("HasStream true for missing stream")
	}

	meta := &Meta{ProjectID: "proj1", StreamID: "s1", ContentType: "text/plain", CreatedAt: time.Now()}
	if err := ps.PutMeta("proj1", meta); err != nil {
		t.Fatalf("PutMeta: %v", err)
	}
	if !ps.HasStream("s1") {
		t.Error("HasStream false for existing stream")
	}

	if err := ps.DeleteStream("s1"); err != nil {
		t.Fatalf("DeleteStream: %v", err)
	}
	if ps.HasStream("s1") {
		t.Error("stream still present after delete")
	}
	if err := ps.DeleteStream("missing"); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestProjectStore_OpsAppendReadTruncate(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "project-store-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ps, err := OpenProjectStore(tmpDir, "proj1")
	if err != nil {
		t.Fatalf("OpenProjectStore: %v", err)
	}
	defer ps.Close()

	offsets := []Offset{{0, 10}, {0, 20}, {0, 30}}
	for i, off := range offsets {
		if err := ps.AppendOp("s1", off, []byte{byte(i)}, time.Now()); err != nil {
			t.Fatalf("AppendOp: %v", err)
		}
	}

	msgs, err := ps.ReadOpsAfter("s1", Offset{0, 10})
	if err != nil {
		t.Fatalf("ReadOpsAfter: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}

	if err := ps.TruncateOpsThrough("s1", Offset{0, 20}); err != nil {
		t.Fatalf("TruncateOpsThrough: %v", err)
	}
	msgs, err = ps.ReadOpsAfter("s1", ZeroOffset)
	if err != nil {
		t.Fatalf("ReadOpsAfter: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Offset.ByteOffset != 30 {
		t.Errorf("unexpected remaining ops: %+v", msgs)
	}
}

func TestProjectStore_Persistence(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "project-store-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	{
		ps, err := OpenProjectStore(tmpDir, "proj1")
		if err != nil {
			t.Fatalf("OpenProjectStore: %v", err)
		}
		meta := &Meta{ProjectID: "proj1", StreamID: "durable", ContentType: "text/plain",
			CurrentOffset: Offset{ReadSeq: 1, ByteOffset: 999}, CreatedAt: time.Now()}
		if err := ps.PutMeta("proj1", meta); err != nil {
			t.Fatalf("PutMeta: %v", err)
		}
		if err := ps.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	ps, err := OpenProjectStore(tmpDir, "proj1")
	if err != nil {
		t.Fatalf("reopen OpenProjectStore: %v", err)
	}
	defer ps.Close()

	meta, err := ps.GetMeta("proj1", "durable")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if meta.CurrentOffset.ByteOffset != 999 {
		t.Errorf("offset not persisted: %v", meta.CurrentOffset)
	}
}

func TestOpValueEncodeDecodeRoundTrip(t *testing.T) {
	createdAt := time.UnixMilli(1700000000123)
	encoded := encodeOpValue(createdAt, []byte("payload"))

	gotTime, gotData := decodeOpValue(encoded)
	if !gotTime.Equal(createdAt) {
		t.Errorf("timestamp mismatch: got %v want %v", gotTime, createdAt)
	}
	if string(gotData) != "payload" {
		t.Errorf("payload mismatch: got %q", gotData)
	}
}

func TestReadOpsAfterPreservesCreatedAt(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "project-store-ts-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ps, err := OpenProjectStore(tmpDir, "proj1")
	if err != nil {
		t.Fatalf("OpenProjectStore: %v", err)
	}
	defer ps.Close()

	first := time.UnixMilli(1700000000000)
	second := time.UnixMilli(1700000005000)
	if err := ps.AppendOp("s1", Offset{0, 10}, []byte("a"), first); err != nil {
		t.Fatalf("AppendOp: %v", err)
	}
	if err := ps.AppendOp("s1", Offset{0, 20}, []byte("b"), second); err != nil {
		t.Fatalf("AppendOp: %v", err)
	}

	msgs, err := ps.ReadOpsAfter("s1", ZeroOffset)
	if err != nil {
		t.Fatalf("ReadOpsAfter: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if !msgs[0].CreatedAt.Equal(first) || !msgs[1].CreatedAt.Equal(second) {
		t.Errorf("createdAt not preserved: got %v, %v", msgs[0].CreatedAt, msgs[1].CreatedAt)
	}
	if got := MaxCreatedAt(msgs); !got.Equal(second) {
		t.Errorf("MaxCreatedAt = %v, want %v", got, second)
	}
}
