package httpapi

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/streamhub/streamhub/internal/streamactor"
)

// memBlobStore is an in-memory stand-in for blob.Store, enough to
// exercise readSegmentBlob without a real backend.
type memBlobStore struct {
	objects map[string][]byte
}

func (m *memBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.objects[key] = data
	return nil
}

func (m *memBlobStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlobStore) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func encodeSegment(t *testing.T, messages [][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, msg := range messages {
		if _, err := streamactor.WriteMessage(&buf, msg); err != nil {
			t.Fatalf("encode segment: %v", err)
		}
	}
	return buf.Bytes()
}

func TestReadSegmentBlobSkipsThroughOffset(t *testing.T) {
	store := &memBlobStore{objects: make(map[string][]byte)}
	data := encodeSegment(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")})
	store.objects["seg-0"] = data

	// Binary framing: "one" ends at byte 3, "two" at byte 6, "three" at byte 11.
	offset := streamactor.Offset{ReadSeq: 0, ByteOffset: 3}

	messages, err := readSegmentBlob(context.Background(), store, "seg-0", 0, offset, false)
	if err != nil {
		t.Fatalf("readSegmentBlob: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages after offset, got %d", len(messages))
	}
	if string(messages[0].Data) != "two" || string(messages[1].Data) != "three" {
		t.Errorf("unexpected messages: %+v", messages)
	}
	if messages[1].Offset.ByteOffset != 11 {
		t.Errorf("expected final cumulative offset 11, got %d", messages[1].Offset.ByteOffset)
	}
}

func TestReadSegmentBlobFromZeroReturnsEverything(t *testing.T) {
	store := &memBlobStore{objects: make(map[string][]byte)}
	store.objects["seg-1"] = encodeSegment(t, [][]byte{[]byte("a"), []byte("bb")})

	messages, err := readSegmentBlob(context.Background(), store, "seg-1", 2, streamactor.ZeroOffset, false)
	if err != nil {
		t.Fatalf("readSegmentBlob: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	for _, msg := range messages {
		if msg.Offset.ReadSeq != 2 {
			t.Errorf("expected messages tagged with generation 2, got ReadSeq %d", msg.Offset.ReadSeq)
		}
	}
}

func TestReadSegmentBlobCountsByMessageForJSON(t *testing.T) {
	store := &memBlobStore{objects: make(map[string][]byte)}
	store.objects["seg-2"] = encodeSegment(t, [][]byte{[]byte(`{"a":1}`), []byte(`{"b":2}`)})

	messages, err := readSegmentBlob(context.Background(), store, "seg-2", 0, streamactor.ZeroOffset, true)
	if err != nil {
		t.Fatalf("readSegmentBlob: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Offset.ByteOffset != 1 || messages[1].Offset.ByteOffset != 2 {
		t.Errorf("expected per-message offsets 1, 2, got %d, %d",
			messages[0].Offset.ByteOffset, messages[1].Offset.ByteOffset)
	}
}
