package streamactor

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "registry-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })
	r := NewRegistry(tmpDir, nil, nil, time.Hour, zap.NewNop().Sugar())
	t.Cleanup(func() { r.Close() })
	return r
}

func TestActor_CreateIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Get("proj", "stream1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	opts := CreateOptions{ContentType: "text/plain"}
	_, created, err := a.Create(ctx, opts)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	_, created, err = a.Create(ctx, opts)
	if err != nil {
		t.Fatalf("idempotent create errored: %v", err)
	}
	if created {
		t.Error("second create with matching config should not report newly created")
	}

	_, _, err = a.Create(ctx, CreateOptions{ContentType: "application/json"})
	if err != ErrConfigMismatch {
		t.Errorf("expected ErrConfigMismatch, got %v", err)
	}
}

func TestActor_AppendAndRead(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, _ := r.Get("proj", "stream1")
	if _, _, err := a.Create(ctx, CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := a.Append(ctx, []byte("hello"), AppendOptions{})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if res.Offset.ByteOffset != 5 {
		t.Errorf("expected offset 5, got %v", res.Offset)
	}

	msgs, upToDate, err := a.Read(ctx, ZeroOffset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Data) != "hello" {
		t.Errorf("unexpected messages: %+v", msgs)
	}
	if !upToDate {
		t.Error("expected upToDate after reading the full tail")
	}
}

func TestActor_ProducerIdempotency(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, _ := r.Get("proj", "stream1")
	a.Create(ctx, CreateOptions{ContentType: "text/plain"})

	epoch0 := int64(0)
	seq0 := int64(0)
	opts := AppendOptions{ProducerID: "p1", ProducerEpoch: &epoch0, ProducerSeq: &seq0}

	first, err := a.Append(ctx, []byte("a"), opts)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if first.ProducerResult != ProducerResultAccepted {
		t.Errorf("expected accepted, got %v", first.ProducerResult)
	}

	dup, err := a.Append(ctx, []byte("a-retry"), opts)
	if err != nil {
		t.Fatalf("retry append: %v", err)
	}
	if dup.ProducerResult != ProducerResultDuplicate {
		t.Errorf("expected duplicate, got %v", dup.ProducerResult)
	}
	if !dup.Offset.Equal(first.Offset) {
		t.Errorf("duplicate should report same offset: got %v want %v", dup.Offset, first.Offset)
	}

	seqGap := int64(5)
	_, err = a.Append(ctx, []byte("b"), AppendOptions{ProducerID: "p1", ProducerEpoch: &epoch0, ProducerSeq: &seqGap})
	if err != ErrProducerSeqGap {
		t.Errorf("expected ErrProducerSeqGap, got %v", err)
	}
}

// TestActor_ProducerStaleSeqIsRejected covers the seq < lastSeq case,
// distinct from the seq == lastSeq idempotent-duplicate case above: an
// out-of-order append behind the last accepted sequence is an error,
// not a silent success.
func TestActor_ProducerStaleSeqIsRejected(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, _ := r.Get("proj", "stream1")
	a.Create(ctx, CreateOptions{ContentType: "text/plain"})

	epoch0 := int64(0)
	seq0, seq1 := int64(0), int64(1)
	opts0 := AppendOptions{ProducerID: "p1", ProducerEpoch: &epoch0, ProducerSeq: &seq0}
	opts1 := AppendOptions{ProducerID: "p1", ProducerEpoch: &epoch0, ProducerSeq: &seq1}

	if _, err := a.Append(ctx, []byte("a"), opts0); err != nil {
		t.Fatalf("seq 0 append: %v", err)
	}
	if _, err := a.Append(ctx, []byte("b"), opts1); err != nil {
		t.Fatalf("seq 1 append: %v", err)
	}

	// Replaying seq 0 after seq 1 has already been accepted is behind
	// the last accepted sequence, not equal to it.
	_, err := a.Append(ctx, []byte("a-late-retry"), opts0)
	if err != ErrStaleDuplicate {
		t.Errorf("expected ErrStaleDuplicate, got %v", err)
	}
}

func TestActor_CloseStreamIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, _ := r.Get("proj", "stream1")
	a.Create(ctx, CreateOptions{ContentType: "text/plain"})

	res, err := a.CloseStream(ctx)
	if err != nil || res.AlreadyClosed {
		t.Fatalf("first close: res=%+v err=%v", res, err)
	}

	res2, err := a.CloseStream(ctx)
	if err != nil || !res2.AlreadyClosed {
		t.Fatalf("second close should be idempotent: res=%+v err=%v", res2, err)
	}

	if _, err := a.Append(ctx, []byte("x"), AppendOptions{}); err != ErrStreamClosed {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
}

func TestActor_ExpiresByTTL(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, _ := r.Get("proj", "expiring")
	ttl := int64(1)
	a.Create(ctx, CreateOptions{ContentType: "text/plain", TTLSeconds: &ttl})

	if !a.Has(ctx) {
		t.Error("stream should exist before expiry")
	}

	time.Sleep(1100 * time.Millisecond)

	if a.Has(ctx) {
		t.Error("stream should report expired after TTL elapses")
	}
	if _, err := a.Get(ctx); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound after expiry, got %v", err)
	}
}

func TestActor_WaitForMessagesWakesOnAppend(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, _ := r.Get("proj", "stream1")
	a.Create(ctx, CreateOptions{ContentType: "text/plain"})

	done := make(chan []Message, 1)
	go func() {
		msgs, _, _, err := a.WaitForMessages(ctx, ZeroOffset, 5*time.Second)
		if err != nil {
			t.Errorf("WaitForMessages: %v", err)
		}
		done <- msgs
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := a.Append(ctx, []byte("woke"), AppendOptions{}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case msgs := <-done:
		if len(msgs) != 1 || string(msgs[0].Data) != "woke" {
			t.Errorf("unexpected wakeup messages: %+v", msgs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForMessages did not wake up on append")
	}
}

func TestActor_WaitForMessagesTimesOut(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, _ := r.Get("proj", "stream1")
	a.Create(ctx, CreateOptions{ContentType: "text/plain"})

	_, timedOut, _, err := a.WaitForMessages(ctx, ZeroOffset, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForMessages: %v", err)
	}
	if !timedOut {
		t.Error("expected timeout with no new data")
	}
}
