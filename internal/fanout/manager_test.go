package fanout

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/streamhub/streamhub/internal/streamactor"
)

func newTestManager(t *testing.T) (*Manager, *streamactor.Registry) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "fanout-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	reg := streamactor.NewRegistry(tmpDir, nil, nil, time.Hour, zap.NewNop().Sugar())
	t.Cleanup(func() { reg.Close() })

	m := NewManager(reg, zap.NewNop().Sugar())
	return m, reg
}

func TestManager_SubscribeCreatesTargetAndFansOut(t *testing.T) {
	m, reg := newTestManager(t)
	ctx := context.Background()

	source, _ := reg.Get("proj1", "source")
	source.Create(ctx, streamactor.CreateOptions{ContentType: "text/plain"})

	if err := m.Subscribe(ctx, "proj1", "source", "target"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	target, err := reg.Get("proj1", "target")
	if err != nil {
		t.Fatalf("Get target: %v", err)
	}
	if !target.Has(ctx) {
		t.Fatal("expected target stream to have been created by Subscribe")
	}

	m.OnStreamAppend("proj1", "source", []byte("hello"), "text/plain")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, _, err := target.Read(ctx, streamactor.ZeroOffset)
		if err != nil {
			t.Fatalf("Read target: %v", err)
		}
		if len(msgs) == 1 && string(msgs[0].Data) == "hello" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("fanned-out append never appeared on target stream")
}

func TestManager_UnsubscribeStopsFanout(t *testing.T) {
	m, reg := newTestManager(t)
	ctx := context.Background()

	source, _ := reg.Get("proj1", "source")
	source.Create(ctx, streamactor.CreateOptions{ContentType: "text/plain"})

	if err := m.Subscribe(ctx, "proj1", "source", "target"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	m.Unsubscribe("proj1", "source", "target")

	if subs := m.Store.GetSubscribers("proj1", "source"); len(subs) != 0 {
		t.Errorf("expected no subscribers after unsubscribe, got %d", len(subs))
	}
}

func TestManager_TouchCreatesEmptyTargetAndArmsExpiry(t *testing.T) {
	m, reg := newTestManager(t)
	ctx := context.Background()

	if err := m.Touch(ctx, "proj1", "keepalive", time.Minute); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	actor, err := reg.Get("proj1", "keepalive")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !actor.Has(ctx) {
		t.Fatal("expected Touch to create the target stream")
	}

	target := m.Store.GetTarget("proj1", "keepalive")
	if target == nil || target.expiresAt.IsZero() {
		t.Fatal("expected Touch to arm an expiry")
	}
}

func TestStore_NextSeqIncrementsPerEdge(t *testing.T) {
	s := NewStore()
	if got := s.NextSeq("p", "src", "p", "tgt"); got != 0 {
		t.Errorf("expected first seq 0, got %d", got)
	}
	if got := s.NextSeq("p", "src", "p", "tgt"); got != 1 {
		t.Errorf("expected second seq 1, got %d", got)
	}
	if got := s.NextSeq("p", "src", "p", "other"); got != 0 {
		t.Errorf("expected independent edge to start at 0, got %d", got)
	}
}
