package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestDialAcceptHandshakeEstablishesSessions(t *testing.T) {
	logger := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aID, bID := uuid.New(), uuid.New()
	a := New(aID, "127.0.0.1:0", logger)
	b := New(bID, "127.0.0.1:0", logger)

	if err := a.Listen(ctx); err != nil {
		t.Fatalf("listen a: %v", err)
	}
	defer a.Shutdown()
	if err := b.Listen(ctx); err != nil {
		t.Fatalf("listen b: %v", err)
	}
	defer b.Shutdown()

	a.ListenAddr = a.listener.Addr().String()
	b.ListenAddr = b.listener.Addr().String()

	received := make(chan Frame, 1)
	b.OnInbound(func(peerID uuid.UUID, f Frame) {
		received <- f
	})

	sess, err := a.Dial(ctx, bID, b.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	ping, _ := Encode(KindPing, struct{}{})
	if err := sess.Send(ping); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case f := <-received:
		if f.Kind != KindPing {
			t.Fatalf("expected PING, got %s", f.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}
}

func TestDialUnknownLearnsIdentity(t *testing.T) {
	logger := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aID, bID := uuid.New(), uuid.New()
	a := New(aID, "127.0.0.1:0", logger)
	b := New(bID, "127.0.0.1:0", logger)

	if err := a.Listen(ctx); err != nil {
		t.Fatalf("listen a: %v", err)
	}
	defer a.Shutdown()
	if err := b.Listen(ctx); err != nil {
		t.Fatalf("listen b: %v", err)
	}
	defer b.Shutdown()

	id, sess, err := a.DialUnknown(ctx, b.Addr())
	if err != nil {
		t.Fatalf("dial unknown: %v", err)
	}
	if id != bID {
		t.Fatalf("expected learned identity %s, got %s", bID, id)
	}
	if sess == nil {
		t.Fatal("expected a non-nil session")
	}
	if _, ok := a.Session(bID); !ok {
		t.Fatal("expected session installed under the learned identity")
	}
}

func TestDialUnknownRejectsSelfConnection(t *testing.T) {
	logger := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := uuid.New()
	a := New(id, "127.0.0.1:0", logger)
	if err := a.Listen(ctx); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer a.Shutdown()

	if _, _, err := a.DialUnknown(ctx, a.Addr()); err == nil {
		t.Fatal("expected an error dialing self")
	}
}

func TestInstallSessionDuplicateLowerIdentityWins(t *testing.T) {
	logger := zap.NewNop()
	low := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	high := uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Self (low) has the lower identity string: on a duplicate it must
	// keep its existing session and reject the new connection instead.
	tr := New(low, "127.0.0.1:0", logger)

	connA, peerA := net.Pipe()
	defer peerA.Close()
	first := tr.installSession(ctx, high, connA)

	connB, peerB := net.Pipe()
	defer peerB.Close()
	second := tr.installSession(ctx, high, connB)

	if second != first {
		t.Fatal("expected the lower-identity side to keep its existing session on a duplicate")
	}
	got, ok := tr.Session(high)
	if !ok || got != first {
		t.Fatal("expected the original session to remain installed")
	}
}

func TestInstallSessionDuplicateReplacesOnHigherSelf(t *testing.T) {
	logger := zap.NewNop()
	high := uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")
	low := uuid.MustParse("00000000-0000-0000-0000-000000000001")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Self (high) has the higher identity string: on a duplicate it
	// must drop its existing session in favor of the new one.
	tr := New(high, "127.0.0.1:0", logger)

	connA, peerA := net.Pipe()
	defer peerA.Close()
	first := tr.installSession(ctx, low, connA)

	connB, peerB := net.Pipe()
	defer peerB.Close()
	second := tr.installSession(ctx, low, connB)

	if second == first {
		t.Fatal("expected a new session to replace the old one when self has the higher identity")
	}
	select {
	case <-first.Closed():
	case <-time.After(time.Second):
		t.Fatal("expected the superseded session to be closed")
	}
	got, ok := tr.Session(low)
	if !ok || got != second {
		t.Fatal("expected the new session to be installed")
	}
}

func TestSendToUnknownPeerFails(t *testing.T) {
	logger := zap.NewNop()
	tr := New(uuid.New(), "127.0.0.1:0", logger)

	f, _ := Encode(KindPing, struct{}{})
	if err := tr.Send(uuid.New(), f); err == nil {
		t.Fatal("expected error sending to unknown peer")
	}
}
