package aggregator

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryan-h265/ironswarm/internal/gossip"
	"github.com/ryan-h265/ironswarm/internal/metrics"
	"github.com/ryan-h265/ironswarm/internal/registry"
	"github.com/ryan-h265/ironswarm/internal/transport"
)

type testNode struct {
	id   uuid.UUID
	reg  *registry.Registry
	tr   *transport.Transport
	gsp  *gossip.Gossiper
	core *metrics.Core
	agg  *Aggregator
}

func newTestNode(t *testing.T, ctx context.Context) *testNode {
	t.Helper()
	logger := zap.NewNop()
	id := uuid.New()
	tr := transport.New(id, "127.0.0.1:0", logger)
	if err := tr.Listen(ctx); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(tr.Shutdown)

	reg := registry.New(id, "127.0.0.1", 0, 64)
	g := gossip.New(id, reg, tr, gossip.DefaultConfig(), logger)
	core := metrics.NewCore()
	agg := New(id, core, reg, tr, g, 500*time.Millisecond, logger)
	g.Start(ctx)

	return &testNode{id: id, reg: reg, tr: tr, gsp: g, core: core, agg: agg}
}

func (n *testNode) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(n.tr.Addr())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

func introduce(t *testing.T, a, b *testNode) {
	t.Helper()
	ah, ap := a.hostPort(t)
	bh, bp := b.hostPort(t)
	a.reg.NoteSeen(b.id, bh, bp)
	b.reg.NoteSeen(a.id, ah, ap)
}

func TestCollectMergesRemoteSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestNode(t, ctx)
	b := newTestNode(t, ctx)
	introduce(t, a, b)

	a.core.IncrCounter("journey_executions_total", metrics.Labels{"name": "checkout"}, 3)
	b.core.IncrCounter("journey_executions_total", metrics.Labels{"name": "checkout"}, 4)

	result := a.agg.Collect(ctx)

	if result.Partial {
		t.Fatalf("expected a complete aggregate, missing=%v", result.Missing)
	}
	got := uint64(0)
	for _, c := range result.Snapshot.Counters {
		if c.Name == "journey_executions_total" {
			got += c.Value
		}
	}
	if got != 7 {
		t.Fatalf("expected merged counter value 7, got %d", got)
	}
}

func TestCollectReportsPartialOnUnresponsivePeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestNode(t, ctx)

	// Register a peer that will never actually respond (no listener
	// bound at that address) so the deadline fires with it missing.
	ghostID := uuid.New()
	a.reg.NoteSeen(ghostID, "127.0.0.1", 1)

	result := a.agg.Collect(ctx)

	if !result.Partial {
		t.Fatal("expected a partial aggregate")
	}
	found := false
	for _, id := range result.Missing {
		if id == ghostID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ghost peer listed as missing, got %v", result.Missing)
	}
}
