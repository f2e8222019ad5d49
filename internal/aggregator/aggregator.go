// Package aggregator implements the Aggregator (§4.9): on demand, it
// fans a snapshot request out over gossip's hop-limited flooding,
// collects replies sent directly back over the transport within
// snapshot_timeout, and merges them with the Metrics Core's merge
// operator. Grounded on gossip's control fan-out (the hop-limited
// CONTROL frame carrying the request) paired with the
// distributed-queue prefetch buffer's "reply channel with a
// communication deadline" shape for collecting the direct responses.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/ryan-h265/ironswarm/internal/gossip"
	"github.com/ryan-h265/ironswarm/internal/metrics"
	"github.com/ryan-h265/ironswarm/internal/registry"
	"github.com/ryan-h265/ironswarm/internal/transport"
)

// KindSnapshotPing is the gossip CONTROL kind carrying a snapshot
// request through the hop-limited flood.
const KindSnapshotPing = "SNAPSHOT_PING"

// DefaultSnapshotTimeout is snapshot_timeout's default.
const DefaultSnapshotTimeout = 2 * time.Second

// Result is one cluster snapshot collection's outcome.
type Result struct {
	Snapshot metrics.Snapshot
	Partial  bool
	Missing  []uuid.UUID
}

// Aggregator drives on-demand cluster-wide snapshot collection.
type Aggregator struct {
	self            uuid.UUID
	core            *metrics.Core
	reg             *registry.Registry
	tr              *transport.Transport
	gossiper        *gossip.Gossiper
	snapshotTimeout time.Duration
	logger          *zap.Logger

	mu      sync.Mutex
	pending map[string]chan metrics.Snapshot
}

// New builds an Aggregator and registers its gossip/transport hooks.
// snapshotTimeout <= 0 falls back to DefaultSnapshotTimeout.
func New(
	self uuid.UUID,
	core *metrics.Core,
	reg *registry.Registry,
	tr *transport.Transport,
	g *gossip.Gossiper,
	snapshotTimeout time.Duration,
	logger *zap.Logger,
) *Aggregator {
	if snapshotTimeout <= 0 {
		snapshotTimeout = DefaultSnapshotTimeout
	}
	a := &Aggregator{
		self:            self,
		core:            core,
		reg:             reg,
		tr:              tr,
		gossiper:        g,
		snapshotTimeout: snapshotTimeout,
		logger:          logger,
		pending:         map[string]chan metrics.Snapshot{},
	}
	g.RegisterHandler(KindSnapshotPing, a.handleSnapshotPing)
	g.OnSnapshotResp(a.handleSnapshotResp)
	return a
}

// Collect captures the local snapshot, floods a SnapshotPing over
// gossip, and merges whatever SNAPSHOT_RESP replies arrive within
// snapshot_timeout. Partial aggregates are always returned on
// deadline; they are never retried (§4.9).
func (a *Aggregator) Collect(ctx context.Context) Result {
	reqID := xid.New().String()
	expected := a.reg.AliveSnapshot()

	ch := make(chan metrics.Snapshot, len(expected)+1)
	a.mu.Lock()
	a.pending[reqID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, reqID)
		a.mu.Unlock()
	}()

	body, err := json.Marshal(transport.SnapshotReqPayload{RequestID: reqID, Requester: a.self})
	if err != nil {
		a.logger.Error("aggregator: encode snapshot ping", zap.Error(err))
		return Result{Snapshot: a.core.Snapshot(a.self.String()), Partial: true}
	}
	a.gossiper.Broadcast(KindSnapshotPing, body)

	received := map[uuid.UUID]metrics.Snapshot{}
	deadline := time.NewTimer(a.snapshotTimeout)
	defer deadline.Stop()

collect:
	for {
		select {
		case snap := <-ch:
			if id, err := uuid.Parse(snap.NodeIdentity); err == nil {
				received[id] = snap
			}
		case <-deadline.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	merged := a.core.Snapshot(a.self.String())
	for _, s := range received {
		merged = metrics.Merge(merged, s)
	}

	var missing []uuid.UUID
	for _, p := range expected {
		if p.ID == a.self {
			continue
		}
		if _, ok := received[p.ID]; !ok {
			missing = append(missing, p.ID)
		}
	}

	return Result{Snapshot: merged, Partial: len(missing) > 0, Missing: missing}
}

// handleSnapshotPing runs on every node reached by the flood: it
// captures its own local snapshot and replies directly to the
// requester over the transport, opening a session if needed.
func (a *Aggregator) handleSnapshotPing(body []byte) {
	var req transport.SnapshotReqPayload
	if err := json.Unmarshal(body, &req); err != nil {
		a.logger.Warn("aggregator: malformed SNAPSHOT_PING", zap.Error(err))
		return
	}

	snap := a.core.Snapshot(a.self.String())
	snapBytes, err := json.Marshal(snap)
	if err != nil {
		a.logger.Error("aggregator: encode local snapshot", zap.Error(err))
		return
	}

	frame, err := transport.Encode(transport.KindSnapshotResp, transport.SnapshotRespPayload{
		RequestID: req.RequestID,
		Snapshot:  snapBytes,
	})
	if err != nil {
		a.logger.Error("aggregator: encode snapshot response", zap.Error(err))
		return
	}

	if err := a.sendTo(req.Requester, frame); err != nil {
		a.logger.Warn("aggregator: could not reach requester", zap.String("requester", req.Requester.String()), zap.Error(err))
	}
}

func (a *Aggregator) sendTo(peerID uuid.UUID, f transport.Frame) error {
	if peerID == a.self {
		return nil
	}
	if err := a.tr.Send(peerID, f); err == nil {
		return nil
	}

	peer, ok := a.reg.Get(peerID)
	if !ok {
		return fmt.Errorf("aggregator: requester %s not known locally", peerID)
	}
	if _, err := a.tr.Dial(context.Background(), peerID, peer.Addr()); err != nil {
		return fmt.Errorf("aggregator: dial requester %s: %w", peerID, err)
	}
	return a.tr.Send(peerID, f)
}

// handleSnapshotResp runs on the requester: it decodes the reply and
// routes it to the waiting Collect call, if any is still pending.
func (a *Aggregator) handleSnapshotResp(_ uuid.UUID, f transport.Frame) {
	var resp transport.SnapshotRespPayload
	if err := f.Decode(&resp); err != nil {
		a.logger.Warn("aggregator: malformed SNAPSHOT_RESP", zap.Error(err))
		return
	}

	var snap metrics.Snapshot
	if err := json.Unmarshal(resp.Snapshot, &snap); err != nil {
		a.logger.Warn("aggregator: malformed snapshot payload", zap.Error(err))
		return
	}

	a.mu.Lock()
	ch, ok := a.pending[resp.RequestID]
	a.mu.Unlock()
	if !ok {
		return // the collection already hit its deadline
	}

	select {
	case ch <- snap:
	default:
	}
}
