// Package gossip implements the two independent periodic behaviors
// described in the cluster membership design: peer exchange (epidemic
// membership dissemination) and control-message fan-out (hop-limited
// flooding of scenario start/stop and snapshot-ping messages).
package gossip

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryan-h265/ironswarm/internal/registry"
	"github.com/ryan-h265/ironswarm/internal/transport"
	"github.com/ryan-h265/ironswarm/internal/wait"
)

// Config holds the tunables named in the gossip and liveness design,
// all with the spec's stated defaults.
type Config struct {
	GossipInterval  time.Duration
	Fanout          int
	FreshnessWindow time.Duration

	PingInterval  time.Duration
	PingTimeout   time.Duration
	SuspectToDead time.Duration

	RecentCapacity int
	RecentWindow   time.Duration
}

// DefaultConfig returns the defaults named throughout §4.2-§4.3.
func DefaultConfig() Config {
	return Config{
		GossipInterval:  3 * time.Second,
		Fanout:          3,
		FreshnessWindow: 30 * time.Second,
		PingInterval:    5 * time.Second,
		PingTimeout:     2 * time.Second,
		SuspectToDead:   30 * time.Second,
		RecentCapacity:  4096,
		RecentWindow:    2 * time.Minute,
	}
}

// Handler processes one fully-resolved control payload (after de-dup),
// such as applying a ScenarioStart/ScenarioStop.
type Handler func(body []byte)

// Gossiper drives peer exchange and control fan-out for one node.
type Gossiper struct {
	self      uuid.UUID
	registry  *registry.Registry
	transport *transport.Transport
	cfg       Config
	logger    *zap.Logger

	recent *RecentSet
	seq    uint64

	mu       sync.Mutex
	handlers map[string]Handler

	pendingPongs sync.Map // uuid.UUID -> chan struct{}
	suspectMu    sync.Mutex
	suspectSince map[uuid.UUID]time.Time

	onSnapshotReq  func(peerID uuid.UUID, f transport.Frame)
	onSnapshotResp func(peerID uuid.UUID, f transport.Frame)

	ctx context.Context
}

// New creates a Gossiper bound to reg and tr.
func New(self uuid.UUID, reg *registry.Registry, tr *transport.Transport, cfg Config, logger *zap.Logger) *Gossiper {
	g := &Gossiper{
		self:         self,
		registry:     reg,
		transport:    tr,
		cfg:          cfg,
		logger:       logger,
		recent:       NewRecentSet(cfg.RecentCapacity, cfg.RecentWindow),
		handlers:     map[string]Handler{},
		suspectSince: map[uuid.UUID]time.Time{},
	}
	tr.OnInbound(g.HandleFrame)
	tr.OnFailed(func(peerID uuid.UUID, err error) {
		reg.MarkSuspect(peerID)
	})
	return g
}

// RegisterHandler binds a control payload kind (e.g. "scenario_start")
// to the function invoked once a message of that kind is accepted.
func (g *Gossiper) RegisterHandler(kind string, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[kind] = h
}

// Start launches the peer-exchange and liveness loops. ctx governs
// their lifetime and is retained so frames arriving asynchronously via
// HandleFrame can spawn bounded background work (e.g. a passive
// connection attempt to a newly-learned peer).
func (g *Gossiper) Start(ctx context.Context) {
	g.ctx = ctx
	go g.peerExchangeLoop(ctx)
	go g.livenessLoop(ctx)
}

// peerExchangeLoop implements §4.3 "Peer exchange".
func (g *Gossiper) peerExchangeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait.FullJitter(g.cfg.GossipInterval)):
			g.runGossipRound(ctx)
		}
	}
}

func (g *Gossiper) runGossipRound(ctx context.Context) {
	targets := g.registry.RandomPeers(g.cfg.Fanout)
	if len(targets) == 0 {
		return
	}

	payload := g.localGossipPayload()
	frame, err := transport.Encode(transport.KindGossip, payload)
	if err != nil {
		g.logger.Error("gossip: encode payload", zap.Error(err))
		return
	}

	for _, p := range targets {
		sess, err := g.transport.Dial(ctx, p.ID, p.Addr())
		if err != nil {
			g.registry.MarkSuspect(p.ID)
			continue
		}
		if err := sess.Send(frame); err != nil {
			g.logger.Debug("gossip: send failed", zap.String("peer", p.ID.String()), zap.Error(err))
		}
	}
}

func (g *Gossiper) localGossipPayload() transport.GossipPayload {
	alive := g.registry.AliveSnapshot()
	entries := make([]transport.GossipEntry, 0, len(alive))
	for _, p := range alive {
		entries = append(entries, transport.GossipEntry{
			Identity:     p.ID,
			Host:         p.Host,
			Port:         p.Port,
			LastSeenUnix: p.LastSeen.Unix(),
		})
	}
	return transport.GossipPayload{Entries: entries}
}

// HandleFrame dispatches an inbound frame from peerID to the right
// gossip behavior. SNAPSHOT_REQ/SNAPSHOT_RESP are not gossip's own
// concern (the Aggregator owns that request/reply exchange), but
// Transport.OnInbound accepts only one callback, so the Gossiper
// forwards those two kinds to whatever the Aggregator registered via
// OnSnapshotReq/OnSnapshotResp.
func (g *Gossiper) HandleFrame(peerID uuid.UUID, f transport.Frame) {
	switch f.Kind {
	case transport.KindGossip:
		g.handleGossip(peerID, f)
	case transport.KindControl:
		g.handleControl(peerID, f)
	case transport.KindPing:
		g.handlePing(peerID)
	case transport.KindPong:
		g.handlePong(peerID)
	case transport.KindSnapshotReq:
		if g.onSnapshotReq != nil {
			g.onSnapshotReq(peerID, f)
		}
	case transport.KindSnapshotResp:
		if g.onSnapshotResp != nil {
			g.onSnapshotResp(peerID, f)
		}
	}
}

// OnSnapshotReq registers the callback invoked for inbound
// SNAPSHOT_REQ frames.
func (g *Gossiper) OnSnapshotReq(fn func(peerID uuid.UUID, f transport.Frame)) {
	g.onSnapshotReq = fn
}

// OnSnapshotResp registers the callback invoked for inbound
// SNAPSHOT_RESP frames.
func (g *Gossiper) OnSnapshotResp(fn func(peerID uuid.UUID, f transport.Frame)) {
	g.onSnapshotResp = fn
}

// handleGossip merges a peer's advertised alive-set into the local
// registry per the freshness-window and never-regress rules.
func (g *Gossiper) handleGossip(_ uuid.UUID, f transport.Frame) {
	var payload transport.GossipPayload
	if err := f.Decode(&payload); err != nil {
		g.logger.Debug("gossip: malformed GOSSIP frame", zap.Error(err))
		return
	}

	for _, e := range payload.Entries {
		if e.Identity == g.self {
			continue
		}
		lastSeen := time.Unix(e.LastSeenUnix, 0)
		if time.Since(lastSeen) > g.cfg.FreshnessWindow {
			continue
		}

		_, known := g.registry.Get(e.Identity)
		g.registry.NoteSeen(e.Identity, e.Host, e.Port)
		if !known && g.ctx != nil {
			addr := fmt.Sprintf("%s:%d", e.Host, e.Port)
			go func(id uuid.UUID) {
				if _, err := g.transport.Dial(g.ctx, id, addr); err != nil {
					g.logger.Debug("gossip: passive dial failed",
						zap.String("peer", id.String()), zap.Error(err))
				}
			}(e.Identity)
		}
	}
}

func (g *Gossiper) handlePing(peerID uuid.UUID) {
	sess, ok := g.transport.Session(peerID)
	if !ok {
		return
	}
	pong, _ := transport.Encode(transport.KindPong, struct{}{})
	sess.Send(pong)
}

func (g *Gossiper) handlePong(peerID uuid.UUID) {
	if ch, ok := g.pendingPongs.Load(peerID); ok {
		select {
		case ch.(chan struct{}) <- struct{}{}:
		default:
		}
	}
}

// livenessLoop implements §4.2's PING/PONG liveness checks.
func (g *Gossiper) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// SUSPECT peers are pinged too, so three successes can restore
			// them and suspect_to_dead can expire them.
			for _, p := range g.registry.All() {
				if p.ID == g.self || p.State == registry.Dead {
					continue
				}
				go g.pingPeer(ctx, p)
			}
		}
	}
}

func (g *Gossiper) pingPeer(ctx context.Context, p registry.Peer) {
	sess, err := g.transport.Dial(ctx, p.ID, p.Addr())
	if err != nil {
		g.registry.MarkSuspect(p.ID)
		g.recordSuspect(p.ID)
		return
	}

	pongCh := make(chan struct{}, 1)
	g.pendingPongs.Store(p.ID, pongCh)
	defer g.pendingPongs.Delete(p.ID)

	ping, _ := transport.Encode(transport.KindPing, struct{}{})
	if err := sess.Send(ping); err != nil {
		g.registry.MarkSuspect(p.ID)
		g.recordSuspect(p.ID)
		return
	}

	select {
	case <-pongCh:
		g.registry.MarkAliveOnSuccess(p.ID)
		g.clearSuspect(p.ID)
	case <-time.After(g.cfg.PingTimeout):
		g.registry.MarkSuspect(p.ID)
		since := g.recordSuspect(p.ID)
		if since >= g.cfg.SuspectToDead {
			g.registry.MarkDead(p.ID, 0)
			g.clearSuspect(p.ID)
		}
	case <-ctx.Done():
	}
}

func (g *Gossiper) recordSuspect(id uuid.UUID) time.Duration {
	g.suspectMu.Lock()
	defer g.suspectMu.Unlock()
	since, ok := g.suspectSince[id]
	if !ok {
		g.suspectSince[id] = time.Now()
		return 0
	}
	return time.Since(since)
}

func (g *Gossiper) clearSuspect(id uuid.UUID) {
	g.suspectMu.Lock()
	defer g.suspectMu.Unlock()
	delete(g.suspectSince, id)
}

// Broadcast originates a new control message of the given kind and
// floods it over the gossip fan-out with the initial hop count derived
// from the current alive-set size, per §4.3.
func (g *Gossiper) Broadcast(kind string, body []byte) {
	seq := atomic.AddUint64(&g.seq, 1)
	msgID := transport.ControlMsgID{Origin: g.self, Seq: seq}
	n := g.registry.AliveCount()
	hops := initialHops(n)

	g.recent.Add(recentKey(msgID))
	g.applyLocally(kind, body)
	g.forward(msgID, kind, body, hops)
}

func initialHops(aliveCount int) int {
	if aliveCount < 1 {
		aliveCount = 1
	}
	return int(math.Ceil(math.Log2(float64(aliveCount)))) + 2
}

func recentKey(id transport.ControlMsgID) string {
	return fmt.Sprintf("%s:%d", id.Origin, id.Seq)
}

func (g *Gossiper) applyLocally(kind string, body []byte) {
	g.mu.Lock()
	h, ok := g.handlers[kind]
	g.mu.Unlock()
	if ok {
		h(body)
	}
}

func (g *Gossiper) handleControl(_ uuid.UUID, f transport.Frame) {
	var payload transport.ControlPayload
	if err := f.Decode(&payload); err != nil {
		g.logger.Debug("gossip: malformed CONTROL frame", zap.Error(err))
		return
	}

	key := recentKey(payload.MsgID)
	if g.recent.Seen(key) {
		return
	}
	g.recent.Add(key)

	g.applyLocally(payload.Kind, payload.Body)

	if payload.HopsRemaining > 0 {
		g.forward(payload.MsgID, payload.Kind, payload.Body, payload.HopsRemaining-1)
	}
}

func (g *Gossiper) forward(msgID transport.ControlMsgID, kind string, body []byte, hopsRemaining int) {
	if g.ctx == nil {
		return
	}
	targets := g.registry.RandomPeers(g.cfg.Fanout)
	if len(targets) == 0 {
		return
	}
	frame, err := transport.Encode(transport.KindControl, transport.ControlPayload{
		MsgID: msgID, HopsRemaining: hopsRemaining, Kind: kind, Body: body,
	})
	if err != nil {
		return
	}
	for _, p := range targets {
		sess, err := g.transport.Dial(g.ctx, p.ID, p.Addr())
		if err != nil {
			continue
		}
		sess.Send(frame)
	}
}
