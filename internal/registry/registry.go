// Package registry stores Peer Records and implements the liveness
// state machine each node keeps about its known peers.
package registry

import (
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a peer's liveness state.
type State int

const (
	Connecting State = iota
	Alive
	Suspect
	Dead
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Peer is a single Peer Record as described by the data model: exactly
// one record per identity, last_seen monotonically non-decreasing.
type Peer struct {
	ID        uuid.UUID
	Host      string
	Port      int
	FirstSeen time.Time
	LastSeen  time.Time
	State     State

	// consecutiveSuccesses counts successful PONGs since the last
	// SUSPECT transition; three restores ALIVE.
	consecutiveSuccesses int
	// quarantineUntil keeps NoteSeen from reviving a DEAD peer until it
	// elapses.
	quarantineUntil time.Time
}

func (p Peer) Addr() string {
	return p.Host + ":" + strconv.Itoa(p.Port)
}

// Registry is the concurrency-safe store of Peer Records for one node.
// All mutation methods take the write lock; AliveSnapshot and the other
// readers build their copy under the read lock. Readers are not
// wait-free: they wait while a writer holds the lock.
type Registry struct {
	mu       sync.RWMutex
	peers    map[uuid.UUID]*Peer
	self     uuid.UUID
	maxPeers int
}

// New creates a Registry seeded with the local node as an ALIVE,
// always-present member.
func New(self uuid.UUID, host string, port int, maxPeers int) *Registry {
	now := time.Now()
	r := &Registry{
		peers:    map[uuid.UUID]*Peer{},
		self:     self,
		maxPeers: maxPeers,
	}
	r.peers[self] = &Peer{
		ID: self, Host: host, Port: port,
		FirstSeen: now, LastSeen: now, State: Alive,
	}
	return r
}

// NoteSeen inserts-or-updates a peer, refreshing last_seen and moving it
// to ALIVE unless it is still DEAD-quarantined.
func (r *Registry) NoteSeen(id uuid.UUID, host string, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	p, exists := r.peers[id]
	if !exists {
		if len(r.peers) >= r.maxPeers {
			return
		}
		r.peers[id] = &Peer{
			ID: id, Host: host, Port: port,
			FirstSeen: now, LastSeen: now, State: Alive,
		}
		return
	}

	p.Host, p.Port = host, port
	if now.After(p.LastSeen) {
		p.LastSeen = now
	}
	if p.State == Dead && now.Before(p.quarantineUntil) {
		return
	}
	if p.State != Alive {
		p.State = Alive
		p.consecutiveSuccesses = 0
	}
}

// MarkSuspect transitions a peer to SUSPECT after a missed heartbeat or
// transport failure.
func (r *Registry) MarkSuspect(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok || p.State == Dead {
		return
	}
	p.State = Suspect
	p.consecutiveSuccesses = 0
}

// MarkAliveOnSuccess records one successful liveness check; after three
// consecutive successes a SUSPECT peer is restored to ALIVE.
func (r *Registry) MarkAliveOnSuccess(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok || p.State == Dead {
		return
	}
	if p.State == Alive {
		return
	}
	p.consecutiveSuccesses++
	if p.consecutiveSuccesses >= 3 {
		p.State = Alive
		p.consecutiveSuccesses = 0
	}
}

// MarkDead transitions a peer to DEAD, ineligible as a gossip target,
// and quarantines it for the given duration. Its only caller is
// gossip's suspect_to_dead timeout, with a zero quarantine; a
// handshake version mismatch in the transport closes the connection
// without marking the peer DEAD.
func (r *Registry) MarkDead(id uuid.UUID, quarantine time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return
	}
	p.State = Dead
	p.quarantineUntil = time.Now().Add(quarantine)
}

// AliveSnapshot returns a stable, identity-sorted copy of all ALIVE
// peers, including self.
func (r *Registry) AliveSnapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.State == Alive {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// AliveCount is a convenience accessor used by the Volume Pacer to
// compute this node's per-node share of the cluster target.
func (r *Registry) AliveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, p := range r.peers {
		if p.State == Alive {
			n++
		}
	}
	return n
}

// Get returns a copy of the peer record, if known.
func (r *Registry) Get(id uuid.UUID) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Self returns this node's own identity.
func (r *Registry) Self() uuid.UUID {
	return r.self
}

// RandomPeers returns up to n randomly selected ALIVE peers, excluding
// self and any identity in exclude. Used by gossip to pick fanout
// targets for both peer exchange and control-message forwarding.
func (r *Registry) RandomPeers(n int, exclude ...uuid.UUID) []Peer {
	excluded := make(map[uuid.UUID]bool, len(exclude)+1)
	excluded[r.self] = true
	for _, id := range exclude {
		excluded[id] = true
	}

	r.mu.RLock()
	candidates := make([]*Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if p.State == Alive && !excluded[id] {
			candidates = append(candidates, p)
		}
	}
	r.mu.RUnlock()

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]Peer, n)
	for i := 0; i < n; i++ {
		out[i] = *candidates[i]
	}
	return out
}

// All returns a stable copy of every known peer record regardless of
// state, used by gossip's liveness loop to reach SUSPECT as well as
// ALIVE peers.
func (r *Registry) All() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
