package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryan-h265/ironswarm/internal/wait"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// Transport owns the listening socket and the set of per-peer Sessions.
// Sessions are established lazily on first outbound need and on
// accept; duplicate sessions are resolved by the lower identity
// winning, per §4.1.
type Transport struct {
	Self        uuid.UUID
	ListenAddr  string
	listenHost  string
	listenPort  int
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session

	onInbound func(peerID uuid.UUID, f Frame)
	onFailed  func(peerID uuid.UUID, err error)

	droppedTotal atomic.Uint64

	listener net.Listener
	closing  chan struct{}
	wg       sync.WaitGroup
}

// New creates a Transport bound to listenAddr, announcing self as the
// node's identity.
func New(self uuid.UUID, listenAddr string, logger *zap.Logger) *Transport {
	return &Transport{
		Self:       self,
		ListenAddr: listenAddr,
		logger:     logger,
		sessions:   map[uuid.UUID]*Session{},
		closing:    make(chan struct{}),
	}
}

// OnInbound registers the callback invoked for every frame received
// from any session (gossip/control dispatch lives above this layer).
func (t *Transport) OnInbound(fn func(peerID uuid.UUID, f Frame)) { t.onInbound = fn }

// OnFailed registers the callback invoked when a session fails,
// allowing the registry to move the peer to SUSPECT.
func (t *Transport) OnFailed(fn func(peerID uuid.UUID, err error)) { t.onFailed = fn }

// Listen starts accepting inbound connections.
func (t *Transport) Listen(ctx context.Context) error {
	l, err := net.Listen("tcp", t.ListenAddr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", t.ListenAddr, err)
	}
	t.listener = l
	t.ListenAddr = l.Addr().String()

	t.wg.Add(1)
	go t.acceptLoop(ctx)
	return nil
}

// Addr returns the transport's actual bound address, resolved from
// the listener once Listen has run (useful when ListenAddr was given
// as "host:0" and the OS picked an ephemeral port).
func (t *Transport) Addr() string {
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.ListenAddr
}

func (t *Transport) acceptLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closing:
				return
			default:
			}
			t.logger.Warn("transport: accept failed", zap.Error(err))
			return
		}
		go t.handleAccept(ctx, conn)
	}
}

// handleAccept performs the passive side of the HELLO/HELLO_ACK
// handshake and, on success, installs the session (resolving
// duplicates by lower-identity-wins).
func (t *Transport) handleAccept(ctx context.Context, conn net.Conn) {
	frame, err := ReadFrame(conn)
	if err != nil || frame.Kind != KindHello {
		conn.Close()
		return
	}
	var hello Hello
	if err := frame.Decode(&hello); err != nil {
		conn.Close()
		return
	}
	if hello.Version != ProtocolVersion {
		conn.Close()
		return
	}
	if hello.Identity == t.Self {
		// Identity collision with ourselves: fatal at a higher layer;
		// here we just refuse the connection.
		conn.Close()
		return
	}

	ack, err := Encode(KindHelloAck, Hello{
		Identity: t.Self, ListenAddr: t.ListenAddr,
		Version: ProtocolVersion, Features: nil,
	})
	if err != nil {
		conn.Close()
		return
	}
	if err := WriteFrame(conn, ack); err != nil {
		conn.Close()
		return
	}

	t.installSession(ctx, hello.Identity, conn)
}

// Dial establishes an outbound session to peerID at addr if one does
// not already exist.
func (t *Transport) Dial(ctx context.Context, peerID uuid.UUID, addr string) (*Session, error) {
	t.mu.Lock()
	if s, ok := t.sessions[peerID]; ok {
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	hello, err := Encode(KindHello, Hello{
		Identity: t.Self, ListenAddr: t.ListenAddr,
		Version: ProtocolVersion, Features: nil,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := WriteFrame(conn, hello); err != nil {
		conn.Close()
		return nil, err
	}

	reply, err := ReadFrame(conn)
	if err != nil || reply.Kind != KindHelloAck {
		conn.Close()
		return nil, fmt.Errorf("transport: handshake with %s failed", addr)
	}
	var ack Hello
	if err := reply.Decode(&ack); err != nil || ack.Version != ProtocolVersion {
		conn.Close()
		return nil, fmt.Errorf("transport: handshake mismatch with %s", addr)
	}

	return t.installSession(ctx, peerID, conn), nil
}

// DialUnknown dials addr without prior knowledge of the remote's
// identity, the bootstrap case (§6's -b flag): it performs the
// handshake and learns the peer's identity from HELLO_ACK before
// installing the session, returning that identity so the caller can
// register it with the Peer Registry.
func (t *Transport) DialUnknown(ctx context.Context, addr string) (uuid.UUID, *Session, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	hello, err := Encode(KindHello, Hello{
		Identity: t.Self, ListenAddr: t.ListenAddr,
		Version: ProtocolVersion, Features: nil,
	})
	if err != nil {
		conn.Close()
		return uuid.Nil, nil, err
	}
	if err := WriteFrame(conn, hello); err != nil {
		conn.Close()
		return uuid.Nil, nil, err
	}

	reply, err := ReadFrame(conn)
	if err != nil || reply.Kind != KindHelloAck {
		conn.Close()
		return uuid.Nil, nil, fmt.Errorf("transport: handshake with %s failed", addr)
	}
	var ack Hello
	if err := reply.Decode(&ack); err != nil || ack.Version != ProtocolVersion {
		conn.Close()
		return uuid.Nil, nil, fmt.Errorf("transport: handshake mismatch with %s", addr)
	}
	if ack.Identity == t.Self {
		conn.Close()
		return uuid.Nil, nil, fmt.Errorf("transport: identity collision with self at %s", addr)
	}

	s := t.installSession(ctx, ack.Identity, conn)
	return ack.Identity, s, nil
}

// installSession resolves duplicate sessions (lower identity wins) and
// starts the new session's pumps.
func (t *Transport) installSession(ctx context.Context, peerID uuid.UUID, conn net.Conn) *Session {
	t.mu.Lock()
	if existing, ok := t.sessions[peerID]; ok {
		// Duplicate session: lower identity string wins, the other side
		// drops its session.
		if t.Self.String() < peerID.String() {
			t.mu.Unlock()
			conn.Close()
			return existing
		}
		existing.Close()
	}

	s := newSession(ctx, peerID, conn, t.logger, &t.droppedTotal)
	t.sessions[peerID] = s
	t.mu.Unlock()

	t.wg.Add(1)
	go t.pump(ctx, s)
	return s
}

// pump forwards inbound frames to the registered callback. On session
// failure it removes the session and reports the failure through the
// OnFailed callback; it does not redial the peer (ReconnectLoop is not
// started from here).
func (t *Transport) pump(ctx context.Context, s *Session) {
	defer t.wg.Done()
	for {
		select {
		case f := <-s.Inbound():
			if t.onInbound != nil {
				t.onInbound(s.PeerID, f)
			}
		case <-s.Closed():
			t.mu.Lock()
			if t.sessions[s.PeerID] == s {
				delete(t.sessions, s.PeerID)
			}
			t.mu.Unlock()
			if t.onFailed != nil {
				t.onFailed(s.PeerID, s.Err())
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// Send delivers a frame to peerID's session, if one exists.
func (t *Transport) Send(peerID uuid.UUID, f Frame) error {
	t.mu.Lock()
	s, ok := t.sessions[peerID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no session to %s", peerID)
	}
	return s.Send(f)
}

// Session returns the current session for peerID, if any.
func (t *Transport) Session(peerID uuid.UUID) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[peerID]
	return s, ok
}

// DroppedTotal reports the cumulative count of non-CONTROL frames
// dropped by backpressure across all sessions.
func (t *Transport) DroppedTotal() uint64 {
	return t.droppedTotal.Load()
}

// Shutdown stops accepting connections and closes all sessions.
func (t *Transport) Shutdown() {
	close(t.closing)
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	for _, s := range t.sessions {
		s.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// ReconnectLoop runs until ctx is cancelled, attempting to (re)dial
// addr for peerID with full-jitter exponential backoff whenever no
// session currently exists. It never gives up; removal from
// configuration is the only thing that stops it (the caller cancels
// ctx when the peer is removed).
func (t *Transport) ReconnectLoop(ctx context.Context, peerID uuid.UUID, addrFn func() string) {
	bo := wait.NewBackoff(backoffBase, 2, backoffCap)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.mu.Lock()
		_, exists := t.sessions[peerID]
		t.mu.Unlock()

		if exists {
			bo.Reset()
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		addr := addrFn()
		if addr != "" {
			if _, err := t.Dial(ctx, peerID, addr); err != nil {
				t.logger.Debug("transport: reconnect attempt failed",
					zap.String("peer", peerID.String()), zap.Error(err))
				bo.Backoff()
			} else {
				bo.Reset()
				continue
			}
		} else {
			bo.Backoff()
		}

		select {
		case <-bo.After():
		case <-ctx.Done():
			return
		}
	}
}
