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
)

// Default queue sizes and backpressure behavior per the transport spec:
// bounded inbound/outbound queues, non-CONTROL writes dropped past the
// high watermark, CONTROL writes block up to controlWriteTimeout then
// fail the session.
const (
	defaultQueueSize      = 512
	controlWriteTimeout   = 2 * time.Second
)

// Session is the single connection-oriented channel IronSwarm maintains
// per peer. Read and write sides run concurrently over two bounded
// queues; at most one Session exists per peer identity at a time.
type Session struct {
	PeerID uuid.UUID
	conn   net.Conn
	logger *zap.Logger

	inbound  chan Frame
	outbound chan Frame

	droppedTotal *atomic.Uint64
	closeOnce    sync.Once
	closed       chan struct{}
	closeErr     error
	muClose      sync.Mutex
}

// newSession wraps conn for peerID, starting its read and write pumps.
// droppedCounter, if non-nil, is incremented on every backpressure drop.
func newSession(ctx context.Context, peerID uuid.UUID, conn net.Conn, logger *zap.Logger, droppedCounter *atomic.Uint64) *Session {
	s := &Session{
		PeerID:       peerID,
		conn:         conn,
		logger:       logger,
		inbound:      make(chan Frame, defaultQueueSize),
		outbound:     make(chan Frame, defaultQueueSize),
		droppedTotal: droppedCounter,
		closed:       make(chan struct{}),
	}
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
	return s
}

// Inbound returns the channel of frames received from the peer.
func (s *Session) Inbound() <-chan Frame { return s.inbound }

// Closed returns a channel closed once the session has terminated,
// whether by I/O error, explicit Close, or context cancellation.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Err returns the error that caused the session to close, if any.
func (s *Session) Err() error {
	s.muClose.Lock()
	defer s.muClose.Unlock()
	return s.closeErr
}

// Send enqueues a frame for delivery. CONTROL frames block up to
// controlWriteTimeout and, on timeout, fail the session (per spec, the
// only frame kind permitted to apply backpressure upstream). All other
// kinds are dropped immediately once the outbound queue is full, with
// droppedTotal incremented.
func (s *Session) Send(f Frame) error {
	if f.Kind == KindControl {
		select {
		case s.outbound <- f:
			return nil
		case <-time.After(controlWriteTimeout):
			s.fail(fmt.Errorf("transport: control write timed out to peer %s", s.PeerID))
			return s.Err()
		case <-s.closed:
			return s.Err()
		}
	}

	select {
	case s.outbound <- f:
		return nil
	default:
		if s.droppedTotal != nil {
			s.droppedTotal.Add(1)
		}
		return nil
	}
}

// Close terminates the session and its pumps.
func (s *Session) Close() error {
	s.fail(nil)
	return nil
}

func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.muClose.Lock()
		s.closeErr = err
		s.muClose.Unlock()
		s.conn.Close()
		close(s.closed)
	})
}

func (s *Session) readLoop(ctx context.Context) {
	defer s.fail(nil)
	for {
		f, err := ReadFrame(s.conn)
		if err != nil {
			s.fail(fmt.Errorf("transport: read from %s: %w", s.PeerID, err))
			return
		}
		select {
		case s.inbound <- f:
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case f := <-s.outbound:
			if err := WriteFrame(s.conn, f); err != nil {
				s.fail(fmt.Errorf("transport: write to %s: %w", s.PeerID, err))
				return
			}
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		}
	}
}
