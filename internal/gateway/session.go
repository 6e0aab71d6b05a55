package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateJoined
	stateClosed
)

// Session is one live connection. Its outbound queue is bounded: enqueueing
// never blocks, and a full queue drops the whole session rather than growing
// memory, since a reconnect re-fetches a full snapshot anyway.
type Session struct {
	ID          string
	PrincipalID string

	conn      *websocket.Conn
	projectID string
	state     atomic.Int32
	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(principalID string, conn *websocket.Conn, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Session{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		conn:        conn,
		outbound:    make(chan []byte, queueSize),
		done:        make(chan struct{}),
	}
}

func (s *Session) join(projectID string) {
	s.projectID = projectID
	s.state.Store(int32(stateJoined))
}

// ProjectID is the room this session joined, empty while connecting.
func (s *Session) ProjectID() string {
	return s.projectID
}

func (s *Session) Closed() bool {
	return sessionState(s.state.Load()) == stateClosed
}

// Send enqueues a frame without blocking. It reports false when the session
// is gone; a full queue closes the session first (slow-consumer drop).
func (s *Session) Send(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbound <- data:
		return true
	default:
		s.close(websocket.StatusPolicyViolation, "outbound queue overflow")
		return false
	}
}

// writeLoop drains the outbound queue onto the connection and keeps the
// connection alive with periodic pings.
func (s *Session) writeLoop(ctx context.Context, pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case data := <-s.outbound:
			if err := s.write(ctx, data, writeTimeout); err != nil {
				s.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := s.ping(ctx, writeTimeout); err != nil {
				s.close(websocket.StatusAbnormalClosure, "ping failed")
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			s.close(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}

func (s *Session) write(ctx context.Context, data []byte, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.conn.Write(wctx, websocket.MessageText, data)
}

func (s *Session) ping(ctx context.Context, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.conn.Ping(wctx)
}

// close transitions the session to its terminal state. A closed session is
// never rejoined; reconnects get a fresh session id and a fresh snapshot.
func (s *Session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosed))
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close(code, reason)
		}
	})
}
