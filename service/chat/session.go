package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"NWChat/logger"
	"NWChat/tools/errs"
	"NWChat/tools/safe"
)

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosing
	StateClosed
)

const (
	sendQueueSize = 256
	writeWait     = 10 * time.Second
	// how long Close keeps flushing queued frames before discarding
	flushTimeout = 2 * time.Second
)

var (
	ErrSessionClosed = errs.NewCodeError(errs.CodeTransport, "session closed")
	ErrSendQueueFull = errs.NewCodeError(errs.CodeTransport, "send queue full")
)

// Session is one live connection of one user. All writes to the
// underlying websocket go through the session's own write pump; no
// other goroutine may touch the conn for writing.
type Session struct {
	ID       string
	UserID   string
	UserName string

	conn  *websocket.Conn
	sendQ chan []byte

	state       atomic.Int32
	heartbeatAt atomic.Int64 // unix nano

	done        chan struct{}
	closedCh    chan struct{} // closed once the session reaches Closed
	closeOnce   sync.Once
	closeCode   int
	closeReason string

	// invoked exactly once after the session reaches Closed; the
	// registry hangs its unregister here
	onClose func(*Session)
}

func NewSession(id, userID string, conn *websocket.Conn, onClose func(*Session)) *Session {
	s := &Session{
		ID:      id,
		UserID:  userID,
		conn:    conn,
		sendQ:    make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
		closedCh: make(chan struct{}),
		onClose:  onClose,
	}
	s.state.Store(int32(StateConnecting))
	s.heartbeatAt.Store(time.Now().UnixNano())
	return s
}

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Closed fires when the session reaches its terminal state; companion
// goroutines (presence renewal and the like) select on it instead of
// polling State.
func (s *Session) Closed() <-chan struct{} { return s.closedCh }

// Open transitions Connecting -> Open and starts the write pump.
func (s *Session) Open() bool {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return false
	}
	safe.Go(s.writePump)
	return true
}

// Send enqueues a frame without blocking. A full queue means the peer
// stopped reading; the session is closed rather than letting one slow
// client stall fan-out.
func (s *Session) Send(frame []byte) error {
	if s.State() != StateOpen {
		return ErrSessionClosed.Wrap()
	}
	select {
	case s.sendQ <- frame:
		return nil
	default:
		safe.Go(func() { s.Close(websocket.ClosePolicyViolation, "send queue overflow") })
		return ErrSendQueueFull.Wrap()
	}
}

// HeartbeatReceived refreshes the liveness timestamp. Any inbound
// frame counts, not only pongs.
func (s *Session) HeartbeatReceived() {
	s.heartbeatAt.Store(time.Now().UnixNano())
}

func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.heartbeatAt.Load())
}

// Close transitions to Closing, flushes queued frames best-effort and
// ends at Closed. Idempotent; later calls are no-ops. Connecting
// sessions (handshake failure) close immediately.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		prev := SessionState(s.state.Swap(int32(StateClosing)))
		s.closeCode = code
		s.closeReason = reason
		if prev == StateConnecting {
			// write pump never started
			s.sendClose()
			s.finish()
			return
		}
		close(s.done)
	})
}

func (s *Session) writePump() {
	for {
		select {
		case data := <-s.sendQ:
			if err := s.write(data); err != nil {
				logger.Infof("[session] write failed session=%s user=%s err=%v", s.ID, s.UserID, err)
				s.Close(websocket.CloseAbnormalClosure, "write error")
				// fall through to the done branch on the next spin
			}
		case <-s.done:
			s.flushAndClose()
			return
		}
	}
}

func (s *Session) flushAndClose() {
	deadline := time.Now().Add(flushTimeout)
	for draining := true; draining; {
		select {
		case data := <-s.sendQ:
			if time.Now().Before(deadline) {
				_ = s.write(data)
			}
			// past the deadline queued frames are discarded
		default:
			draining = false
		}
	}
	s.sendClose()
	s.finish()
}

func (s *Session) sendClose() {
	if s.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = s.conn.Close()
}

func (s *Session) finish() {
	s.state.Store(int32(StateClosed))
	close(s.closedCh)
	if s.onClose != nil {
		s.onClose(s)
	}
}

func (s *Session) write(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
