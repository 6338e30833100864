package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/peers"
	"github.com/keepsimple1/heartwood/src/wire"
)

// ID identifies a session for the lifetime of the process.
type ID = uint64

// State is the session lifecycle. Transitions only move forward.
type State uint32

const (
	Connecting State = iota
	Handshaking
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is delivered to the node's event channel by the session's reader
// goroutine. Msg is nil exactly when the session terminated; Err then
// carries the cause (nil on clean close).
type Event struct {
	Session ID
	Msg     wire.Message
	Err     error
}

// Session wraps one peer connection: a reader goroutine decoding frames
// into the shared event channel, and a writer goroutine draining the
// outbound queue. All other fields are owned by the node's reactor
// goroutine; only state crosses goroutines and is atomic.
type Session struct {
	id       ID
	conn     net.Conn
	state    uint32
	outbound *queue
	events   chan<- Event
	logger   *logrus.Entry

	closeOnce sync.Once

	// Reactor-owned bookkeeping. Not touched by the session's own
	// goroutines.
	Peer         crypto.NodeID
	Addr         peers.Address
	Inbound      bool
	Started      time.Time
	PingNonce    uint64
	PingSent     time.Time
	LastPong     time.Time
	AuthFailures int
}

// New wraps an established connection. Start must be called to begin
// reading and writing.
func New(id ID, conn net.Conn, inbound bool, queueSize int, events chan<- Event, logger *logrus.Entry) *Session {
	return &Session{
		id:       id,
		conn:     conn,
		outbound: newQueue(queueSize),
		events:   events,
		Inbound:  inbound,
		logger: logger.WithFields(logrus.Fields{
			"session": id,
			"remote":  conn.RemoteAddr().String(),
		}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() ID { return s.id }

// RemoteAddr returns the connection's remote address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(atomic.LoadUint32(&s.state))
}

// SetState advances the lifecycle state.
func (s *Session) SetState(st State) {
	atomic.StoreUint32(&s.state, uint32(st))
}

// Start launches the reader and writer goroutines.
func (s *Session) Start() {
	go s.readLoop()
	go s.writeLoop()
}

// SendControl enqueues a message on the high priority band.
func (s *Session) SendControl(m wire.Message) bool {
	ok := s.outbound.pushHigh(m)
	if !ok {
		s.logger.WithField("type", m.Type().String()).Warn("session: control message dropped")
	}
	return ok
}

// Send enqueues a gossip message on the low priority band. Dropping under
// backpressure is acceptable; gossip re-converges through later relays.
func (s *Session) Send(m wire.Message) bool {
	ok := s.outbound.pushLow(m)
	if !ok {
		s.logger.WithField("type", m.Type().String()).Debug("session: gossip message dropped")
	}
	return ok
}

// QueueLen returns the number of buffered outbound messages.
func (s *Session) QueueLen() int {
	return s.outbound.len()
}

// CloseGraceful stops intake and lets the writer flush the buffered
// outbound messages before the connection is closed. The grace period
// bounds the flush, so a peer that stopped reading cannot hold the
// session open.
func (s *Session) CloseGraceful(grace time.Duration) {
	s.SetState(Closing)
	s.outbound.drain()
	time.AfterFunc(grace, s.Close)
}

// Close tears the session down: the connection is closed, which unblocks
// the reader, and the outbound queue is drained no further. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.SetState(Closed)
		s.outbound.close()
		s.conn.Close()
	})
}

func (s *Session) readLoop() {
	for {
		msg, err := wire.ReadFrame(s.conn)
		if err != nil {
			if s.State() != Closed {
				s.events <- Event{Session: s.id, Err: err}
			} else {
				s.events <- Event{Session: s.id}
			}
			return
		}
		s.events <- Event{Session: s.id, Msg: msg}
	}
}

func (s *Session) writeLoop() {
	for {
		msg, ok := s.outbound.pop()
		if !ok {
			// The queue is drained or discarded; finish the close.
			s.Close()
			return
		}
		if err := wire.WriteFrame(s.conn, msg); err != nil {
			s.logger.WithError(err).Debug("session: write failed")
			// The reader will observe the broken connection and report it.
			s.Close()
			return
		}
	}
}
