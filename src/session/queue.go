package session

import (
	"sync"

	"github.com/keepsimple1/heartwood/src/wire"
)

// queue is the bounded outbound buffer of a session with two priorities.
// Control messages (handshake, ping, pong, fetch negotiation) go on the
// high band and evict buffered gossip when space runs out; gossip goes on
// the low band and is dropped when the queue is full. A slow peer
// therefore degrades its own gossip feed but never wedges the session.
type queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	high, low []wire.Message
	capacity  int
	closed    bool
}

func newQueue(capacity int) *queue {
	q := &queue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// pushHigh enqueues a control message, evicting the oldest buffered gossip
// message if the queue is full. It fails only when the high band alone
// fills the queue, or the queue is closed.
func (q *queue) pushHigh(m wire.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if len(q.high)+len(q.low) >= q.capacity {
		if len(q.low) == 0 {
			return false
		}
		q.low = q.low[1:]
	}

	q.high = append(q.high, m)
	q.cond.Signal()
	return true
}

// pushLow enqueues a gossip message, dropping it if the queue is full.
func (q *queue) pushLow(m wire.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.high)+len(q.low) >= q.capacity {
		return false
	}

	q.low = append(q.low, m)
	q.cond.Signal()
	return true
}

// pop blocks until a message is available or the queue is closed. Control
// messages drain before gossip.
func (q *queue) pop() (wire.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.high) == 0 && len(q.low) == 0 && !q.closed {
		q.cond.Wait()
	}

	if len(q.high) > 0 {
		m := q.high[0]
		q.high = q.high[1:]
		return m, true
	}
	if len(q.low) > 0 {
		m := q.low[0]
		q.low = q.low[1:]
		return m, true
	}

	return nil, false
}

// drain stops intake but keeps buffered messages poppable; pop reports
// closed once the buffers are empty. Used for graceful session teardown.
func (q *queue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// close wakes all waiters. Buffered messages are discarded.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.high = nil
	q.low = nil
	q.cond.Broadcast()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.low)
}
