package session

import (
	"net"
	"testing"
	"time"

	"github.com/keepsimple1/heartwood/src/common"
	"github.com/keepsimple1/heartwood/src/wire"
)

func TestQueuePriority(t *testing.T) {
	q := newQueue(10)

	q.pushLow(&wire.Ping{Nonce: 1})
	q.pushHigh(&wire.Pong{Nonce: 2})
	q.pushLow(&wire.Ping{Nonce: 3})

	// Control drains before gossip regardless of arrival order.
	m, ok := q.pop()
	if !ok {
		t.Fatal("pop failed")
	}
	if pong, isPong := m.(*wire.Pong); !isPong || pong.Nonce != 2 {
		t.Fatalf("expected pong first, got %+v", m)
	}

	for _, want := range []uint64{1, 3} {
		m, ok := q.pop()
		if !ok {
			t.Fatal("pop failed")
		}
		if ping, isPing := m.(*wire.Ping); !isPing || ping.Nonce != want {
			t.Fatalf("expected ping %d, got %+v", want, m)
		}
	}
}

func TestQueueLowDroppedWhenFull(t *testing.T) {
	q := newQueue(2)

	if !q.pushLow(&wire.Ping{Nonce: 1}) || !q.pushLow(&wire.Ping{Nonce: 2}) {
		t.Fatal("push within capacity failed")
	}
	if q.pushLow(&wire.Ping{Nonce: 3}) {
		t.Fatal("push over capacity succeeded")
	}
	if q.len() != 2 {
		t.Fatalf("expected 2 buffered, got %d", q.len())
	}
}

func TestQueueHighEvictsLow(t *testing.T) {
	q := newQueue(2)

	q.pushLow(&wire.Ping{Nonce: 1})
	q.pushLow(&wire.Ping{Nonce: 2})

	if !q.pushHigh(&wire.Pong{Nonce: 9}) {
		t.Fatal("control push failed with gossip to evict")
	}

	// The oldest gossip message was evicted; control comes out first.
	m, _ := q.pop()
	if _, ok := m.(*wire.Pong); !ok {
		t.Fatalf("expected pong, got %+v", m)
	}
	m, _ = q.pop()
	if ping, ok := m.(*wire.Ping); !ok || ping.Nonce != 2 {
		t.Fatalf("expected ping 2 to survive eviction, got %+v", m)
	}
}

func TestQueueHighFullFails(t *testing.T) {
	q := newQueue(2)

	q.pushHigh(&wire.Pong{Nonce: 1})
	q.pushHigh(&wire.Pong{Nonce: 2})

	if q.pushHigh(&wire.Pong{Nonce: 3}) {
		t.Fatal("control push succeeded past a full high band")
	}
}

func TestQueueDrainDeliversBuffered(t *testing.T) {
	q := newQueue(4)

	q.pushLow(&wire.Ping{Nonce: 1})
	q.pushLow(&wire.Ping{Nonce: 2})
	q.drain()

	// Intake is closed, the backlog is not.
	if q.pushLow(&wire.Ping{Nonce: 3}) {
		t.Fatal("push succeeded on a drained queue")
	}
	for _, want := range []uint64{1, 2} {
		m, ok := q.pop()
		if !ok {
			t.Fatalf("buffered message %d discarded by drain", want)
		}
		if ping, isPing := m.(*wire.Ping); !isPing || ping.Nonce != want {
			t.Fatalf("expected ping %d, got %+v", want, m)
		}
	}
	if _, ok := q.pop(); ok {
		t.Fatal("pop returned a message past the backlog")
	}
}

func TestQueueCloseUnblocksPop(t *testing.T) {
	q := newQueue(2)
	done := make(chan struct{})

	go func() {
		if _, ok := q.pop(); ok {
			t.Error("pop returned a message after close")
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	q.close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock on close")
	}

	if q.pushLow(&wire.Ping{Nonce: 1}) || q.pushHigh(&wire.Pong{Nonce: 1}) {
		t.Fatal("push succeeded on a closed queue")
	}
}

func TestSessionDeliversMessages(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	events := make(chan Event, 16)
	s := New(1, a, false, 16, events, common.NewTestEntry(t))
	s.Start()
	defer s.Close()

	if !s.SendControl(&wire.Ping{Nonce: 7}) {
		t.Fatal("send failed")
	}

	// The peer reads the frame off the raw connection.
	msg, err := wire.ReadFrame(b)
	if err != nil {
		t.Fatal(err)
	}
	if ping, ok := msg.(*wire.Ping); !ok || ping.Nonce != 7 {
		t.Fatalf("expected ping 7, got %+v", msg)
	}

	// And writes one back, which surfaces as an event.
	if err := wire.WriteFrame(b, &wire.Pong{Nonce: 7}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if pong, ok := ev.Msg.(*wire.Pong); !ok || pong.Nonce != 7 {
			t.Fatalf("expected pong event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSessionReportsPeerClose(t *testing.T) {
	a, b := net.Pipe()

	events := make(chan Event, 16)
	s := New(2, a, true, 16, events, common.NewTestEntry(t))
	s.Start()
	defer s.Close()

	b.Close()

	select {
	case ev := <-events:
		if ev.Msg != nil {
			t.Fatalf("expected termination event, got message %+v", ev.Msg)
		}
		if ev.Err == nil {
			t.Fatal("expected an error from an unexpected close")
		}
	case <-time.After(time.Second):
		t.Fatal("no termination event delivered")
	}
}

func TestSessionCloseIsClean(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	events := make(chan Event, 16)
	s := New(3, a, false, 16, events, common.NewTestEntry(t))
	s.Start()

	s.Close()
	s.Close() // idempotent

	select {
	case ev := <-events:
		if ev.Msg != nil {
			t.Fatalf("expected termination event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no termination event delivered")
	}

	if s.State() != Closed {
		t.Fatalf("expected closed state, got %s", s.State())
	}
}

func TestCloseGracefulFlushesOutbound(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	events := make(chan Event, 16)
	s := New(4, a, false, 16, events, common.NewTestEntry(t))
	s.Start()

	if !s.Send(&wire.Ping{Nonce: 9}) {
		t.Fatal("send failed")
	}
	s.CloseGraceful(time.Second)

	// The buffered message still reaches the peer.
	msg, err := wire.ReadFrame(b)
	if err != nil {
		t.Fatal(err)
	}
	if ping, ok := msg.(*wire.Ping); !ok || ping.Nonce != 9 {
		t.Fatalf("expected ping 9, got %+v", msg)
	}

	// Then the connection closes cleanly.
	if _, err := wire.ReadFrame(b); err == nil {
		t.Fatal("connection still open after flush")
	}
	select {
	case ev := <-events:
		if ev.Msg != nil {
			t.Fatalf("expected termination event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no termination event delivered")
	}
}

func TestCloseGracefulForcesCloseAfterGrace(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	events := make(chan Event, 16)
	s := New(5, a, false, 16, events, common.NewTestEntry(t))
	s.Start()

	// The peer never reads, so the writer stays blocked on the flush.
	s.Send(&wire.Ping{Nonce: 1})
	s.CloseGraceful(50 * time.Millisecond)

	select {
	case ev := <-events:
		if ev.Msg != nil {
			t.Fatalf("expected termination event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("grace period did not force the close")
	}
	if s.State() != Closed {
		t.Fatalf("expected closed state, got %s", s.State())
	}
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		Connecting:  "connecting",
		Handshaking: "handshaking",
		Active:      "active",
		Closing:     "closing",
		Closed:      "closed",
	}
	for st, want := range states {
		if st.String() != want {
			t.Fatalf("state %d: got %s, want %s", st, st.String(), want)
		}
	}
}
