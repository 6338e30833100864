package node

import (
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keepsimple1/heartwood/src/config"
	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/peers"
	"github.com/keepsimple1/heartwood/src/store"
	"github.com/keepsimple1/heartwood/src/transfer"
	"github.com/keepsimple1/heartwood/src/wire"
)

type testNode struct {
	node     *Node
	store    *store.Store
	transfer *transfer.InmemTransfer
	key      *crypto.Key
}

func testNodeConfig(t *testing.T, alias string) *config.Config {
	t.Helper()

	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.SetDataDir(t.TempDir())
	conf.BindAddr = "127.0.0.1:0"
	conf.Alias = alias
	conf.AnnouncePeriod = time.Hour
	conf.PingInterval = time.Hour
	conf.PrunePeriod = time.Hour
	conf.FetchTimeout = 2 * time.Second

	return conf
}

func newTestNode(t *testing.T, alias string, seeded ...crypto.RepoID) *testNode {
	t.Helper()
	return startTestNode(t, testNodeConfig(t, alias), seeded...)
}

func startTestNode(t *testing.T, conf *config.Config, seeded ...crypto.RepoID) *testNode {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	st, err := store.New(filepath.Join(conf.DataDir, "node.db"), conf.Logger())
	if err != nil {
		t.Fatal(err)
	}

	trans := transfer.NewInmemTransfer(seeded...)

	n, err := NewNode(conf, key, st, trans, conf.Logger())
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Init(); err != nil {
		t.Fatal(err)
	}
	go n.Run()

	t.Cleanup(func() {
		n.Shutdown()
		st.Close()
	})

	return &testNode{node: n, store: st, transfer: trans, key: key}
}

func (tn *testNode) address(t *testing.T) peers.Address {
	t.Helper()

	addr, err := peers.ParseAddress(tn.node.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandshake(t *testing.T) {
	a := newTestNode(t, "alice")
	b := newTestNode(t, "bob")

	if err := a.node.Connect(b.address(t)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "both sessions active", func() bool {
		return a.node.Status().Sessions == 1 && b.node.Status().Sessions == 1
	})

	sessions := a.node.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].Peer != b.node.ID().String() {
		t.Fatalf("unexpected peer %s", sessions[0].Peer)
	}
	if sessions[0].Inbound {
		t.Fatal("outbound session marked inbound")
	}
}

func TestConnectToSelfIsRejected(t *testing.T) {
	a := newTestNode(t, "alice")

	// The dial itself succeeds; the handshake detects the loop.
	if err := a.node.Connect(a.address(t)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "self session torn down", func() bool {
		return len(a.node.Sessions()) == 0
	})
}

func TestAnnouncementsPropagateAcrossHops(t *testing.T) {
	repo := crypto.HashRepoID([]byte("propagated"))

	a := newTestNode(t, "alice", repo)
	b := newTestNode(t, "bob")
	c := newTestNode(t, "carol")

	// Line topology: a - b - c.
	if err := b.node.Connect(a.address(t)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a-b active", func() bool { return b.node.Status().Sessions == 1 })

	if err := c.node.Connect(b.address(t)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "b-c active", func() bool { return c.node.Status().Sessions == 1 })

	// Alice re-announces now that the whole line is up.
	if err := a.node.AnnounceInventory(); err != nil {
		t.Fatal(err)
	}

	// Carol, two hops away, learns that Alice seeds the repo.
	waitFor(t, "routing to reach carol", func() bool {
		table, err := c.node.RoutingTable()
		if err != nil {
			return false
		}
		for _, seeder := range table[repo] {
			if seeder == a.node.ID() {
				return true
			}
		}
		return false
	})

	// And Bob learned Alice's address from her node announcement.
	waitFor(t, "bob to learn alice's address", func() bool {
		addrs, err := b.node.KnownAddresses()
		if err != nil {
			return false
		}
		for _, ka := range addrs {
			if ka.NodeID == a.node.ID() {
				return true
			}
		}
		return false
	})
}

func TestFetchNow(t *testing.T) {
	repo := crypto.HashRepoID([]byte("wanted"))

	a := newTestNode(t, "alice", repo)
	b := newTestNode(t, "bob", repo)

	if err := b.node.Connect(a.address(t)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session active", func() bool { return b.node.Status().Sessions == 1 })

	// Bob learns from Alice's inventory announcement that she seeds the
	// repo, and from her node announcement where to reach her.
	waitFor(t, "bob to learn alice seeds the repo", func() bool {
		table, err := b.node.RoutingTable()
		if err != nil {
			return false
		}
		return len(table[repo]) == 1
	})
	waitFor(t, "bob to learn alice's address", func() bool {
		addrs, err := b.node.KnownAddresses()
		return err == nil && len(addrs) > 0
	})

	if err := b.node.FetchNow(repo); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "fetch to hit the collaborator", func() bool {
		for _, call := range b.transfer.Calls() {
			if call.Repo == repo {
				return true
			}
		}
		return false
	})

	// After a successful fetch, Bob announces his refs; Alice seeds the
	// repo too, so she stores the refs announcement.
	waitFor(t, "alice to receive bob's refs announcement", func() bool {
		_, err := a.store.Announcement(b.node.ID(), wire.KindRefs, repo)
		return err == nil
	})
}

func TestFetchNowWithoutCandidates(t *testing.T) {
	a := newTestNode(t, "alice")

	err := a.node.FetchNow(crypto.HashRepoID([]byte("nowhere")))
	if err == nil {
		t.Fatal("expected an error with no known seeders")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	a := newTestNode(t, "alice")

	a.node.Shutdown()
	a.node.Shutdown()

	if got := a.node.GetState(); got != Shutdown {
		t.Fatalf("expected Shutdown, got %s", got)
	}
	if err := a.node.Connect(peers.Address{Host: "127.0.0.1", Port: 1}); err != ErrShutdown {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}

func TestConcurrentShutdown(t *testing.T) {
	a := newTestNode(t, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.node.Shutdown()
		}()
	}
	wg.Wait()

	if got := a.node.GetState(); got != Shutdown {
		t.Fatalf("expected Shutdown, got %s", got)
	}
}

func TestSilentPeerHandshakeTimesOut(t *testing.T) {
	conf := testNodeConfig(t, "alice")
	conf.PingInterval = 50 * time.Millisecond
	conf.PongTimeout = 200 * time.Millisecond
	conf.CloseGrace = 100 * time.Millisecond
	a := startTestNode(t, conf)

	// Connect but never speak; the node must not hold the slot forever.
	conn, err := net.Dial("tcp", a.node.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	waitFor(t, "silent session registered", func() bool {
		return len(a.node.Sessions()) == 1
	})
	waitFor(t, "silent session dropped", func() bool {
		return len(a.node.Sessions()) == 0
	})
}

func TestRepeatedInvalidSignaturesDropSession(t *testing.T) {
	conf := testNodeConfig(t, "alice")
	conf.CloseGrace = 100 * time.Millisecond
	a := startTestNode(t, conf)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	// A known address for the misbehaving peer, so the penalty is visible.
	addr := peers.Address{Host: "127.0.0.1", Port: 9999}
	if err := a.store.UpsertAddress(&peers.KnownAddress{
		NodeID:   key.NodeID(),
		Address:  addr,
		Source:   peers.SourcePeer,
		LastSeen: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", a.node.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	hs := &wire.Handshake{ProtoVersion: wire.ProtoVersion, NodeID: key.NodeID(), Nonce: 1}
	wire.SignHandshake(key, hs)
	if err := wire.WriteFrame(conn, hs); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "session active", func() bool {
		return a.node.Status().Sessions == 1
	})

	// Announcements tampered after signing fail verification.
	for i := 0; i < 3; i++ {
		ann := &wire.InventoryAnnouncement{
			NodeID:    key.NodeID(),
			Timestamp: uint64(100 + i),
		}
		wire.Sign(key, ann)
		ann.Timestamp++
		if err := wire.WriteFrame(conn, ann.WithTTL(6)); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "session closed after repeated failures", func() bool {
		return len(a.node.Sessions()) == 0
	})

	// Each failure demoted the peer's address score.
	addrs, err := a.store.Addresses(key.NodeID())
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || addrs[0].Score != peers.MinScore {
		t.Fatalf("expected score %d, got %+v", peers.MinScore, addrs)
	}
}
