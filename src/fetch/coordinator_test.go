package fetch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/keepsimple1/heartwood/src/common"
	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/peers"
	"github.com/keepsimple1/heartwood/src/store"
	"github.com/keepsimple1/heartwood/src/transfer"
)

func testConfig() Config {
	return Config{
		MaxInFlight: 2,
		Timeout:     100 * time.Millisecond,
		MaxAttempts: 3,
	}
}

type harness struct {
	coord    *Coordinator
	transfer *transfer.InmemTransfer
	store    *store.Store

	mu      sync.Mutex
	results []Result
	done    chan Result
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "node.db"), common.NewTestEntry(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{
		transfer: transfer.NewInmemTransfer(),
		store:    st,
		done:     make(chan Result, 16),
	}
	h.coord = NewCoordinator(cfg, h.transfer, st, func(res Result) {
		h.mu.Lock()
		h.results = append(h.results, res)
		h.mu.Unlock()
		h.done <- res
	}, common.NewTestEntry(t))
	t.Cleanup(h.coord.Stop)

	return h
}

func (h *harness) wait(t *testing.T) Result {
	t.Helper()
	select {
	case res := <-h.done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no fetch result")
		return Result{}
	}
}

func testCandidate(t *testing.T, seed byte, host string) Candidate {
	t.Helper()

	var s [32]byte
	s[0] = seed
	key, err := crypto.KeyFromSeed(s[:])
	if err != nil {
		t.Fatal(err)
	}
	return Candidate{
		Node: key.NodeID(),
		Addr: peers.Address{Host: host, Port: 8776},
	}
}

func (h *harness) seedAddress(t *testing.T, cand Candidate) {
	t.Helper()

	err := h.store.UpsertAddress(&peers.KnownAddress{
		NodeID:   cand.Node,
		Address:  cand.Addr,
		Source:   peers.SourcePeer,
		LastSeen: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFetchSucceedsAndPromotes(t *testing.T) {
	h := newHarness(t, testConfig())
	repo := crypto.HashRepoID([]byte("r"))
	cand := testCandidate(t, 1, "10.0.0.1")
	h.seedAddress(t, cand)

	if !h.coord.Schedule(repo, []Candidate{cand}) {
		t.Fatal("schedule refused")
	}

	res := h.wait(t)
	if res.Status != Succeeded || res.Node != cand.Node || res.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	addrs, err := h.store.Addresses(cand.Node)
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || addrs[0].Score != 1 {
		t.Fatalf("successful peer not promoted: %+v", addrs)
	}
}

func TestScheduleIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	repo := crypto.HashRepoID([]byte("r"))
	cand := testCandidate(t, 1, "10.0.0.1")

	release := make(chan struct{})
	h.transfer.FetchFunc = func(ctx context.Context, _ crypto.RepoID, _ peers.Address) error {
		<-release
		return nil
	}

	if !h.coord.Schedule(repo, []Candidate{cand}) {
		t.Fatal("first schedule refused")
	}
	if h.coord.Schedule(repo, []Candidate{cand}) {
		t.Fatal("duplicate schedule accepted while in flight")
	}

	close(release)
	h.wait(t)

	if len(h.transfer.Calls()) != 1 {
		t.Fatalf("expected exactly 1 fetch, got %d", len(h.transfer.Calls()))
	}

	// Once finished, the repository can be scheduled again.
	if !h.coord.Schedule(repo, []Candidate{cand}) {
		t.Fatal("re-schedule after completion refused")
	}
	h.wait(t)
}

func TestFetchFallsBackToNextCandidate(t *testing.T) {
	h := newHarness(t, testConfig())
	repo := crypto.HashRepoID([]byte("r"))
	bad := testCandidate(t, 1, "10.0.0.1")
	good := testCandidate(t, 2, "10.0.0.2")
	h.seedAddress(t, bad)
	h.seedAddress(t, good)

	h.transfer.FetchFunc = func(ctx context.Context, _ crypto.RepoID, from peers.Address) error {
		if from == bad.Addr {
			return errors.New("connection refused")
		}
		return nil
	}

	h.coord.Schedule(repo, []Candidate{bad, good})

	res := h.wait(t)
	if res.Status != Succeeded || res.Node != good.Node || res.Attempts != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	// The failing peer was demoted, the succeeding one promoted.
	badAddrs, _ := h.store.Addresses(bad.Node)
	if len(badAddrs) != 1 || badAddrs[0].Score != -1 {
		t.Fatalf("failing peer not demoted: %+v", badAddrs)
	}
	goodAddrs, _ := h.store.Addresses(good.Node)
	if len(goodAddrs) != 1 || goodAddrs[0].Score != 1 {
		t.Fatalf("succeeding peer not promoted: %+v", goodAddrs)
	}
}

func TestFetchTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	h := newHarness(t, cfg)

	repo := crypto.HashRepoID([]byte("r"))
	cand := testCandidate(t, 1, "10.0.0.1")
	h.seedAddress(t, cand)

	h.transfer.FetchFunc = func(ctx context.Context, _ crypto.RepoID, _ peers.Address) error {
		<-ctx.Done()
		return ctx.Err()
	}

	h.coord.Schedule(repo, []Candidate{cand})

	res := h.wait(t)
	if res.Status != TimedOut {
		t.Fatalf("expected timed-out, got %+v", res)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", res.Err)
	}

	// The timed-out slot is freed for new work.
	h.transfer.FetchFunc = nil
	if !h.coord.Schedule(repo, []Candidate{cand}) {
		t.Fatal("schedule after timeout refused")
	}
	if res := h.wait(t); res.Status != Succeeded {
		t.Fatalf("expected success after retry, got %+v", res)
	}
}

func TestMaxAttemptsBoundsCandidates(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	h := newHarness(t, cfg)

	repo := crypto.HashRepoID([]byte("r"))
	candidates := []Candidate{
		testCandidate(t, 1, "10.0.0.1"),
		testCandidate(t, 2, "10.0.0.2"),
		testCandidate(t, 3, "10.0.0.3"),
	}

	h.transfer.FetchFunc = func(ctx context.Context, _ crypto.RepoID, _ peers.Address) error {
		return errors.New("nope")
	}

	h.coord.Schedule(repo, candidates)

	res := h.wait(t)
	if res.Status != Failed || res.Attempts != 2 {
		t.Fatalf("expected failure after 2 attempts, got %+v", res)
	}
	if len(h.transfer.Calls()) != 2 {
		t.Fatalf("expected 2 fetch calls, got %d", len(h.transfer.Calls()))
	}
}

func TestMaxInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInFlight = 1
	h := newHarness(t, cfg)

	started := make(chan struct{}, 4)
	release := make(chan struct{})
	h.transfer.FetchFunc = func(ctx context.Context, _ crypto.RepoID, _ peers.Address) error {
		started <- struct{}{}
		<-release
		return nil
	}

	cand := testCandidate(t, 1, "10.0.0.1")
	h.coord.Schedule(crypto.HashRepoID([]byte("a")), []Candidate{cand})
	h.coord.Schedule(crypto.HashRepoID([]byte("b")), []Candidate{cand})

	<-started
	select {
	case <-started:
		t.Fatal("second fetch started past the in-flight bound")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	h.wait(t)
	h.wait(t)
}

func TestScheduleWithoutCandidatesFails(t *testing.T) {
	h := newHarness(t, testConfig())

	if !h.coord.Schedule(crypto.HashRepoID([]byte("r")), nil) {
		t.Fatal("schedule refused")
	}
	res := h.wait(t)
	if res.Status != Failed {
		t.Fatalf("expected failure, got %+v", res)
	}
}
