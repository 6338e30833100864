package transfer

import (
	"context"
	"sync"

	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/peers"
)

// FetchCall records one Fetch invocation on the in-memory collaborator.
type FetchCall struct {
	Repo crypto.RepoID
	From peers.Address
}

// InmemTransfer is a scriptable collaborator for tests and for running a
// node without a real replication backend. The zero behavior is to succeed
// every fetch and report an empty inventory.
type InmemTransfer struct {
	mu      sync.Mutex
	calls   []FetchCall
	repos   []crypto.RepoID
	digests map[crypto.RepoID][32]byte

	// FetchFunc, when set, decides the outcome of each Fetch.
	FetchFunc func(ctx context.Context, repo crypto.RepoID, from peers.Address) error
}

// NewInmemTransfer creates an in-memory collaborator seeded with the given
// local inventory.
func NewInmemTransfer(repos ...crypto.RepoID) *InmemTransfer {
	return &InmemTransfer{
		repos:   repos,
		digests: make(map[crypto.RepoID][32]byte),
	}
}

// Fetch implements Transfer.
func (t *InmemTransfer) Fetch(ctx context.Context, repo crypto.RepoID, from peers.Address) error {
	t.mu.Lock()
	t.calls = append(t.calls, FetchCall{Repo: repo, From: from})
	fn := t.FetchFunc
	t.mu.Unlock()

	if fn != nil {
		return fn(ctx, repo, from)
	}
	return nil
}

// Inventory implements Transfer.
func (t *InmemTransfer) Inventory(ctx context.Context) ([]crypto.RepoID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]crypto.RepoID(nil), t.repos...), nil
}

// RefsDigest implements Transfer.
func (t *InmemTransfer) RefsDigest(ctx context.Context, repo crypto.RepoID) ([32]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.digests[repo], nil
}

// Close implements Transfer.
func (t *InmemTransfer) Close() error { return nil }

// SetInventory replaces the reported local inventory.
func (t *InmemTransfer) SetInventory(repos ...crypto.RepoID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.repos = repos
}

// SetRefsDigest scripts the digest returned for a repository.
func (t *InmemTransfer) SetRefsDigest(repo crypto.RepoID, digest [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.digests[repo] = digest
}

// Calls returns the recorded Fetch invocations.
func (t *InmemTransfer) Calls() []FetchCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]FetchCall(nil), t.calls...)
}
