// Package transfer abstracts the local replication collaborator: the
// component that actually moves repository data once the node has decided
// what to fetch and from whom. The node never touches repository storage
// itself; it only coordinates.
package transfer

import (
	"context"

	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/peers"
)

// Transfer is the contract between the node and the replication
// collaborator.
type Transfer interface {
	// Fetch replicates the repository from the given peer address. It
	// blocks until the transfer completes, fails, or ctx expires.
	Fetch(ctx context.Context, repo crypto.RepoID, from peers.Address) error

	// Inventory returns the set of repositories available locally.
	Inventory(ctx context.Context) ([]crypto.RepoID, error)

	// RefsDigest returns a digest of the repository's current refs, used
	// when announcing local updates.
	RefsDigest(ctx context.Context, repo crypto.RepoID) ([32]byte, error)

	// Close releases the collaborator connection.
	Close() error
}
