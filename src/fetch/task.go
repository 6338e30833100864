package fetch

import (
	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/peers"
)

// Status is the outcome of a fetch task.
type Status uint8

const (
	Succeeded Status = iota
	Failed
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// Candidate is one peer a repository may be fetched from.
type Candidate struct {
	Node crypto.NodeID
	Addr peers.Address
}

// Result is reported back to the node when a task finishes. On success,
// Node and Addr identify the peer the data came from.
type Result struct {
	Repo     crypto.RepoID
	Status   Status
	Node     crypto.NodeID
	Addr     peers.Address
	Attempts int
	Err      error
}
