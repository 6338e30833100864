package node

import (
	"errors"
	"net"

	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/peers"
	"github.com/keepsimple1/heartwood/src/session"
)

// ErrShutdown is returned by commands issued against a node that is no
// longer running.
var ErrShutdown = errors.New("node: shut down")

// Status is a snapshot of the node for the API and CLI.
type Status struct {
	NodeID   string `json:"node_id"`
	Alias    string `json:"alias"`
	State    string `json:"state"`
	Sessions int    `json:"sessions"`
	Seeded   int    `json:"seeded"`
	Fetches  int    `json:"fetches_in_flight"`
}

// SessionInfo describes one peer session for the API and CLI.
type SessionInfo struct {
	ID      session.ID `json:"id"`
	Peer    string     `json:"peer,omitempty"`
	Remote  string     `json:"remote"`
	State   string     `json:"state"`
	Inbound bool       `json:"inbound"`
	Queued  int        `json:"queued"`
}

// Commands cross from API goroutines into the reactor, which owns all
// session state. Each carries its own reply channel.
type command interface{}

type connectCmd struct {
	addr  peers.Address
	reply chan error
}

type announceCmd struct {
	reply chan error
}

type fetchCmd struct {
	repo  crypto.RepoID
	reply chan error
}

type statusCmd struct {
	reply chan Status
}

type sessionsCmd struct {
	reply chan []SessionInfo
}

type shutdownCmd struct {
	reply chan struct{}
}

// dialResult carries an established outbound connection back into the
// reactor.
type dialResult struct {
	conn  net.Conn
	addr  peers.Address
	reply chan error
}
