package peers

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/keepsimple1/heartwood/src/crypto"
)

// Address is a network endpoint where a node can be reached. Multiple
// addresses may map to the same NodeID.
type Address struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// ParseAddress parses a host:port string into an Address.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("parsing address %q: %w", s, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("parsing address %q: %w", s, err)
	}

	return Address{Host: host, Port: uint16(port)}, nil
}

// Source records how an address entered the address book.
type Source uint8

const (
	// SourceBootstrap marks addresses loaded from the peers.json file.
	SourceBootstrap Source = iota
	// SourcePeer marks addresses learned from node announcements.
	SourcePeer
)

func (s Source) String() string {
	switch s {
	case SourceBootstrap:
		return "bootstrap"
	case SourcePeer:
		return "peer"
	default:
		return "unknown"
	}
}

// Address score bounds. Scores move up on successful dials and fetches and
// down on failures; entries below MinScore are evicted from the book.
const (
	MinScore     = -3
	MaxScore     = 3
	DefaultScore = 0
)

// ClampScore bounds a score to [MinScore, MaxScore].
func ClampScore(score int) int {
	if score > MaxScore {
		return MaxScore
	}
	if score < MinScore {
		return MinScore
	}
	return score
}

// KnownAddress is an address book entry: an endpoint bound to a node
// identity, with bookkeeping used for candidate selection and eviction.
type KnownAddress struct {
	NodeID   crypto.NodeID
	Address  Address
	Source   Source
	LastSeen time.Time
	Score    int
}

// Peer is a bootstrap entry: a node identity with the addresses it
// advertises. This is the unit persisted in peers.json.
type Peer struct {
	ID        string    `json:"id"`
	Alias     string    `json:"alias,omitempty"`
	Addresses []Address `json:"addresses"`
}

// NewPeer builds a bootstrap entry for the given identity and addresses.
func NewPeer(id crypto.NodeID, alias string, addrs ...Address) *Peer {
	return &Peer{
		ID:        id.String(),
		Alias:     alias,
		Addresses: addrs,
	}
}

// NodeID parses the entry's identity string.
func (p *Peer) NodeID() (crypto.NodeID, error) {
	return crypto.ParseNodeID(p.ID)
}
