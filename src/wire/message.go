package wire

import (
	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/peers"
)

// ProtoVersion is the protocol version spoken by this node. Peers with an
// incompatible version are rejected during the handshake.
const ProtoVersion uint16 = 1

// Type tags a wire message.
type Type uint8

const (
	TypeHandshake Type = iota + 1
	TypePing
	TypePong
	TypeNodeAnnouncement
	TypeInventoryAnnouncement
	TypeRefsAnnouncement
	TypeFetchRequest
	TypeFetchResponse
)

func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "handshake"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeNodeAnnouncement:
		return "node-announcement"
	case TypeInventoryAnnouncement:
		return "inventory-announcement"
	case TypeRefsAnnouncement:
		return "refs-announcement"
	case TypeFetchRequest:
		return "fetch-request"
	case TypeFetchResponse:
		return "fetch-response"
	default:
		return "unknown"
	}
}

// Kind identifies the class of fact an announcement asserts. The persistent
// store keeps the newest announcement per (node, kind) pair.
type Kind uint8

const (
	KindNode Kind = iota + 1
	KindInventory
	KindRefs
)

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindInventory:
		return "inventory"
	case KindRefs:
		return "refs"
	default:
		return "unknown"
	}
}

// Message is the tagged union of everything that can cross the wire. New
// message kinds require updating Decode and every consumer switch.
type Message interface {
	Type() Type

	encodePayload(e *encoder)
	decodePayload(d *decoder)
}

// Announcement is a signed, timestamped fact propagated by gossip. The
// signature covers the canonical encoding of every field except the
// signature itself and the relay TTL, so a relayed copy stays verifiable.
type Announcement interface {
	Message

	Kind() Kind
	Announcer() crypto.NodeID
	Time() uint64
	TTL() uint8
	SignedBytes() []byte
	Sig() []byte
	SetSig(sig []byte)

	// WithTTL returns a copy of the announcement carrying the given TTL,
	// leaving the signed fields untouched. Used when relaying.
	WithTTL(ttl uint8) Announcement
}

// Sign signs the announcement with the node's key.
func Sign(key *crypto.Key, a Announcement) {
	a.SetSig(key.Sign(a.SignedBytes()))
}

// VerifyAnnouncement reports whether the announcement's signature is valid
// for the claimed announcer.
func VerifyAnnouncement(a Announcement) bool {
	return crypto.Verify(a.Announcer(), a.SignedBytes(), a.Sig())
}

// Handshake opens a session. The signature covers the version, nonce and
// node id, proving possession of the claimed identity key.
type Handshake struct {
	ProtoVersion uint16
	NodeID       crypto.NodeID
	Nonce        uint64
	Signature    []byte
}

func (m *Handshake) Type() Type { return TypeHandshake }

// SignedBytes returns the canonical bytes covered by the handshake
// signature.
func (m *Handshake) SignedBytes() []byte {
	e := newEncoder()
	e.u8(uint8(TypeHandshake))
	e.u16(m.ProtoVersion)
	e.raw(m.NodeID[:])
	e.u64(m.Nonce)
	return e.bytes()
}

// SignHandshake signs the handshake with the node's key.
func SignHandshake(key *crypto.Key, m *Handshake) {
	m.Signature = key.Sign(m.SignedBytes())
}

// VerifyHandshake reports whether the handshake signature proves the
// claimed identity.
func VerifyHandshake(m *Handshake) bool {
	return crypto.Verify(m.NodeID, m.SignedBytes(), m.Signature)
}

// Ping is a keepalive probe. The peer echoes the nonce back in a Pong.
type Ping struct {
	Nonce uint64
}

func (m *Ping) Type() Type { return TypePing }

// Pong answers a Ping.
type Pong struct {
	Nonce uint64
}

func (m *Pong) Type() Type { return TypePong }

// NodeAnnouncement binds a node id to its reachable addresses and declared
// metadata.
type NodeAnnouncement struct {
	ttl uint8

	NodeID    crypto.NodeID
	Timestamp uint64
	Alias     string
	Features  uint64
	Addresses []peers.Address
	Signature []byte
}

func (m *NodeAnnouncement) Type() Type               { return TypeNodeAnnouncement }
func (m *NodeAnnouncement) Kind() Kind               { return KindNode }
func (m *NodeAnnouncement) Announcer() crypto.NodeID { return m.NodeID }
func (m *NodeAnnouncement) Time() uint64             { return m.Timestamp }
func (m *NodeAnnouncement) TTL() uint8               { return m.ttl }
func (m *NodeAnnouncement) Sig() []byte              { return m.Signature }
func (m *NodeAnnouncement) SetSig(sig []byte)        { m.Signature = sig }

func (m *NodeAnnouncement) WithTTL(ttl uint8) Announcement {
	c := *m
	c.ttl = ttl
	return &c
}

func (m *NodeAnnouncement) SignedBytes() []byte {
	e := newEncoder()
	e.u8(uint8(KindNode))
	e.raw(m.NodeID[:])
	e.u64(m.Timestamp)
	e.str(m.Alias)
	e.u64(m.Features)
	e.u16(uint16(len(m.Addresses)))
	for _, a := range m.Addresses {
		e.str(a.Host)
		e.u16(a.Port)
	}
	return e.bytes()
}

// InventoryAnnouncement declares the set of repositories a node seeds.
type InventoryAnnouncement struct {
	ttl uint8

	NodeID    crypto.NodeID
	Timestamp uint64
	Repos     []crypto.RepoID
	Signature []byte
}

func (m *InventoryAnnouncement) Type() Type               { return TypeInventoryAnnouncement }
func (m *InventoryAnnouncement) Kind() Kind               { return KindInventory }
func (m *InventoryAnnouncement) Announcer() crypto.NodeID { return m.NodeID }
func (m *InventoryAnnouncement) Time() uint64             { return m.Timestamp }
func (m *InventoryAnnouncement) TTL() uint8               { return m.ttl }
func (m *InventoryAnnouncement) Sig() []byte              { return m.Signature }
func (m *InventoryAnnouncement) SetSig(sig []byte)        { m.Signature = sig }

func (m *InventoryAnnouncement) WithTTL(ttl uint8) Announcement {
	c := *m
	c.ttl = ttl
	return &c
}

func (m *InventoryAnnouncement) SignedBytes() []byte {
	e := newEncoder()
	e.u8(uint8(KindInventory))
	e.raw(m.NodeID[:])
	e.u64(m.Timestamp)
	e.u32(uint32(len(m.Repos)))
	for _, r := range m.Repos {
		e.raw(r[:])
	}
	return e.bytes()
}

// RefsAnnouncement asserts the state of a repository's refs as seen by the
// announcer.
type RefsAnnouncement struct {
	ttl uint8

	NodeID     crypto.NodeID
	RepoID     crypto.RepoID
	Timestamp  uint64
	RefsDigest [32]byte
	Signature  []byte
}

func (m *RefsAnnouncement) Type() Type               { return TypeRefsAnnouncement }
func (m *RefsAnnouncement) Kind() Kind               { return KindRefs }
func (m *RefsAnnouncement) Announcer() crypto.NodeID { return m.NodeID }
func (m *RefsAnnouncement) Time() uint64             { return m.Timestamp }
func (m *RefsAnnouncement) TTL() uint8               { return m.ttl }
func (m *RefsAnnouncement) Sig() []byte              { return m.Signature }
func (m *RefsAnnouncement) SetSig(sig []byte)        { m.Signature = sig }

func (m *RefsAnnouncement) WithTTL(ttl uint8) Announcement {
	c := *m
	c.ttl = ttl
	return &c
}

func (m *RefsAnnouncement) SignedBytes() []byte {
	e := newEncoder()
	e.u8(uint8(KindRefs))
	e.raw(m.NodeID[:])
	e.raw(m.RepoID[:])
	e.u64(m.Timestamp)
	e.raw(m.RefsDigest[:])
	return e.bytes()
}

// Fetch response status codes.
const (
	FetchStatusOK          uint8 = 0
	FetchStatusDenied      uint8 = 1
	FetchStatusUnknownRepo uint8 = 2
)

// FetchRequest asks a peer whether a repository can be fetched from it.
type FetchRequest struct {
	RepoID crypto.RepoID
}

func (m *FetchRequest) Type() Type { return TypeFetchRequest }

// FetchResponse answers a FetchRequest.
type FetchResponse struct {
	RepoID crypto.RepoID
	Status uint8
}

func (m *FetchResponse) Type() Type { return TypeFetchResponse }
