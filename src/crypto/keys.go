package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// NodeID is the public identity of a node: a raw ed25519 public key. It is
// globally unique and immutable for the lifetime of the key pair.
type NodeID [ed25519.PublicKeySize]byte

// ZeroNodeID is the all-zero NodeID, used as a sentinel for "not yet known".
var ZeroNodeID NodeID

// String returns the hex form of the NodeID, prefixed with 0x.
func (id NodeID) String() string {
	return fmt.Sprintf("0x%X", id[:])
}

// Short returns a truncated form of the NodeID for log output.
func (id NodeID) Short() string {
	return fmt.Sprintf("0x%X", id[:4])
}

// PublicKey returns the NodeID as an ed25519 public key.
func (id NodeID) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(id[:])
}

// IsZero reports whether the NodeID is unset.
func (id NodeID) IsZero() bool {
	return id == ZeroNodeID
}

// ParseNodeID parses the 0x-prefixed hex form produced by NodeID.String.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID

	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parsing node id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("parsing node id: expected %d bytes, got %d", len(id), len(b))
	}

	copy(id[:], b)

	return id, nil
}

// NodeIDFromPublicKey converts an ed25519 public key into a NodeID.
func NodeIDFromPublicKey(pub ed25519.PublicKey) (NodeID, error) {
	var id NodeID

	if len(pub) != ed25519.PublicKeySize {
		return id, fmt.Errorf("invalid public key length %d", len(pub))
	}

	copy(id[:], pub)

	return id, nil
}

// Key wraps the node's ed25519 private key.
type Key struct {
	priv ed25519.PrivateKey
}

// GenerateKey creates a fresh ed25519 key pair.
func GenerateKey() (*Key, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Key{priv: priv}, nil
}

// KeyFromSeed rebuilds a Key from a 32-byte ed25519 seed.
func KeyFromSeed(seed []byte) (*Key, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length %d", len(seed))
	}
	return &Key{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// NodeID returns the public identity derived from this key.
func (k *Key) NodeID() NodeID {
	var id NodeID
	copy(id[:], k.priv.Public().(ed25519.PublicKey))
	return id
}

// Sign signs msg with the private key.
func (k *Key) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// Seed returns the 32-byte seed of the private key.
func (k *Key) Seed() []byte {
	return k.priv.Seed()
}

// Private returns the underlying ed25519 private key.
func (k *Key) Private() ed25519.PrivateKey {
	return k.priv
}

// Verify reports whether sig is a valid signature of msg by the given node.
func Verify(id NodeID, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(id.PublicKey(), msg, sig)
}

// RepoID is a content-addressed repository identifier: the BLAKE2b-256 hash
// of the repository's canonical identity document.
type RepoID [32]byte

// String returns the rad-prefixed hex form of the RepoID.
func (r RepoID) String() string {
	return "rad:" + hex.EncodeToString(r[:])
}

// Short returns a truncated form of the RepoID for log output.
func (r RepoID) Short() string {
	return "rad:" + hex.EncodeToString(r[:4])
}

// IsZero reports whether the RepoID is unset.
func (r RepoID) IsZero() bool {
	return r == RepoID{}
}

// ParseRepoID parses the rad-prefixed hex form produced by RepoID.String.
func ParseRepoID(s string) (RepoID, error) {
	var r RepoID

	s = strings.TrimPrefix(s, "rad:")
	b, err := hex.DecodeString(s)
	if err != nil {
		return r, fmt.Errorf("parsing repo id: %w", err)
	}
	if len(b) != len(r) {
		return r, fmt.Errorf("parsing repo id: expected %d bytes, got %d", len(r), len(b))
	}

	copy(r[:], b)

	return r, nil
}

// HashRepoID derives a RepoID from the repository's identity document.
func HashRepoID(doc []byte) RepoID {
	return RepoID(blake2b.Sum256(doc))
}

// Fingerprint returns the BLAKE2b-256 digest of data. Gossip deduplication
// keys announcements by the fingerprint of their signed payload.
func Fingerprint(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// SortNodeIDs sorts ids in place by raw byte order and returns them.
func SortNodeIDs(ids []NodeID) []NodeID {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}
