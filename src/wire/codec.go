package wire

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/peers"
)

// Decode errors. Decode never panics on attacker-controlled input; every
// failure maps to one of these.
var (
	ErrTruncated   = errors.New("wire: truncated message")
	ErrUnknownType = errors.New("wire: unknown message type")
	ErrMalformed   = errors.New("wire: malformed message")
)

// Size limits. Payloads declaring more than these are malformed, which
// bounds what a hostile peer can make us allocate.
const (
	MaxPayload   = 1 << 20
	MaxAlias     = 64
	MaxHost      = 255
	MaxAddresses = 16
	MaxInventory = 2048

	sigSize = ed25519.SignatureSize
)

// codecVersion is the leading byte of every payload. Bumping it breaks
// decoding on purpose: announcements are signed over their canonical
// encoding, so the layout cannot change silently.
const codecVersion uint8 = 1

// Encode serializes a message into its canonical payload form:
// version byte, type byte, body. Fixed-width integers, big-endian.
func Encode(m Message) ([]byte, error) {
	e := newEncoder()
	e.u8(codecVersion)
	e.u8(uint8(m.Type()))
	m.encodePayload(e)

	b := e.bytes()
	if len(b) > MaxPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds limit", ErrMalformed, len(b))
	}
	return b, nil
}

// Decode parses a payload produced by Encode. It is safe to call on
// arbitrary byte sequences.
func Decode(b []byte) (Message, error) {
	d := &decoder{b: b}

	version := d.u8()
	typ := d.u8()
	if d.err != nil {
		return nil, d.err
	}
	if version != codecVersion {
		return nil, fmt.Errorf("%w: unsupported codec version %d", ErrMalformed, version)
	}

	var m Message
	switch Type(typ) {
	case TypeHandshake:
		m = &Handshake{}
	case TypePing:
		m = &Ping{}
	case TypePong:
		m = &Pong{}
	case TypeNodeAnnouncement:
		m = &NodeAnnouncement{}
	case TypeInventoryAnnouncement:
		m = &InventoryAnnouncement{}
	case TypeRefsAnnouncement:
		m = &RefsAnnouncement{}
	case TypeFetchRequest:
		m = &FetchRequest{}
	case TypeFetchResponse:
		m = &FetchResponse{}
	default:
		return nil, fmt.Errorf("%w: type %d", ErrUnknownType, typ)
	}

	m.decodePayload(d)
	if d.err != nil {
		return nil, d.err
	}
	if d.off != len(d.b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.b)-d.off)
	}

	return m, nil
}

// WriteFrame writes a length-prefixed message to w.
func WriteFrame(w io.Writer, m Message) error {
	payload, err := Encode(m)
	if err != nil {
		return err
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))

	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed message from r.
func ReadFrame(r io.Reader) (Message, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(length[:])
	if n == 0 || n > MaxPayload {
		return nil, fmt.Errorf("%w: frame length %d", ErrMalformed, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}

	return Decode(payload)
}

// encoder appends canonical big-endian fields to a buffer.
type encoder struct {
	b []byte
}

func newEncoder() *encoder {
	return &encoder{b: make([]byte, 0, 256)}
}

func (e *encoder) bytes() []byte { return e.b }

func (e *encoder) u8(v uint8) { e.b = append(e.b, v) }

func (e *encoder) u16(v uint16) {
	e.b = binary.BigEndian.AppendUint16(e.b, v)
}
func (e *encoder) u32(v uint32) {
	e.b = binary.BigEndian.AppendUint32(e.b, v)
}
func (e *encoder) u64(v uint64) {
	e.b = binary.BigEndian.AppendUint64(e.b, v)
}

// raw appends fixed-width bytes with no length prefix.
func (e *encoder) raw(b []byte) { e.b = append(e.b, b...) }

// str appends a uint16 length prefix followed by the string bytes.
func (e *encoder) str(s string) {
	e.u16(uint16(len(s)))
	e.b = append(e.b, s...)
}

// sig appends a fixed-width ed25519 signature, zero-padding an unset one so
// encoding an unsigned message stays total.
func (e *encoder) sig(b []byte) {
	if len(b) != sigSize {
		var zero [sigSize]byte
		e.raw(zero[:])
		return
	}
	e.raw(b)
}

// decoder consumes canonical fields from a buffer. The first failure is
// sticky: subsequent reads are no-ops and Decode reports the original
// error.
type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.b) {
		d.fail(ErrTruncated)
		return nil
	}
	b := d.b[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) str(max int) string {
	n := int(d.u16())
	if d.err != nil {
		return ""
	}
	if n > max {
		d.fail(fmt.Errorf("%w: string of %d bytes exceeds limit %d", ErrMalformed, n, max))
		return ""
	}
	b := d.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (d *decoder) nodeID() crypto.NodeID {
	var id crypto.NodeID
	b := d.take(len(id))
	if b != nil {
		copy(id[:], b)
	}
	return id
}

func (d *decoder) repoID() crypto.RepoID {
	var id crypto.RepoID
	b := d.take(len(id))
	if b != nil {
		copy(id[:], b)
	}
	return id
}

func (d *decoder) sig() []byte {
	b := d.take(sigSize)
	if b == nil {
		return nil
	}
	out := make([]byte, sigSize)
	copy(out, b)
	return out
}

// Per-message payload codecs. Announcement payloads are laid out as
// TTL byte, signed body, signature; the signed body matches SignedBytes so
// verification never re-serializes differently than the wire.

func (m *Handshake) encodePayload(e *encoder) {
	e.u16(m.ProtoVersion)
	e.raw(m.NodeID[:])
	e.u64(m.Nonce)
	e.sig(m.Signature)
}

func (m *Handshake) decodePayload(d *decoder) {
	m.ProtoVersion = d.u16()
	m.NodeID = d.nodeID()
	m.Nonce = d.u64()
	m.Signature = d.sig()
}

func (m *Ping) encodePayload(e *encoder) {
	e.u64(m.Nonce)
}

func (m *Ping) decodePayload(d *decoder) {
	m.Nonce = d.u64()
}

func (m *Pong) encodePayload(e *encoder) {
	e.u64(m.Nonce)
}

func (m *Pong) decodePayload(d *decoder) {
	m.Nonce = d.u64()
}

func (m *NodeAnnouncement) encodePayload(e *encoder) {
	e.u8(m.ttl)
	e.raw(m.NodeID[:])
	e.u64(m.Timestamp)
	e.str(m.Alias)
	e.u64(m.Features)
	e.u16(uint16(len(m.Addresses)))
	for _, a := range m.Addresses {
		e.str(a.Host)
		e.u16(a.Port)
	}
	e.sig(m.Signature)
}

func (m *NodeAnnouncement) decodePayload(d *decoder) {
	m.ttl = d.u8()
	m.NodeID = d.nodeID()
	m.Timestamp = d.u64()
	m.Alias = d.str(MaxAlias)
	m.Features = d.u64()

	n := int(d.u16())
	if d.err != nil {
		return
	}
	if n > MaxAddresses {
		d.fail(fmt.Errorf("%w: %d addresses exceeds limit %d", ErrMalformed, n, MaxAddresses))
		return
	}
	m.Addresses = make([]peers.Address, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		host := d.str(MaxHost)
		port := d.u16()
		m.Addresses = append(m.Addresses, peers.Address{Host: host, Port: port})
	}
	m.Signature = d.sig()
}

func (m *InventoryAnnouncement) encodePayload(e *encoder) {
	e.u8(m.ttl)
	e.raw(m.NodeID[:])
	e.u64(m.Timestamp)
	e.u32(uint32(len(m.Repos)))
	for _, r := range m.Repos {
		e.raw(r[:])
	}
	e.sig(m.Signature)
}

func (m *InventoryAnnouncement) decodePayload(d *decoder) {
	m.ttl = d.u8()
	m.NodeID = d.nodeID()
	m.Timestamp = d.u64()

	n := int(d.u32())
	if d.err != nil {
		return
	}
	if n > MaxInventory {
		d.fail(fmt.Errorf("%w: inventory of %d repos exceeds limit %d", ErrMalformed, n, MaxInventory))
		return
	}
	m.Repos = make([]crypto.RepoID, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		m.Repos = append(m.Repos, d.repoID())
	}
	m.Signature = d.sig()
}

func (m *RefsAnnouncement) encodePayload(e *encoder) {
	e.u8(m.ttl)
	e.raw(m.NodeID[:])
	e.raw(m.RepoID[:])
	e.u64(m.Timestamp)
	e.raw(m.RefsDigest[:])
	e.sig(m.Signature)
}

func (m *RefsAnnouncement) decodePayload(d *decoder) {
	m.ttl = d.u8()
	m.NodeID = d.nodeID()
	m.RepoID = d.repoID()
	m.Timestamp = d.u64()
	b := d.take(len(m.RefsDigest))
	if b != nil {
		copy(m.RefsDigest[:], b)
	}
	m.Signature = d.sig()
}

func (m *FetchRequest) encodePayload(e *encoder) {
	e.raw(m.RepoID[:])
}

func (m *FetchRequest) decodePayload(d *decoder) {
	m.RepoID = d.repoID()
}

func (m *FetchResponse) encodePayload(e *encoder) {
	e.raw(m.RepoID[:])
	e.u8(m.Status)
}

func (m *FetchResponse) decodePayload(d *decoder) {
	m.RepoID = d.repoID()
	m.Status = d.u8()
}
