package crypto

import (
	"os"
	"testing"
)

func TestSignVerify(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("inventory-announcement")
	sig := key.Sign(msg)

	if !Verify(key.NodeID(), msg, sig) {
		t.Fatal("signature should verify against the signer's node id")
	}

	// Tampered payload
	if Verify(key.NodeID(), []byte("inventory-announcementX"), sig) {
		t.Fatal("signature verified against a tampered payload")
	}

	// Wrong identity
	other, _ := GenerateKey()
	if Verify(other.NodeID(), msg, sig) {
		t.Fatal("signature verified against the wrong node id")
	}

	// Garbage signature must not verify and must not panic
	if Verify(key.NodeID(), msg, []byte{0x01, 0x02}) {
		t.Fatal("truncated signature verified")
	}
}

func TestNodeIDRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	id := key.NodeID()
	parsed, err := ParseNodeID(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: %s != %s", parsed, id)
	}

	if _, err := ParseNodeID("0xZZ"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
	if _, err := ParseNodeID("0x0011"); err == nil {
		t.Fatal("expected error for short id")
	}
}

func TestRepoIDRoundTrip(t *testing.T) {
	r := HashRepoID([]byte("identity document"))

	parsed, err := ParseRepoID(r.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != r {
		t.Fatalf("round trip mismatch: %s != %s", parsed, r)
	}

	// Content addressing is deterministic
	if HashRepoID([]byte("identity document")) != r {
		t.Fatal("repo id is not deterministic")
	}
	if HashRepoID([]byte("other document")) == r {
		t.Fatal("distinct documents produced the same repo id")
	}
}

func TestSortNodeIDs(t *testing.T) {
	var a, b, c NodeID
	a[0] = 0x01
	b[0] = 0x02
	c[0] = 0x03

	sorted := SortNodeIDs([]NodeID{c, a, b})
	for i, want := range []NodeID{a, b, c} {
		if sorted[i] != want {
			t.Fatalf("position %d: got %s, want %s", i, sorted[i], want)
		}
	}
}

func TestPemKeyRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "heartwood_pem")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	pemKey := NewPemKey(dir)
	if err := pemKey.WriteKey(key); err != nil {
		t.Fatal(err)
	}

	read, err := pemKey.ReadKey()
	if err != nil {
		t.Fatal(err)
	}

	if read.NodeID() != key.NodeID() {
		t.Fatalf("read key identity %s does not match written %s", read.NodeID(), key.NodeID())
	}

	// The restored key must produce verifiable signatures.
	sig := read.Sign([]byte("hello"))
	if !Verify(key.NodeID(), []byte("hello"), sig) {
		t.Fatal("signature from restored key failed to verify")
	}
}
