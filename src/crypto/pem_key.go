package crypto

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
)

const (
	pemKeyPath = "priv_key.pem"
)

// PemKey reads and writes the node's private key as a PEM file under a base
// directory.
type PemKey struct {
	l    sync.Mutex
	path string
}

func NewPemKey(base string) *PemKey {
	path := filepath.Join(base, pemKeyPath)

	pemKey := &PemKey{
		path: path,
	}

	return pemKey
}

func (k *PemKey) ReadKey() (*Key, error) {
	k.l.Lock()
	defer k.l.Unlock()

	buf, err := os.ReadFile(k.path)

	if err != nil {
		return nil, err
	}

	return k.ReadKeyFromBuf(buf)
}

func (k *PemKey) ReadKeyFromBuf(buf []byte) (*Key, error) {
	if len(buf) == 0 {
		return nil, nil
	}

	block, _ := pem.Decode(buf)

	if block == nil {
		return nil, fmt.Errorf("error decoding PEM block from data")
	}

	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	edKey, ok := priv.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key in %s is not an ed25519 key", k.path)
	}

	return &Key{priv: edKey}, nil
}

func (k *PemKey) WriteKey(key *Key) error {
	k.l.Lock()
	defer k.l.Unlock()

	pemKey, err := ToPemKey(key)

	if err != nil {
		return err
	}

	if err := os.MkdirAll(path.Dir(k.path), 0700); err != nil {
		return err
	}

	return os.WriteFile(k.path, []byte(pemKey.PrivateKey), 0600)
}

// PemDump contains the PEM-encoded private key alongside the derived public
// identity.
type PemDump struct {
	PublicKey  string
	PrivateKey string
}

func GeneratePemKey() (*PemDump, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	return ToPemKey(key)
}

func ToPemKey(key *Key) (*PemDump, error) {
	b, err := x509.MarshalPKCS8PrivateKey(key.priv)

	if err != nil {
		return nil, err
	}

	pemBlock := &pem.Block{Type: "PRIVATE KEY", Bytes: b}

	data := pem.EncodeToMemory(pemBlock)

	return &PemDump{
		PublicKey:  key.NodeID().String(),
		PrivateKey: string(data),
	}, nil
}
