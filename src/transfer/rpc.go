package transfer

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/peers"
)

// RPC method argument and reply shapes. Repository ids cross the boundary
// in their canonical string form so the collaborator does not need to know
// the binary layout.
type (
	FetchArgs struct {
		Repo string
		Host string
		Port uint16
	}
	FetchReply struct{}

	InventoryArgs  struct{}
	InventoryReply struct {
		Repos []string
	}

	RefsDigestArgs struct {
		Repo string
	}
	RefsDigestReply struct {
		Digest []byte
	}
)

// RPCTransfer talks to the replication collaborator over a msgpack RPC
// socket. The connection is established lazily and re-established after
// failures.
type RPCTransfer struct {
	addr        string
	dialTimeout time.Duration
	logger      *logrus.Entry

	mu     sync.Mutex
	client *rpc.Client
}

// NewRPCTransfer creates a client for the collaborator listening on addr.
// Addresses with a "unix:" prefix use a unix domain socket, anything else
// is dialed as TCP.
func NewRPCTransfer(addr string, dialTimeout time.Duration, logger *logrus.Entry) *RPCTransfer {
	return &RPCTransfer{
		addr:        addr,
		dialTimeout: dialTimeout,
		logger:      logger,
	}
}

// Fetch implements Transfer.
func (t *RPCTransfer) Fetch(ctx context.Context, repo crypto.RepoID, from peers.Address) error {
	args := FetchArgs{Repo: repo.String(), Host: from.Host, Port: from.Port}
	return t.call(ctx, "Replicator.Fetch", args, &FetchReply{})
}

// Inventory implements Transfer.
func (t *RPCTransfer) Inventory(ctx context.Context) ([]crypto.RepoID, error) {
	var reply InventoryReply
	if err := t.call(ctx, "Replicator.Inventory", InventoryArgs{}, &reply); err != nil {
		return nil, err
	}

	repos := make([]crypto.RepoID, 0, len(reply.Repos))
	for _, s := range reply.Repos {
		id, err := crypto.ParseRepoID(s)
		if err != nil {
			return nil, fmt.Errorf("collaborator returned bad repo id: %w", err)
		}
		repos = append(repos, id)
	}

	return repos, nil
}

// RefsDigest implements Transfer.
func (t *RPCTransfer) RefsDigest(ctx context.Context, repo crypto.RepoID) ([32]byte, error) {
	var digest [32]byte

	var reply RefsDigestReply
	if err := t.call(ctx, "Replicator.RefsDigest", RefsDigestArgs{Repo: repo.String()}, &reply); err != nil {
		return digest, err
	}
	if len(reply.Digest) != len(digest) {
		return digest, fmt.Errorf("collaborator returned %d-byte digest", len(reply.Digest))
	}

	copy(digest[:], reply.Digest)
	return digest, nil
}

// Close implements Transfer.
func (t *RPCTransfer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

func (t *RPCTransfer) call(ctx context.Context, method string, args, reply interface{}) error {
	client, err := t.connect()
	if err != nil {
		return err
	}

	call := client.Go(method, args, reply, make(chan *rpc.Call, 1))

	select {
	case <-ctx.Done():
		// The pending call cannot be cancelled over net/rpc; drop the
		// connection so the next call starts clean.
		t.reset(client)
		return ctx.Err()
	case done := <-call.Done:
		if done.Error != nil {
			t.reset(client)
			return done.Error
		}
		return nil
	}
}

func (t *RPCTransfer) connect() (*rpc.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return t.client, nil
	}

	network, addr := "tcp", t.addr
	if rest, ok := strings.CutPrefix(t.addr, "unix:"); ok {
		network, addr = "unix", rest
	}

	conn, err := net.DialTimeout(network, addr, t.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing collaborator: %w", err)
	}

	t.logger.WithField("addr", t.addr).Debug("transfer: connected to collaborator")

	handle := &codec.MsgpackHandle{}
	t.client = rpc.NewClientWithCodec(codec.MsgpackSpecRpc.ClientCodec(conn, handle))
	return t.client, nil
}

func (t *RPCTransfer) reset(client *rpc.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == client {
		client.Close()
		t.client = nil
	}
}
