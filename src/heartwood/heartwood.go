package heartwood

import (
	"fmt"
	"os"
	"time"

	"github.com/keepsimple1/heartwood/src/config"
	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/node"
	"github.com/keepsimple1/heartwood/src/peers"
	"github.com/keepsimple1/heartwood/src/service"
	"github.com/keepsimple1/heartwood/src/store"
	"github.com/keepsimple1/heartwood/src/transfer"
)

// Heartwood assembles a node from its parts: the key, the store, the
// collaborator connection, the reactor, and the API service.
type Heartwood struct {
	Config   *config.Config
	Key      *crypto.Key
	Store    *store.Store
	Transfer transfer.Transfer
	Node     *node.Node
	Service  *service.Service
}

// NewHeartwood wraps a configuration; call Init before Run.
func NewHeartwood(conf *config.Config) *Heartwood {
	return &Heartwood{
		Config: conf,
	}
}

func (h *Heartwood) initKey() error {
	if h.Key != nil {
		return nil
	}

	pemKey := crypto.NewPemKey(h.Config.DataDir)

	key, err := pemKey.ReadKey()
	if err != nil {
		h.Config.Logger().Warn("Cannot read private key from file", err)

		key, err = Keygen(h.Config.DataDir)
		if err != nil {
			h.Config.Logger().Error("Cannot generate a new private key", err)
			return err
		}

		pem, _ := crypto.ToPemKey(key)
		h.Config.Logger().Info("Created a new key:", pem.PublicKey)
	}

	h.Key = key
	return nil
}

func (h *Heartwood) initStore() error {
	st, err := store.New(h.Config.DBFile(), h.Config.Logger())
	if err != nil {
		return err
	}
	h.Store = st
	return nil
}

// initPeers seeds the address book from peers.json. The file is optional;
// a node with an empty book waits for inbound sessions or explicit
// connect commands.
func (h *Heartwood) initPeers() error {
	peerStore := peers.NewJSONPeers(h.Config.DataDir)

	bootstrap, err := peerStore.Peers()
	if err != nil {
		if os.IsNotExist(err) {
			h.Config.Logger().Debug("No peers.json, starting with an empty address book")
			return nil
		}
		return err
	}

	now := time.Now()
	for _, p := range bootstrap {
		id, err := p.NodeID()
		if err != nil {
			return fmt.Errorf("peers.json entry %q: %w", p.ID, err)
		}
		for _, addr := range p.Addresses {
			ka := &peers.KnownAddress{
				NodeID:   id,
				Address:  addr,
				Source:   peers.SourceBootstrap,
				LastSeen: now,
			}
			if err := h.Store.UpsertAddress(ka); err != nil {
				return err
			}
		}
	}

	h.Config.Logger().WithField("peers", len(bootstrap)).Debug("Seeded address book from peers.json")
	return nil
}

func (h *Heartwood) initTransfer() error {
	if h.Transfer != nil {
		return nil
	}
	h.Transfer = transfer.NewRPCTransfer(
		h.Config.ResolvedTransferAddr(),
		h.Config.DialTimeout,
		h.Config.Logger(),
	)
	return nil
}

func (h *Heartwood) initNode() error {
	n, err := node.NewNode(h.Config, h.Key, h.Store, h.Transfer, h.Config.Logger())
	if err != nil {
		return err
	}

	if err := n.Init(); err != nil {
		return fmt.Errorf("failed to initialize node: %s", err)
	}

	h.Node = n
	return nil
}

func (h *Heartwood) initService() error {
	if !h.Config.NoService && h.Config.ServiceAddr != "" {
		h.Service = service.NewService(h.Config.ServiceAddr, h.Node, h.Config.Logger())
	}
	return nil
}

// Init assembles all components in dependency order.
func (h *Heartwood) Init() error {
	if err := h.initKey(); err != nil {
		return err
	}

	if err := h.initStore(); err != nil {
		return err
	}

	if err := h.initPeers(); err != nil {
		return err
	}

	if err := h.initTransfer(); err != nil {
		return err
	}

	if err := h.initNode(); err != nil {
		return err
	}

	if err := h.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts the API service and operates the node. It blocks until the
// node shuts down, then releases the remaining resources.
func (h *Heartwood) Run() {
	if h.Service != nil {
		go h.Service.Serve()
	}

	h.Node.Run()

	h.Transfer.Close()
	h.Store.Close()
}

// Keygen generates a new key under datadir, refusing to overwrite an
// existing one.
func Keygen(datadir string) (*crypto.Key, error) {
	pemKey := crypto.NewPemKey(datadir)

	_, err := pemKey.ReadKey()
	if err == nil {
		return nil, fmt.Errorf("Another key already lives under %s", datadir)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}

	if err := pemKey.WriteKey(key); err != nil {
		return nil, err
	}

	return key, nil
}
