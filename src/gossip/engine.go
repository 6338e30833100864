package gossip

import (
	"bytes"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/peers"
	"github.com/keepsimple1/heartwood/src/store"
	"github.com/keepsimple1/heartwood/src/wire"
)

var (
	// ErrInvalidSignature is returned for announcements whose signature
	// does not verify against the claimed announcer. Such announcements
	// are never stored and never relayed.
	ErrInvalidSignature = errors.New("gossip: invalid announcement signature")

	// ErrRateLimited is returned when an announcer exceeds its token
	// bucket. The announcement is dropped before signature verification.
	ErrRateLimited = errors.New("gossip: announcer rate limited")
)

// maxLimiters caps the per-announcer limiter table. When the cap is hit
// the table is reset; well-behaved announcers refill their buckets on the
// next message.
const maxLimiters = 4096

// Config holds the gossip tuning knobs.
type Config struct {
	// TTL is the hop budget put on locally originated announcements.
	TTL uint8

	// RelayFanout bounds how many sessions an accepted announcement is
	// relayed to. Zero means every eligible session.
	RelayFanout int

	// RatePerSecond and RateBurst parameterize the per-announcer token
	// bucket.
	RatePerSecond float64
	RateBurst     int

	// DedupSize is the estimated capacity of each per-session
	// deduplication filter.
	DedupSize uint
}

// path is one active session the engine can relay over.
type path struct {
	peer crypto.NodeID
	seen *dedup
}

// Relay names a session an announcement should be forwarded to, carrying
// the copy with the decremented TTL.
type Relay struct {
	Session uint64
	Ann     wire.Announcement
}

// Outcome is the engine's verdict on a received announcement.
type Outcome struct {
	// Accepted reports whether the announcement was newer than the stored
	// version and has been persisted.
	Accepted bool

	// Relays lists the sessions the announcement should be forwarded to.
	// Empty when the announcement was stale or its TTL is exhausted.
	Relays []Relay

	// Fetch is set when the announcement concerns a repository this node
	// seeds and a fetch should be scheduled. Zero otherwise.
	Fetch crypto.RepoID

	// From is the node whose refs changed, for fetch candidate selection.
	From crypto.NodeID
}

// Engine implements the gossip acceptance and relay policy. It is owned by
// the node's reactor goroutine and is not safe for concurrent use; all
// cross-goroutine state lives in the store.
type Engine struct {
	logger *logrus.Entry
	store  *store.Store
	self   crypto.NodeID
	cfg    Config

	paths     map[uint64]*path
	routing   map[crypto.RepoID]map[crypto.NodeID]struct{}
	seeded    map[crypto.RepoID]bool
	localRefs map[crypto.RepoID][32]byte
	limiters  map[crypto.NodeID]*rate.Limiter
}

// NewEngine builds an engine, rebuilding the in-memory routing projection
// from the store.
func NewEngine(cfg Config, st *store.Store, self crypto.NodeID, logger *logrus.Entry) (*Engine, error) {
	e := &Engine{
		logger:    logger,
		store:     st,
		self:      self,
		cfg:       cfg,
		paths:     make(map[uint64]*path),
		routing:   make(map[crypto.RepoID]map[crypto.NodeID]struct{}),
		seeded:    make(map[crypto.RepoID]bool),
		localRefs: make(map[crypto.RepoID][32]byte),
		limiters:  make(map[crypto.NodeID]*rate.Limiter),
	}

	table, err := st.RoutingTable()
	if err != nil {
		return nil, err
	}
	for repo, nodes := range table {
		set := make(map[crypto.NodeID]struct{}, len(nodes))
		for _, n := range nodes {
			set[n] = struct{}{}
		}
		e.routing[repo] = set
	}

	return e, nil
}

// RegisterPath adds a session as a relay target once its handshake
// completed.
func (e *Engine) RegisterPath(session uint64, peer crypto.NodeID) {
	e.paths[session] = &path{peer: peer, seen: newDedup(e.cfg.DedupSize)}
}

// DropPath removes a closed session.
func (e *Engine) DropPath(session uint64) {
	delete(e.paths, session)
}

// SetSeeded declares the repositories this node itself seeds. Refs
// announcements for these trigger fetches.
func (e *Engine) SetSeeded(repos []crypto.RepoID) {
	e.seeded = make(map[crypto.RepoID]bool, len(repos))
	for _, r := range repos {
		e.seeded[r] = true
	}
}

// AddSeeded adds one repository to the local seeding set.
func (e *Engine) AddSeeded(repo crypto.RepoID) {
	e.seeded[repo] = true
}

// SetLocalRefs records the digest of this node's own copy of a
// repository's refs. A refs announcement matching it does not trigger a
// fetch; there is nothing new to pull.
func (e *Engine) SetLocalRefs(repo crypto.RepoID, digest [32]byte) {
	e.localRefs[repo] = digest
}

// Seeded reports whether this node seeds the repository.
func (e *Engine) Seeded(repo crypto.RepoID) bool {
	return e.seeded[repo]
}

// SeededRepos returns the local seeding set.
func (e *Engine) SeededRepos() []crypto.RepoID {
	repos := make([]crypto.RepoID, 0, len(e.seeded))
	for r := range e.seeded {
		repos = append(repos, r)
	}
	sort.Slice(repos, func(i, j int) bool {
		return bytes.Compare(repos[i][:], repos[j][:]) < 0
	})
	return repos
}

// Seeders returns the nodes currently believed to seed the repository,
// from the in-memory projection.
func (e *Engine) Seeders(repo crypto.RepoID) []crypto.NodeID {
	set := e.routing[repo]
	ids := make([]crypto.NodeID, 0, len(set))
	for n := range set {
		ids = append(ids, n)
	}
	return crypto.SortNodeIDs(ids)
}

// Receive runs the full acceptance pipeline on an announcement arriving
// over the given session: rate limit, signature verification, freshness
// check against the store, state application, relay selection.
func (e *Engine) Receive(from uint64, ann wire.Announcement) (*Outcome, error) {
	announcer := ann.Announcer()

	if announcer == e.self {
		// Our own announcement echoed back; nothing to do.
		return &Outcome{}, nil
	}

	if !e.allow(announcer) {
		return nil, ErrRateLimited
	}

	if !wire.VerifyAnnouncement(ann) {
		return nil, ErrInvalidSignature
	}

	fp := crypto.Fingerprint(ann.SignedBytes())
	if p, ok := e.paths[from]; ok {
		// The origin session has seen this announcement by definition.
		p.seen.add(fp)
	}

	accepted, err := e.persist(ann)
	if err != nil {
		return nil, err
	}
	if !accepted {
		e.logger.WithFields(logrus.Fields{
			"announcer": announcer.Short(),
			"kind":      ann.Kind().String(),
			"timestamp": ann.Time(),
		}).Debug("gossip: stale announcement dropped")
		return &Outcome{}, nil
	}

	out := &Outcome{Accepted: true, From: announcer}

	if err := e.apply(ann, out); err != nil {
		return nil, err
	}

	if ann.TTL() > 1 {
		out.Relays = e.selectRelays(from, fp, ann.WithTTL(ann.TTL()-1))
	}

	return out, nil
}

// Broadcast persists a locally originated announcement and returns relays
// for every active session.
func (e *Engine) Broadcast(ann wire.Announcement) ([]Relay, error) {
	if _, err := e.persist(ann); err != nil {
		return nil, err
	}

	fp := crypto.Fingerprint(ann.SignedBytes())
	return e.selectRelays(0, fp, ann), nil
}

// allow checks the announcer's token bucket, creating it on first contact.
func (e *Engine) allow(announcer crypto.NodeID) bool {
	lim, ok := e.limiters[announcer]
	if !ok {
		if len(e.limiters) >= maxLimiters {
			e.logger.Debug("gossip: limiter table full, resetting")
			e.limiters = make(map[crypto.NodeID]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Limit(e.cfg.RatePerSecond), e.cfg.RateBurst)
		e.limiters[announcer] = lim
	}
	return lim.Allow()
}

// persist runs the store's strictly-newer acceptance check.
func (e *Engine) persist(ann wire.Announcement) (bool, error) {
	payload, err := wire.Encode(ann)
	if err != nil {
		return false, err
	}

	rec := &store.Announcement{
		NodeID:    ann.Announcer(),
		Kind:      ann.Kind(),
		Timestamp: ann.Time(),
		Payload:   payload,
		Signature: ann.Sig(),
	}
	if refs, ok := ann.(*wire.RefsAnnouncement); ok {
		rec.RepoID = refs.RepoID
	}

	return e.store.AcceptAnnouncement(rec)
}

// apply folds an accepted announcement into the derived state: the routing
// table, the address book, and the fetch trigger.
func (e *Engine) apply(ann wire.Announcement, out *Outcome) error {
	switch a := ann.(type) {
	case *wire.NodeAnnouncement:
		info := &store.NodeInfo{
			ID:        a.NodeID,
			Alias:     a.Alias,
			Features:  a.Features,
			UpdatedAt: a.Timestamp,
		}
		if err := e.store.UpsertNode(info); err != nil {
			return err
		}
		now := time.Now()
		for _, addr := range a.Addresses {
			ka := &peers.KnownAddress{
				NodeID:   a.NodeID,
				Address:  addr,
				Source:   peers.SourcePeer,
				LastSeen: now,
			}
			if err := e.store.UpsertAddress(ka); err != nil {
				return err
			}
		}

	case *wire.InventoryAnnouncement:
		if err := e.store.SetInventory(a.NodeID, a.Repos, a.Timestamp); err != nil {
			return err
		}
		for repo, nodes := range e.routing {
			delete(nodes, a.NodeID)
			if len(nodes) == 0 {
				delete(e.routing, repo)
			}
		}
		for _, repo := range a.Repos {
			set := e.routing[repo]
			if set == nil {
				set = make(map[crypto.NodeID]struct{})
				e.routing[repo] = set
			}
			set[a.NodeID] = struct{}{}
		}

	case *wire.RefsAnnouncement:
		if e.seeded[a.RepoID] && a.RefsDigest != e.localRefs[a.RepoID] {
			out.Fetch = a.RepoID
		}
	}

	return nil
}

// selectRelays picks the sessions to forward to: never the origin, never a
// session whose filter already holds the fingerprint. The fingerprint is
// recorded against every chosen session.
func (e *Engine) selectRelays(origin uint64, fp [32]byte, ann wire.Announcement) []Relay {
	eligible := make([]uint64, 0, len(e.paths))
	for id, p := range e.paths {
		if id == origin {
			continue
		}
		if p.peer == ann.Announcer() {
			continue
		}
		if p.seen.seen(fp) {
			continue
		}
		eligible = append(eligible, id)
	}

	sort.Slice(eligible, func(i, j int) bool { return eligible[i] < eligible[j] })

	if e.cfg.RelayFanout > 0 && len(eligible) > e.cfg.RelayFanout {
		eligible = eligible[:e.cfg.RelayFanout]
	}

	relays := make([]Relay, 0, len(eligible))
	for _, id := range eligible {
		e.paths[id].seen.add(fp)
		relays = append(relays, Relay{Session: id, Ann: ann})
	}

	return relays
}
