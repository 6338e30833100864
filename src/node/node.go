package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keepsimple1/heartwood/src/config"
	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/fetch"
	"github.com/keepsimple1/heartwood/src/gossip"
	"github.com/keepsimple1/heartwood/src/peers"
	"github.com/keepsimple1/heartwood/src/session"
	"github.com/keepsimple1/heartwood/src/store"
	"github.com/keepsimple1/heartwood/src/transfer"
	"github.com/keepsimple1/heartwood/src/wire"
)

// maxAuthFailures is the number of invalid announcement signatures a
// session may produce before it is closed.
const maxAuthFailures = 3

// Node ties the pieces together: it owns the peer sessions, runs the
// gossip engine, and coordinates fetches. All session and gossip state is
// confined to the reactor goroutine; external callers interact through
// commands.
type Node struct {
	conf   *config.Config
	logger *logrus.Entry

	key *crypto.Key
	id  crypto.NodeID

	store    *store.Store
	engine   *gossip.Engine
	coord    *fetch.Coordinator
	transfer transfer.Transfer

	listener net.Listener

	// Reactor-owned.
	sessions    map[session.ID]*session.Session
	byPeer      map[crypto.NodeID]session.ID
	nextSession session.ID
	lastStamp   uint64
	stopping    bool

	events       chan session.Event
	commands     chan command
	dialed       chan dialResult
	accepted     chan net.Conn
	fetchResults chan fetch.Result
	refsReady    chan refsUpdate
	controlTimer *ControlTimer

	state      state
	shutdownCh chan struct{}
	doneCh     chan struct{}
	stoppedCh  chan struct{}
}

// refsUpdate carries a freshly computed refs digest back into the reactor
// for announcement.
type refsUpdate struct {
	repo   crypto.RepoID
	digest [32]byte
}

// NewNode builds a node around an open store and a collaborator
// connection.
func NewNode(conf *config.Config, key *crypto.Key, st *store.Store, trans transfer.Transfer, logger *logrus.Entry) (*Node, error) {
	id := key.NodeID()

	engine, err := gossip.NewEngine(gossip.Config{
		TTL:           conf.AnnounceTTL,
		RelayFanout:   conf.RelayFanout,
		RatePerSecond: conf.RatePerSecond,
		RateBurst:     conf.RateBurst,
		DedupSize:     conf.DedupSize,
	}, st, id, logger)
	if err != nil {
		return nil, err
	}

	n := &Node{
		conf:         conf,
		logger:       logger.WithField("node", id.Short()),
		key:          key,
		id:           id,
		store:        st,
		engine:       engine,
		transfer:     trans,
		sessions:     make(map[session.ID]*session.Session),
		byPeer:       make(map[crypto.NodeID]session.ID),
		events:       make(chan session.Event, 4*conf.MaxSessions),
		commands:     make(chan command),
		dialed:       make(chan dialResult),
		accepted:     make(chan net.Conn),
		fetchResults: make(chan fetch.Result, conf.MaxFetches),
		refsReady:    make(chan refsUpdate, conf.MaxFetches),
		controlTimer: NewRandomControlTimer(),
		shutdownCh:   make(chan struct{}),
		doneCh:       make(chan struct{}),
		stoppedCh:    make(chan struct{}),
	}

	n.coord = fetch.NewCoordinator(fetch.Config{
		MaxInFlight: conf.MaxFetches,
		Timeout:     conf.FetchTimeout,
		MaxAttempts: conf.FetchAttempts,
	}, trans, st, n.reportFetch, logger)

	return n, nil
}

// Init binds the listener and loads the local inventory from the
// collaborator.
func (n *Node) Init() error {
	listener, err := net.Listen("tcp", n.conf.BindAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", n.conf.BindAddr, err)
	}
	n.listener = listener

	ctx, cancel := context.WithTimeout(context.Background(), n.conf.DialTimeout)
	defer cancel()

	repos, err := n.transfer.Inventory(ctx)
	if err != nil {
		n.logger.WithError(err).Warn("node: collaborator inventory unavailable, starting empty")
		repos = nil
	}
	n.engine.SetSeeded(repos)

	n.logger.WithFields(logrus.Fields{
		"bind":   n.conf.BindAddr,
		"seeded": len(repos),
	}).Info("node: initialized")

	return nil
}

// ID returns this node's identity.
func (n *Node) ID() crypto.NodeID {
	return n.id
}

// Addr returns the bound listener address. Only valid after Init.
func (n *Node) Addr() net.Addr {
	return n.listener.Addr()
}

// GetState returns the node lifecycle state.
func (n *Node) GetState() State {
	return n.state.getState()
}

// Run operates the node until Shutdown is called. It blocks.
func (n *Node) Run() {
	n.state.setState(Running)

	go n.acceptLoop()
	go n.controlTimer.Run(n.conf.AnnouncePeriod)

	// Announce ourselves as soon as we come up.
	n.announceSelf()
	n.announceInventory()

	pingTicker := time.NewTicker(n.conf.PingInterval)
	defer pingTicker.Stop()
	pruneTicker := time.NewTicker(n.conf.PrunePeriod)
	defer pruneTicker.Stop()

	for {
		select {
		case ev := <-n.events:
			n.handleEvent(ev)
		case cmd := <-n.commands:
			n.handleCommand(cmd)
		case res := <-n.dialed:
			n.handleDialed(res)
		case conn := <-n.accepted:
			n.handleAccepted(conn)
		case res := <-n.fetchResults:
			n.handleFetchResult(res)
		case up := <-n.refsReady:
			n.announceRefs(up.repo, up.digest)
		case <-n.controlTimer.tickCh:
			n.announceSelf()
			n.announceInventory()
			n.controlTimer.resetCh <- n.conf.AnnouncePeriod
		case <-pingTicker.C:
			n.pingSessions()
		case <-pruneTicker.C:
			n.pruneAddresses()
		case <-n.shutdownCh:
			n.teardown()
			return
		}
	}
}

// Shutdown stops the node and waits for teardown to complete. Idempotent.
func (n *Node) Shutdown() {
	reply := make(chan struct{})
	select {
	case n.commands <- &shutdownCmd{reply: reply}:
		<-reply
	case <-n.doneCh:
	}
	<-n.stoppedCh
}

// Connect dials a peer and opens a session. It returns once the
// connection is established; the handshake completes asynchronously.
func (n *Node) Connect(addr peers.Address) error {
	reply := make(chan error, 1)
	select {
	case n.commands <- &connectCmd{addr: addr, reply: reply}:
		return <-reply
	case <-n.doneCh:
		return ErrShutdown
	}
}

// AnnounceInventory reloads the local inventory from the collaborator and
// broadcasts it.
func (n *Node) AnnounceInventory() error {
	reply := make(chan error, 1)
	select {
	case n.commands <- &announceCmd{reply: reply}:
		return <-reply
	case <-n.doneCh:
		return ErrShutdown
	}
}

// FetchNow schedules an immediate fetch of the repository from the best
// known candidates.
func (n *Node) FetchNow(repo crypto.RepoID) error {
	reply := make(chan error, 1)
	select {
	case n.commands <- &fetchCmd{repo: repo, reply: reply}:
		return <-reply
	case <-n.doneCh:
		return ErrShutdown
	}
}

// Status returns a snapshot of the node.
func (n *Node) Status() Status {
	reply := make(chan Status, 1)
	select {
	case n.commands <- &statusCmd{reply: reply}:
		return <-reply
	case <-n.doneCh:
		return Status{NodeID: n.id.String(), State: Shutdown.String()}
	}
}

// Sessions returns a snapshot of the peer sessions.
func (n *Node) Sessions() []SessionInfo {
	reply := make(chan []SessionInfo, 1)
	select {
	case n.commands <- &sessionsCmd{reply: reply}:
		return <-reply
	case <-n.doneCh:
		return nil
	}
}

// RoutingTable returns the repository to seeders mapping from the store.
// Safe to call from any goroutine.
func (n *Node) RoutingTable() (map[crypto.RepoID][]crypto.NodeID, error) {
	return n.store.RoutingTable()
}

// KnownAddresses returns the address book from the store. Safe to call
// from any goroutine.
func (n *Node) KnownAddresses() ([]*peers.KnownAddress, error) {
	return n.store.AllAddresses()
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if n.state.getState() == Running {
				n.logger.WithError(err).Error("node: accept failed")
			}
			return
		}
		select {
		case n.accepted <- conn:
		case <-n.doneCh:
			conn.Close()
			return
		}
	}
}

// reportFetch is invoked from fetch worker goroutines.
func (n *Node) reportFetch(res fetch.Result) {
	select {
	case n.fetchResults <- res:
	case <-n.doneCh:
	}
}

func (n *Node) handleCommand(cmd command) {
	switch c := cmd.(type) {
	case *connectCmd:
		n.startDial(c)
	case *announceCmd:
		c.reply <- n.reloadInventory()
	case *fetchCmd:
		c.reply <- n.scheduleFetch(c.repo, crypto.ZeroNodeID)
	case *statusCmd:
		c.reply <- n.status()
	case *sessionsCmd:
		c.reply <- n.sessionInfos()
	case *shutdownCmd:
		// Concurrent Shutdown callers may each enqueue a command; only
		// the first one closes the channel.
		if !n.stopping {
			n.stopping = true
			close(n.shutdownCh)
		}
		c.reply <- struct{}{}
	}
}

func (n *Node) startDial(c *connectCmd) {
	if len(n.sessions) >= n.conf.MaxSessions {
		c.reply <- fmt.Errorf("node: session limit %d reached", n.conf.MaxSessions)
		return
	}

	addr := c.addr
	go func() {
		conn, err := net.DialTimeout("tcp", addr.String(), n.conf.DialTimeout)
		if err != nil {
			c.reply <- fmt.Errorf("dialing %s: %w", addr.String(), err)
			return
		}
		select {
		case n.dialed <- dialResult{conn: conn, addr: addr, reply: c.reply}:
		case <-n.doneCh:
			conn.Close()
			c.reply <- ErrShutdown
		}
	}()
}

func (n *Node) handleDialed(res dialResult) {
	if len(n.sessions) >= n.conf.MaxSessions {
		res.conn.Close()
		res.reply <- fmt.Errorf("node: session limit %d reached", n.conf.MaxSessions)
		return
	}

	s := n.startSession(res.conn, false)
	s.Addr = res.addr
	res.reply <- nil
}

func (n *Node) handleAccepted(conn net.Conn) {
	if len(n.sessions) >= n.conf.MaxSessions {
		n.logger.WithField("remote", conn.RemoteAddr().String()).
			Warn("node: session limit reached, rejecting inbound")
		conn.Close()
		return
	}
	n.startSession(conn, true)
}

func (n *Node) startSession(conn net.Conn, inbound bool) *session.Session {
	n.nextSession++
	s := session.New(n.nextSession, conn, inbound, n.conf.QueueSize, n.events, n.logger)
	s.SetState(session.Handshaking)
	s.Started = time.Now()
	n.sessions[s.ID()] = s
	s.Start()

	hs := &wire.Handshake{
		ProtoVersion: wire.ProtoVersion,
		NodeID:       n.id,
		Nonce:        rand.Uint64(),
	}
	wire.SignHandshake(n.key, hs)
	s.SendControl(hs)

	n.logger.WithFields(logrus.Fields{
		"session": s.ID(),
		"remote":  conn.RemoteAddr().String(),
		"inbound": inbound,
	}).Debug("node: session started")

	return s
}

func (n *Node) handleEvent(ev session.Event) {
	s, ok := n.sessions[ev.Session]
	if !ok {
		return
	}

	if ev.Msg == nil {
		n.dropSession(s, ev.Err)
		return
	}

	switch msg := ev.Msg.(type) {
	case *wire.Handshake:
		n.handleHandshake(s, msg)
	case *wire.Ping:
		s.SendControl(&wire.Pong{Nonce: msg.Nonce})
	case *wire.Pong:
		if msg.Nonce == s.PingNonce {
			s.LastPong = time.Now()
			if !s.Addr.IsZero() {
				if err := n.store.TouchAddress(s.Peer, s.Addr, s.LastPong); err != nil {
					n.logger.WithError(err).Debug("node: refreshing address failed")
				}
			}
		}
	case *wire.FetchRequest:
		n.handleFetchRequest(s, msg)
	case *wire.FetchResponse:
		n.logger.WithFields(logrus.Fields{
			"session": s.ID(),
			"repo":    msg.RepoID.Short(),
			"status":  msg.Status,
		}).Debug("node: fetch response")
	case wire.Announcement:
		n.handleAnnouncement(s, msg)
	default:
		n.logger.WithField("type", msg.Type().String()).Warn("node: unexpected message")
	}
}

func (n *Node) handleHandshake(s *session.Session, hs *wire.Handshake) {
	log := n.logger.WithField("session", s.ID())

	if s.State() != session.Handshaking {
		log.Warn("node: duplicate handshake, closing session")
		n.closeSession(s)
		return
	}
	if hs.ProtoVersion != wire.ProtoVersion {
		log.WithField("version", hs.ProtoVersion).Warn("node: protocol version mismatch")
		n.closeSession(s)
		return
	}
	if hs.NodeID == n.id {
		log.Debug("node: connected to self, closing")
		n.closeSession(s)
		return
	}
	if !wire.VerifyHandshake(hs) {
		log.Warn("node: handshake signature invalid")
		n.closeSession(s)
		return
	}
	if existing, ok := n.byPeer[hs.NodeID]; ok && existing != s.ID() {
		log.WithField("peer", hs.NodeID.Short()).Debug("node: duplicate session to peer, closing")
		n.closeSession(s)
		return
	}

	s.Peer = hs.NodeID
	s.SetState(session.Active)
	s.LastPong = time.Now()
	n.byPeer[hs.NodeID] = s.ID()
	n.engine.RegisterPath(s.ID(), hs.NodeID)

	// Outbound sessions know the peer's listening address; remember it.
	if !s.Inbound && !s.Addr.IsZero() {
		ka := &peers.KnownAddress{
			NodeID:   hs.NodeID,
			Address:  s.Addr,
			Source:   peers.SourcePeer,
			LastSeen: time.Now(),
		}
		if err := n.store.UpsertAddress(ka); err != nil {
			log.WithError(err).Warn("node: recording peer address failed")
		}
	}

	log.WithField("peer", hs.NodeID.Short()).Info("node: session active")

	// Bring the new peer up to date with our own facts.
	n.sendOwnAnnouncements(s)
}

func (n *Node) handleAnnouncement(s *session.Session, ann wire.Announcement) {
	if s.State() != session.Active {
		n.logger.WithField("session", s.ID()).Warn("node: announcement before handshake")
		n.closeSession(s)
		return
	}

	out, err := n.engine.Receive(s.ID(), ann)
	if err != nil {
		switch {
		case errors.Is(err, gossip.ErrRateLimited):
			n.logger.WithFields(logrus.Fields{
				"session":   s.ID(),
				"announcer": ann.Announcer().Short(),
			}).Warn("node: announcement rate limited")
		case errors.Is(err, gossip.ErrInvalidSignature):
			s.AuthFailures++
			n.logger.WithFields(logrus.Fields{
				"session":   s.ID(),
				"announcer": ann.Announcer().Short(),
				"failures":  s.AuthFailures,
			}).Warn("node: invalid announcement signature")
			n.penalizePeer(s.Peer)
			if s.AuthFailures >= maxAuthFailures {
				n.logger.WithFields(logrus.Fields{
					"session": s.ID(),
					"peer":    s.Peer.Short(),
				}).Warn("node: repeated invalid signatures, closing session")
				n.closeSession(s)
			}
		default:
			n.logger.WithError(err).Error("node: processing announcement failed")
		}
		return
	}

	for _, relay := range out.Relays {
		if rs, ok := n.sessions[relay.Session]; ok {
			rs.Send(relay.Ann)
		}
	}

	if !out.Fetch.IsZero() {
		if err := n.scheduleFetch(out.Fetch, out.From); err != nil {
			n.logger.WithError(err).Warn("node: scheduling fetch failed")
		}
	}
}

func (n *Node) handleFetchRequest(s *session.Session, req *wire.FetchRequest) {
	status := wire.FetchStatusUnknownRepo
	if n.engine.Seeded(req.RepoID) {
		status = wire.FetchStatusOK
	}
	s.SendControl(&wire.FetchResponse{RepoID: req.RepoID, Status: status})
}

// scheduleFetch assembles the candidate list for a repository: the node
// that announced the change first, then other known seeders by address
// score.
func (n *Node) scheduleFetch(repo crypto.RepoID, preferred crypto.NodeID) error {
	seeders := n.engine.Seeders(repo)
	if !preferred.IsZero() {
		ordered := []crypto.NodeID{preferred}
		for _, id := range seeders {
			if id != preferred {
				ordered = append(ordered, id)
			}
		}
		seeders = ordered
	}

	var candidates []fetch.Candidate
	for _, id := range seeders {
		if id == n.id {
			continue
		}
		addrs, err := n.store.Addresses(id)
		if err != nil {
			return err
		}
		for _, ka := range addrs {
			candidates = append(candidates, fetch.Candidate{Node: id, Addr: ka.Address})
		}
	}

	if len(candidates) == 0 {
		return fmt.Errorf("node: no candidates for %s", repo.Short())
	}

	if n.coord.Schedule(repo, candidates) {
		n.logger.WithFields(logrus.Fields{
			"repo":       repo.Short(),
			"candidates": len(candidates),
		}).Info("node: fetch scheduled")
	}
	return nil
}

func (n *Node) handleFetchResult(res fetch.Result) {
	log := n.logger.WithFields(logrus.Fields{
		"repo":     res.Repo.Short(),
		"status":   res.Status.String(),
		"attempts": res.Attempts,
	})

	if res.Status != fetch.Succeeded {
		log.WithError(res.Err).Warn("node: fetch failed")
		return
	}
	log.WithField("peer", res.Node.Short()).Info("node: fetch succeeded")

	// Compute the new refs digest off the reactor, then announce it.
	repo := res.Repo
	n.state.goFunc(func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.conf.DialTimeout)
		defer cancel()

		digest, err := n.transfer.RefsDigest(ctx, repo)
		if err != nil {
			n.logger.WithError(err).Warn("node: refs digest unavailable")
			return
		}
		select {
		case n.refsReady <- refsUpdate{repo: repo, digest: digest}:
		case <-n.doneCh:
		}
	})
}

// sendOwnAnnouncements pushes this node's current facts to one session.
func (n *Node) sendOwnAnnouncements(s *session.Session) {
	if ann := n.ownNodeAnnouncement(); ann != nil {
		s.Send(ann)
	}
	if ann := n.ownInventoryAnnouncement(); ann != nil {
		s.Send(ann)
	}
}

func (n *Node) announceSelf() {
	ann := n.ownNodeAnnouncement()
	if ann == nil {
		return
	}
	n.broadcast(ann)
}

func (n *Node) announceInventory() {
	ann := n.ownInventoryAnnouncement()
	if ann == nil {
		return
	}
	n.broadcast(ann)
}

func (n *Node) announceRefs(repo crypto.RepoID, digest [32]byte) {
	n.engine.SetLocalRefs(repo, digest)

	ann := &wire.RefsAnnouncement{
		NodeID:     n.id,
		RepoID:     repo,
		Timestamp:  n.stamp(),
		RefsDigest: digest,
	}
	wire.Sign(n.key, ann)
	n.broadcast(ann.WithTTL(n.conf.AnnounceTTL))
}

func (n *Node) broadcast(ann wire.Announcement) {
	relays, err := n.engine.Broadcast(ann)
	if err != nil {
		n.logger.WithError(err).Error("node: broadcasting announcement failed")
		return
	}
	for _, relay := range relays {
		if s, ok := n.sessions[relay.Session]; ok {
			s.Send(relay.Ann)
		}
	}
}

func (n *Node) ownNodeAnnouncement() wire.Announcement {
	addr, err := n.advertisedAddress()
	if err != nil {
		n.logger.WithError(err).Error("node: cannot determine advertised address")
		return nil
	}

	ann := &wire.NodeAnnouncement{
		NodeID:    n.id,
		Timestamp: n.stamp(),
		Alias:     n.conf.Alias,
		Addresses: []peers.Address{addr},
	}
	wire.Sign(n.key, ann)
	return ann.WithTTL(n.conf.AnnounceTTL)
}

func (n *Node) ownInventoryAnnouncement() wire.Announcement {
	ann := &wire.InventoryAnnouncement{
		NodeID:    n.id,
		Timestamp: n.stamp(),
		Repos:     n.engine.SeededRepos(),
	}
	wire.Sign(n.key, ann)
	return ann.WithTTL(n.conf.AnnounceTTL)
}


// reloadInventory refreshes the seeded set from the collaborator and
// broadcasts the new inventory.
func (n *Node) reloadInventory() error {
	ctx, cancel := context.WithTimeout(context.Background(), n.conf.DialTimeout)
	defer cancel()

	repos, err := n.transfer.Inventory(ctx)
	if err != nil {
		return fmt.Errorf("loading inventory: %w", err)
	}
	n.engine.SetSeeded(repos)
	n.announceInventory()
	return nil
}

// stamp returns a strictly increasing announcement timestamp.
func (n *Node) stamp() uint64 {
	now := uint64(time.Now().Unix())
	if now <= n.lastStamp {
		now = n.lastStamp + 1
	}
	n.lastStamp = now
	return now
}

func (n *Node) advertisedAddress() (peers.Address, error) {
	if n.conf.AdvertiseAddr != "" {
		return peers.ParseAddress(n.conf.AdvertiseAddr)
	}
	// The listener address resolves ":0" bindings to the actual port.
	return peers.ParseAddress(n.listener.Addr().String())
}

// penalizePeer demotes every known address of a misbehaving peer.
func (n *Node) penalizePeer(id crypto.NodeID) {
	addrs, err := n.store.Addresses(id)
	if err != nil {
		n.logger.WithError(err).Warn("node: penalizing peer failed")
		return
	}
	for _, ka := range addrs {
		if err := n.store.BumpAddress(id, ka.Address, -1); err != nil {
			n.logger.WithError(err).Warn("node: penalizing peer failed")
		}
	}
}

func (n *Node) pingSessions() {
	now := time.Now()
	for _, s := range n.sessions {
		// A peer that never completes the handshake must not hold its
		// slot past the keepalive deadline.
		if s.State() == session.Handshaking {
			if now.Sub(s.Started) > n.conf.PongTimeout {
				n.logger.WithFields(logrus.Fields{
					"session": s.ID(),
					"remote":  s.RemoteAddr().String(),
				}).Warn("node: handshake timed out, closing session")
				n.closeSession(s)
			}
			continue
		}
		if s.State() != session.Active {
			continue
		}
		if now.Sub(s.LastPong) > n.conf.PongTimeout {
			n.logger.WithFields(logrus.Fields{
				"session": s.ID(),
				"peer":    s.Peer.Short(),
			}).Warn("node: peer unresponsive, closing session")
			n.closeSession(s)
			continue
		}
		s.PingNonce = rand.Uint64()
		s.PingSent = now
		s.SendControl(&wire.Ping{Nonce: s.PingNonce})
	}
}

func (n *Node) pruneAddresses() {
	cutoff := time.Now().Add(-n.conf.AddressTTL)
	pruned, err := n.store.PruneAddresses(cutoff)
	if err != nil {
		n.logger.WithError(err).Warn("node: pruning addresses failed")
		return
	}
	if pruned > 0 {
		n.logger.WithField("pruned", pruned).Info("node: stale addresses evicted")
	}
}

func (n *Node) closeSession(s *session.Session) {
	// Buffered messages get a bounded chance to flush; the reader then
	// reports termination, which completes the drop.
	s.CloseGraceful(n.conf.CloseGrace)
}

func (n *Node) dropSession(s *session.Session, err error) {
	if err != nil && s.State() != session.Closing {
		n.logger.WithFields(logrus.Fields{
			"session": s.ID(),
			"peer":    s.Peer.Short(),
		}).WithError(err).Debug("node: session terminated")
	}

	s.Close()
	n.engine.DropPath(s.ID())
	delete(n.sessions, s.ID())
	if id, ok := n.byPeer[s.Peer]; ok && id == s.ID() {
		delete(n.byPeer, s.Peer)
	}
}

func (n *Node) status() Status {
	active := 0
	for _, s := range n.sessions {
		if s.State() == session.Active {
			active++
		}
	}
	return Status{
		NodeID:   n.id.String(),
		Alias:    n.conf.Alias,
		State:    n.state.getState().String(),
		Sessions: active,
		Seeded:   len(n.engine.SeededRepos()),
		Fetches:  n.coord.InFlight(),
	}
}

func (n *Node) sessionInfos() []SessionInfo {
	infos := make([]SessionInfo, 0, len(n.sessions))
	for _, s := range n.sessions {
		info := SessionInfo{
			ID:      s.ID(),
			Remote:  s.RemoteAddr().String(),
			State:   s.State().String(),
			Inbound: s.Inbound,
			Queued:  s.QueueLen(),
		}
		if !s.Peer.IsZero() {
			info.Peer = s.Peer.String()
		}
		infos = append(infos, info)
	}
	return infos
}

func (n *Node) teardown() {
	n.logger.Info("node: shutting down")
	n.state.setState(ShuttingDown)

	n.listener.Close()
	n.controlTimer.Shutdown()

	for _, s := range n.sessions {
		s.Close()
	}
	n.sessions = make(map[session.ID]*session.Session)
	n.byPeer = make(map[crypto.NodeID]session.ID)

	close(n.doneCh)

	// Session readers may still deliver termination events; keep the
	// channel drained so they can exit.
	go func() {
		for range n.events {
		}
	}()

	n.coord.Stop()
	n.state.waitRoutines()
	n.state.setState(Shutdown)
	close(n.stoppedCh)
}
