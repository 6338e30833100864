package service

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/node"
	"github.com/keepsimple1/heartwood/src/peers"
)

// Service exposes the node's control API over HTTP. Reads return JSON
// snapshots; writes are translated into node commands.
type Service struct {
	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
	mux         *http.ServeMux
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := &Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
		mux:         http.NewServeMux(),
	}

	service.registerHandlers()

	return service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	s.mux.HandleFunc("/status", s.makeHandler(http.MethodGet, s.GetStatus))
	s.mux.HandleFunc("/peers", s.makeHandler(http.MethodGet, s.GetPeers))
	s.mux.HandleFunc("/addresses", s.makeHandler(http.MethodGet, s.GetAddresses))
	s.mux.HandleFunc("/routing", s.makeHandler(http.MethodGet, s.GetRouting))
	s.mux.HandleFunc("/connect", s.makeHandler(http.MethodPost, s.PostConnect))
	s.mux.HandleFunc("/announce", s.makeHandler(http.MethodPost, s.PostAnnounce))
	s.mux.HandleFunc("/fetch", s.makeHandler(http.MethodPost, s.PostFetch))
	s.mux.HandleFunc("/shutdown", s.makeHandler(http.MethodPost, s.PostShutdown))
}

func (s *Service) makeHandler(method string, fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		if r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		fn(w, r)
	}
}

// Handler returns the service's HTTP handler, for embedding in another
// server.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving API")

	err := http.ListenAndServe(s.bindAddress, s.mux)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStatus ...
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.Status())
}

// GetPeers returns the active peer sessions.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.Sessions())
}

// GetAddresses returns the address book.
func (s *Service) GetAddresses(w http.ResponseWriter, r *http.Request) {
	addrs, err := s.node.KnownAddresses()
	if err != nil {
		s.logger.WithError(err).Error("Reading address book")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type entry struct {
		NodeID   string `json:"node_id"`
		Address  string `json:"address"`
		Source   string `json:"source"`
		LastSeen int64  `json:"last_seen"`
		Score    int    `json:"score"`
	}

	out := make([]entry, 0, len(addrs))
	for _, ka := range addrs {
		out = append(out, entry{
			NodeID:   ka.NodeID.String(),
			Address:  ka.Address.String(),
			Source:   ka.Source.String(),
			LastSeen: ka.LastSeen.Unix(),
			Score:    ka.Score,
		})
	}

	writeJSON(w, out)
}

// GetRouting returns the repository to seeders mapping.
func (s *Service) GetRouting(w http.ResponseWriter, r *http.Request) {
	table, err := s.node.RoutingTable()
	if err != nil {
		s.logger.WithError(err).Error("Reading routing table")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make(map[string][]string, len(table))
	for repo, seeders := range table {
		ids := make([]string, 0, len(seeders))
		for _, id := range seeders {
			ids = append(ids, id.String())
		}
		out[repo.String()] = ids
	}

	writeJSON(w, out)
}

// PostConnect dials a peer. Body: {"addr": "host:port"}.
func (s *Service) PostConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Addr string `json:"addr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	addr, err := peers.ParseAddress(req.Addr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.node.Connect(addr); err != nil {
		s.logger.WithError(err).Errorf("Connecting to %s", req.Addr)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PostAnnounce reloads the local inventory and broadcasts it.
func (s *Service) PostAnnounce(w http.ResponseWriter, r *http.Request) {
	if err := s.node.AnnounceInventory(); err != nil {
		s.logger.WithError(err).Error("Announcing inventory")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PostFetch schedules a fetch. Body: {"repo": "rad:..."}.
func (s *Service) PostFetch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Repo string `json:"repo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	repo, err := crypto.ParseRepoID(req.Repo)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.node.FetchNow(repo); err != nil {
		s.logger.WithError(err).Errorf("Fetching %s", req.Repo)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// PostShutdown stops the node.
func (s *Service) PostShutdown(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
	go s.node.Shutdown()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
