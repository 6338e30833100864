package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/peers"
	"github.com/keepsimple1/heartwood/src/wire"
)

// ErrNotFound is returned when a read names a record that does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the node's durable state: the address book, accepted
// announcements, and the routing table derived from them. It is backed by
// a single SQLite file; every operation is a discrete transaction, so the
// store can be shared between the reactor and the fetch workers without
// long-lived locks.
type Store struct {
	db     *sql.DB
	logger *logrus.Entry
}

// New opens (or creates) the database at path and applies pending
// migrations.
func New(path string, logger *logrus.Entry) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database. Outstanding transactions complete
// first; database/sql blocks Close until connections are returned.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, retrying once on failure before
// surfacing the error to the caller of the operation.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	err := s.tryTx(fn)
	if err != nil {
		s.logger.WithError(err).Warn("store: transaction failed, retrying once")
		err = s.tryTx(fn)
	}
	return err
}

func (s *Store) tryTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Announcement is the stored form of an accepted gossip announcement: the
// canonical signed payload plus the fields the acceptance check needs.
type Announcement struct {
	NodeID    crypto.NodeID
	Kind      wire.Kind
	RepoID    crypto.RepoID // zero unless Kind == KindRefs
	Timestamp uint64
	Payload   []byte
	Signature []byte
}

func (a *Announcement) repoKey() string {
	if a.Kind != wire.KindRefs {
		return ""
	}
	return a.RepoID.String()
}

// AcceptAnnouncement records the announcement if it is strictly newer than
// the one already held for its (node, kind[, repo]) key. The freshness
// check and the write happen in one transaction, so two concurrent
// acceptances of conflicting versions cannot both win. Equal timestamps
// are rejected as stale.
func (s *Store) AcceptAnnouncement(a *Announcement) (bool, error) {
	accepted := false

	err := s.withTx(func(tx *sql.Tx) error {
		accepted = false

		var existing int64
		err := tx.QueryRow(
			`SELECT timestamp FROM announcements WHERE node_id = ? AND kind = ? AND repo_id = ?`,
			a.NodeID.String(), int(a.Kind), a.repoKey(),
		).Scan(&existing)

		switch {
		case err == sql.ErrNoRows:
			// First announcement for this key.
		case err != nil:
			return err
		case uint64(existing) >= a.Timestamp:
			return nil
		}

		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO announcements (node_id, kind, repo_id, timestamp, payload, signature)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			a.NodeID.String(), int(a.Kind), a.repoKey(), int64(a.Timestamp), a.Payload, a.Signature,
		); err != nil {
			return err
		}

		accepted = true
		return nil
	})

	return accepted, err
}

// Announcement returns the stored record for the given key.
func (s *Store) Announcement(node crypto.NodeID, kind wire.Kind, repo crypto.RepoID) (*Announcement, error) {
	repoKey := ""
	if kind == wire.KindRefs {
		repoKey = repo.String()
	}

	a := &Announcement{NodeID: node, Kind: kind}

	var ts int64
	var repoStr string
	err := s.db.QueryRow(
		`SELECT repo_id, timestamp, payload, signature FROM announcements
		 WHERE node_id = ? AND kind = ? AND repo_id = ?`,
		node.String(), int(kind), repoKey,
	).Scan(&repoStr, &ts, &a.Payload, &a.Signature)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Timestamp = uint64(ts)
	if repoStr != "" {
		if a.RepoID, err = crypto.ParseRepoID(repoStr); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// SetInventory replaces the routing rows derived from a node's inventory
// announcement: the node seeds exactly the given repositories from now on.
func (s *Store) SetInventory(node crypto.NodeID, repos []crypto.RepoID, updatedAt uint64) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`DELETE FROM routing WHERE node_id = ?`, node.String(),
		); err != nil {
			return err
		}
		for _, repo := range repos {
			if _, err := tx.Exec(
				`INSERT OR REPLACE INTO routing (repo_id, node_id, updated_at) VALUES (?, ?, ?)`,
				repo.String(), node.String(), int64(updatedAt),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddRouting records that a node seeds a repository.
func (s *Store) AddRouting(repo crypto.RepoID, node crypto.NodeID, updatedAt uint64) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO routing (repo_id, node_id, updated_at) VALUES (?, ?, ?)`,
			repo.String(), node.String(), int64(updatedAt),
		)
		return err
	})
}

// RemoveRouting drops a (repository, node) routing entry.
func (s *Store) RemoveRouting(repo crypto.RepoID, node crypto.NodeID) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`DELETE FROM routing WHERE repo_id = ? AND node_id = ?`,
			repo.String(), node.String(),
		)
		return err
	})
}

// Routing returns the nodes currently believed to seed the repository.
func (s *Store) Routing(repo crypto.RepoID) ([]crypto.NodeID, error) {
	rows, err := s.db.Query(
		`SELECT node_id FROM routing WHERE repo_id = ? ORDER BY node_id`,
		repo.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []crypto.NodeID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, err
		}
		id, err := crypto.ParseNodeID(idStr)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, id)
	}

	return nodes, rows.Err()
}

// RoutingTable returns the full repository -> seeders mapping. Used to
// rebuild the in-memory projection on startup.
func (s *Store) RoutingTable() (map[crypto.RepoID][]crypto.NodeID, error) {
	rows, err := s.db.Query(`SELECT repo_id, node_id FROM routing`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	table := make(map[crypto.RepoID][]crypto.NodeID)
	for rows.Next() {
		var repoStr, nodeStr string
		if err := rows.Scan(&repoStr, &nodeStr); err != nil {
			return nil, err
		}
		repo, err := crypto.ParseRepoID(repoStr)
		if err != nil {
			return nil, err
		}
		node, err := crypto.ParseNodeID(nodeStr)
		if err != nil {
			return nil, err
		}
		table[repo] = append(table[repo], node)
	}

	return table, rows.Err()
}

// UpsertAddress inserts or refreshes an address book entry. An existing
// entry keeps its score; last seen and source are updated.
func (s *Store) UpsertAddress(ka *peers.KnownAddress) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO addresses (node_id, host, port, source, last_seen, score)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (node_id, host, port)
			 DO UPDATE SET last_seen = excluded.last_seen, source = excluded.source`,
			ka.NodeID.String(), ka.Address.Host, int(ka.Address.Port),
			int(ka.Source), ka.LastSeen.Unix(), peers.ClampScore(ka.Score),
		)
		return err
	})
}

// Addresses returns the known addresses for a node, best candidates first.
func (s *Store) Addresses(node crypto.NodeID) ([]*peers.KnownAddress, error) {
	return s.queryAddresses(
		`SELECT node_id, host, port, source, last_seen, score FROM addresses
		 WHERE node_id = ? ORDER BY score DESC, last_seen DESC`,
		node.String(),
	)
}

// AllAddresses returns the whole address book.
func (s *Store) AllAddresses() ([]*peers.KnownAddress, error) {
	return s.queryAddresses(
		`SELECT node_id, host, port, source, last_seen, score FROM addresses
		 ORDER BY node_id, score DESC, last_seen DESC`,
	)
}

func (s *Store) queryAddresses(query string, args ...interface{}) ([]*peers.KnownAddress, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*peers.KnownAddress
	for rows.Next() {
		var idStr string
		var port, source, score int
		var lastSeen int64
		ka := &peers.KnownAddress{}

		if err := rows.Scan(&idStr, &ka.Address.Host, &port, &source, &lastSeen, &score); err != nil {
			return nil, err
		}
		if ka.NodeID, err = crypto.ParseNodeID(idStr); err != nil {
			return nil, err
		}
		ka.Address.Port = uint16(port)
		ka.Source = peers.Source(source)
		ka.LastSeen = time.Unix(lastSeen, 0)
		ka.Score = score

		out = append(out, ka)
	}

	return out, rows.Err()
}

// BumpAddress adjusts an address score by delta, clamping to the allowed
// range. Entries that sink below the minimum are evicted.
func (s *Store) BumpAddress(node crypto.NodeID, addr peers.Address, delta int) error {
	return s.withTx(func(tx *sql.Tx) error {
		var score int
		err := tx.QueryRow(
			`SELECT score FROM addresses WHERE node_id = ? AND host = ? AND port = ?`,
			node.String(), addr.Host, int(addr.Port),
		).Scan(&score)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		score += delta
		if score < peers.MinScore {
			_, err = tx.Exec(
				`DELETE FROM addresses WHERE node_id = ? AND host = ? AND port = ?`,
				node.String(), addr.Host, int(addr.Port),
			)
			return err
		}

		_, err = tx.Exec(
			`UPDATE addresses SET score = ? WHERE node_id = ? AND host = ? AND port = ?`,
			peers.ClampScore(score), node.String(), addr.Host, int(addr.Port),
		)
		return err
	})
}

// TouchAddress refreshes the last-seen time of an address book entry.
func (s *Store) TouchAddress(node crypto.NodeID, addr peers.Address, seen time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE addresses SET last_seen = ? WHERE node_id = ? AND host = ? AND port = ?`,
			seen.Unix(), node.String(), addr.Host, int(addr.Port),
		)
		return err
	})
}

// PruneAddresses evicts entries not seen since the cutoff, keeping
// bootstrap entries. Returns the number of evicted rows.
func (s *Store) PruneAddresses(cutoff time.Time) (int, error) {
	var pruned int

	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`DELETE FROM addresses WHERE last_seen < ? AND source != ?`,
			cutoff.Unix(), int(peers.SourceBootstrap),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		pruned = int(n)
		return err
	})

	return pruned, err
}

// NodeInfo is the stored metadata for a node identity.
type NodeInfo struct {
	ID        crypto.NodeID
	Alias     string
	Features  uint64
	UpdatedAt uint64
}

// UpsertNode records or refreshes a node's declared metadata.
func (s *Store) UpsertNode(info *NodeInfo) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO nodes (id, alias, features, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
				alias = excluded.alias,
				features = excluded.features,
				updated_at = excluded.updated_at`,
			info.ID.String(), info.Alias, int64(info.Features), int64(info.UpdatedAt),
		)
		return err
	})
}

// Node returns the stored metadata for a node identity.
func (s *Store) Node(id crypto.NodeID) (*NodeInfo, error) {
	info := &NodeInfo{ID: id}

	var features, updatedAt int64
	err := s.db.QueryRow(
		`SELECT alias, features, updated_at FROM nodes WHERE id = ?`,
		id.String(),
	).Scan(&info.Alias, &features, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	info.Features = uint64(features)
	info.UpdatedAt = uint64(updatedAt)

	return info, nil
}
