package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/braid/types"
)

const (
	// MinPeerScore and MaxPeerScore bound a peer's score.
	MinPeerScore int64 = -10
	MaxPeerScore int64 = 100
)

// PeerInfo is what a node remembers about a peer within one network.
type PeerInfo struct {
	Address     string    `json:"address"`
	Score       int64     `json:"score"`
	Failures    uint32    `json:"failures"` // since the last successful session
	LastSeen    time.Time `json:"last_seen"`
	LastFailure time.Time `json:"last_failure"`
	RetryAfter  time.Time `json:"retry_after"`
}

// Weight is the peer's relative chance of being picked for a session.
func (p PeerInfo) Weight() uint {
	return uint(p.Score - MinPeerScore + 1)
}

// NormalizeAddress validates a peer base URL and strips trailing slashes.
func NormalizeAddress(addr string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(addr))
	if err != nil {
		return "", fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid peer address %q: scheme must be http or https", addr)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid peer address %q: no host", addr)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

/*
PeerDB stores peers per network in a tm-db database, shared by every
protocol node of a process. It is safe for concurrent use.

The entire set of peers is kept in memory, for performance. It is loaded from
disk on initialization, and any changes are written back to disk (without
fsync, since we can afford to lose recent writes).
*/
type PeerDB struct {
	db       dbm.DB
	maxPeers int

	mtx   sync.Mutex
	peers map[NetworkID]map[string]*PeerInfo
}

// NewPeerDB loads every persisted peer of db. maxPeers bounds the number of
// peers remembered per network; 0 means unbounded.
func NewPeerDB(db dbm.DB, maxPeers int) (*PeerDB, error) {
	if db == nil {
		return nil, errors.New("no database provided")
	}
	pdb := &PeerDB{db: db, maxPeers: maxPeers, peers: map[NetworkID]map[string]*PeerInfo{}}
	if err := pdb.loadPeers(); err != nil {
		return nil, err
	}
	return pdb, nil
}

func (pdb *PeerDB) loadPeers() error {
	start, end := keyPeerInfoRange()
	iter, err := pdb.db.Iterator(start, end)
	if err != nil {
		return err
	}
	defer iter.Close()

	for ; iter.Valid(); iter.Next() {
		network, err := decodeNetwork(iter.Key())
		if err != nil {
			return err
		}
		peer := new(PeerInfo)
		if err := json.Unmarshal(iter.Value(), peer); err != nil {
			return fmt.Errorf("invalid peer data: %w", err)
		}
		pdb.network(network)[peer.Address] = peer
	}
	return iter.Error()
}

// network must be called with the lock held.
func (pdb *PeerDB) network(n NetworkID) map[string]*PeerInfo {
	peers, ok := pdb.peers[n]
	if !ok {
		peers = map[string]*PeerInfo{}
		pdb.peers[n] = peers
	}
	return peers
}

// Add remembers addr as a peer of network. It returns true if the peer was
// not known before.
func (pdb *PeerDB) Add(network NetworkID, addr string) (bool, error) {
	addr, err := NormalizeAddress(addr)
	if err != nil {
		return false, err
	}

	pdb.mtx.Lock()
	defer pdb.mtx.Unlock()

	peers := pdb.network(network)
	if _, ok := peers[addr]; ok {
		return false, nil
	}
	if pdb.maxPeers > 0 && len(peers) >= pdb.maxPeers {
		if err := pdb.evictWorst(network); err != nil {
			return false, err
		}
	}
	return true, pdb.set(network, PeerInfo{Address: addr})
}

// evictWorst drops the lowest scored peer. Must be called with the lock held.
func (pdb *PeerDB) evictWorst(network NetworkID) error {
	var worst *PeerInfo
	for _, p := range pdb.peers[network] {
		if worst == nil || p.Score < worst.Score {
			worst = p
		}
	}
	if worst == nil {
		return nil
	}
	delete(pdb.peers[network], worst.Address)
	return pdb.db.Delete(keyPeerInfo(network, worst.Address))
}

// Get returns a copy of the peer's info.
func (pdb *PeerDB) Get(network NetworkID, addr string) (PeerInfo, bool) {
	pdb.mtx.Lock()
	defer pdb.mtx.Unlock()
	p, ok := pdb.peers[network][addr]
	if !ok {
		return PeerInfo{}, false
	}
	return *p, true
}

// Ranked returns copies of the network's peers, best score first. Ties are
// broken by address to keep the order stable.
func (pdb *PeerDB) Ranked(network NetworkID) []PeerInfo {
	pdb.mtx.Lock()
	defer pdb.mtx.Unlock()

	peers := make([]PeerInfo, 0, len(pdb.peers[network]))
	for _, p := range pdb.peers[network] {
		peers = append(peers, *p)
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Score != peers[j].Score {
			return peers[i].Score > peers[j].Score
		}
		return peers[i].Address < peers[j].Address
	})
	return peers
}

// Update applies fn to the stored peer and persists the result.
func (pdb *PeerDB) Update(network NetworkID, addr string, fn func(*PeerInfo)) error {
	pdb.mtx.Lock()
	defer pdb.mtx.Unlock()

	p, ok := pdb.peers[network][addr]
	if !ok {
		return fmt.Errorf("unknown peer %s in %s", addr, network)
	}
	updated := *p
	fn(&updated)
	if updated.Score > MaxPeerScore {
		updated.Score = MaxPeerScore
	}
	if updated.Score < MinPeerScore {
		updated.Score = MinPeerScore
	}
	return pdb.set(network, updated)
}

// Delete forgets a peer, or does nothing if it does not exist.
func (pdb *PeerDB) Delete(network NetworkID, addr string) error {
	pdb.mtx.Lock()
	defer pdb.mtx.Unlock()

	if _, ok := pdb.peers[network][addr]; !ok {
		return nil
	}
	delete(pdb.peers[network], addr)
	return pdb.db.Delete(keyPeerInfo(network, addr))
}

// Size returns the number of peers known in network.
func (pdb *PeerDB) Size(network NetworkID) int {
	pdb.mtx.Lock()
	defer pdb.mtx.Unlock()
	return len(pdb.peers[network])
}

// set must be called with the lock held.
func (pdb *PeerDB) set(network NetworkID, peer PeerInfo) error {
	bz, err := json.Marshal(peer)
	if err != nil {
		return err
	}
	if err := pdb.db.Set(keyPeerInfo(network, peer.Address), bz); err != nil {
		return err
	}
	pdb.network(network)[peer.Address] = &peer
	return nil
}

//---------------------------------- KEY ENCODING -----------------------------------------

const prefixPeerInfo int64 = 1

// keyPeerInfo generates a peerInfo database key.
func keyPeerInfo(network NetworkID, addr string) []byte {
	key, err := orderedcode.Append(nil, prefixPeerInfo, network.Protocol, uint64(network.ChainID), addr)
	if err != nil {
		panic(err)
	}
	return key
}

// keyPeerInfoRange generates start/end keys for the entire peerInfo key range.
func keyPeerInfoRange() ([]byte, []byte) {
	start, err := orderedcode.Append(nil, prefixPeerInfo, "")
	if err != nil {
		panic(err)
	}
	end, err := orderedcode.Append(nil, prefixPeerInfo, orderedcode.Infinity)
	if err != nil {
		panic(err)
	}
	return start, end
}

func decodeNetwork(key []byte) (NetworkID, error) {
	var (
		prefix  int64
		network NetworkID
		chainID uint64
		addr    string
	)
	if _, err := orderedcode.Parse(string(key), &prefix, &network.Protocol, &chainID, &addr); err != nil {
		return NetworkID{}, fmt.Errorf("invalid peer key: %w", err)
	}
	if prefix != prefixPeerInfo {
		return NetworkID{}, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixPeerInfo, prefix)
	}
	network.ChainID = types.ChainID(chainID)
	return network, nil
}
