package p2p

import (
	"github.com/tendermint/braid/config"
)

// PeerResources is the peer-networking state shared by every chain of a
// node: its identity, the peer database and the p2p settings.
type PeerResources struct {
	Self   NodeKey
	DB     *PeerDB
	Config *config.P2PConfig
}

// NewPeerResources bundles the node's peer-networking state.
func NewPeerResources(self NodeKey, db *PeerDB, cfg *config.P2PConfig) *PeerResources {
	return &PeerResources{Self: self, DB: db, Config: cfg}
}

// SelfAddress is the address peers use to reach this node, or "" if it is
// not known.
func (r *PeerResources) SelfAddress() string {
	if r.Config.ExternalAddress == "" {
		return ""
	}
	addr, err := NormalizeAddress(r.Config.ExternalAddress)
	if err != nil {
		return ""
	}
	return addr
}
