package p2p

import (
	"fmt"

	"github.com/tendermint/braid/types"
)

// NetworkID names one protocol running over one chain, e.g. the mempool sync
// protocol of chain 3. Peers, scores and sessions are tracked per NetworkID.
type NetworkID struct {
	Protocol string
	ChainID  types.ChainID
}

func (n NetworkID) String() string {
	return fmt.Sprintf("%s/chain-%d", n.Protocol, n.ChainID)
}
