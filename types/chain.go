package types

import (
	"errors"
	"fmt"
	"strconv"
)

// ChainID identifies one chain of a network version.
type ChainID uint32

func (c ChainID) String() string { return strconv.FormatUint(uint64(c), 10) }

// ParseChainID parses a decimal chain id.
func ParseChainID(s string) (ChainID, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid chain id %q: %w", s, err)
	}
	return ChainID(n), nil
}

// Version names a network. Each version fixes the set of chains the network
// runs.
type Version string

const (
	Development Version = "development"
	Testnet     Version = "testnet"
	Mainnet     Version = "mainnet"
)

var chainCounts = map[Version]int{
	Development: 2,
	Testnet:     10,
	Mainnet:     20,
}

var ErrUnknownVersion = errors.New("unknown network version")

func (v Version) String() string { return string(v) }

// ValidateBasic checks the version is one the node knows about.
func (v Version) ValidateBasic() error {
	if _, ok := chainCounts[v]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVersion, string(v))
	}
	return nil
}

// Chains returns the chain ids of the version in ascending order.
func (v Version) Chains() []ChainID {
	n := chainCounts[v]
	ids := make([]ChainID, n)
	for i := range ids {
		ids[i] = ChainID(i)
	}
	return ids
}

// HasChain reports whether cid is part of the version's chain graph.
func (v Version) HasChain(cid ChainID) bool {
	return int(cid) < chainCounts[v]
}
