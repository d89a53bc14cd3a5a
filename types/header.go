package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// BlockHeader is the persisted, content-addressed header of a block. The
// header history of a chain is the durable source of truth that execution
// state is rebuilt from.
type BlockHeader struct {
	ChainID      ChainID     `json:"chainId"`
	Version      Version     `json:"version"`
	Height       int64       `json:"height"`
	ParentHash   BlockHash   `json:"parent"`
	PayloadHash  PayloadHash `json:"payloadHash"`
	CreationTime int64       `json:"creationTime"` // unix microseconds
	Hash         BlockHash   `json:"hash"`
}

// genesisTime is the creation time shared by every genesis header.
var genesisTime = time.Date(2019, time.October, 30, 0, 0, 0, 0, time.UTC)

// GenesisPayload is the (empty) body of every genesis block.
func GenesisPayload(v Version, cid ChainID) *PayloadData {
	return NewPayloadData(nil, []byte(fmt.Sprintf("genesis/%s/%d", v, cid)))
}

// GenesisHeader returns the deterministic genesis header of a chain.
func GenesisHeader(v Version, cid ChainID) *BlockHeader {
	h := &BlockHeader{
		ChainID:      cid,
		Version:      v,
		Height:       0,
		PayloadHash:  GenesisPayload(v, cid).PayloadHash,
		CreationTime: genesisTime.UnixMicro(),
	}
	h.Hash = h.ComputeHash()
	return h
}

// NewChildHeader returns the header of a block built on parent.
func NewChildHeader(parent *BlockHeader, payloadHash PayloadHash, created time.Time) *BlockHeader {
	h := &BlockHeader{
		ChainID:      parent.ChainID,
		Version:      parent.Version,
		Height:       parent.Height + 1,
		ParentHash:   parent.Hash,
		PayloadHash:  payloadHash,
		CreationTime: created.UnixMicro(),
	}
	h.Hash = h.ComputeHash()
	return h
}

// ComputeHash hashes every field except Hash itself.
func (h *BlockHeader) ComputeHash() BlockHash {
	var fixed [20]byte
	binary.BigEndian.PutUint32(fixed[0:4], uint32(h.ChainID))
	binary.BigEndian.PutUint64(fixed[4:12], uint64(h.Height))
	binary.BigEndian.PutUint64(fixed[12:20], uint64(h.CreationTime))
	return SumHash(fixed[:], []byte(h.Version), h.ParentHash[:], h.PayloadHash[:])
}

var (
	ErrHeaderHashMismatch = errors.New("header hash does not match its contents")
	ErrNegativeHeight     = errors.New("negative height")
)

func (h *BlockHeader) ValidateBasic() error {
	if h.Height < 0 {
		return ErrNegativeHeight
	}
	if h.ComputeHash() != h.Hash {
		return ErrHeaderHashMismatch
	}
	return nil
}

// IsGenesis reports whether h is the first header of its chain.
func (h *BlockHeader) IsGenesis() bool { return h.Height == 0 }

func (h *BlockHeader) String() string {
	if h == nil {
		return "nil-BlockHeader"
	}
	return fmt.Sprintf("BlockHeader{chain=%d height=%d hash=%s payload=%s}",
		h.ChainID, h.Height, h.Hash.Short(), h.PayloadHash.Short())
}
