package types

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Tx is a pending transaction as seen by the mempool. The payload is opaque to
// this layer; only the metadata needed for admission and expiry is decoded.
type Tx struct {
	Hash         TxHash `json:"hash"`
	Payload      []byte `json:"payload"`
	GasLimit     uint64 `json:"gasLimit"`
	GasPrice     uint64 `json:"gasPrice"`
	CreationTime int64  `json:"creationTime"` // unix seconds
	TTL          int64  `json:"ttl"`          // seconds
}

var (
	ErrTxHashMismatch = errors.New("transaction hash does not match its contents")
	ErrTxEmpty        = errors.New("transaction payload is empty")
	ErrTxNoGas        = errors.New("transaction gas limit is zero")
	ErrTxBadTTL       = errors.New("transaction ttl must be positive")
)

// NewTx builds a transaction and computes its hash.
func NewTx(payload []byte, gasLimit, gasPrice uint64, created time.Time, ttl time.Duration) Tx {
	tx := Tx{
		Payload:      payload,
		GasLimit:     gasLimit,
		GasPrice:     gasPrice,
		CreationTime: created.Unix(),
		TTL:          int64(ttl / time.Second),
	}
	tx.Hash = tx.ComputeHash()
	return tx
}

// ComputeHash hashes the transaction's contents. The stored Hash field is not
// part of the preimage.
func (tx Tx) ComputeHash() TxHash {
	var meta [32]byte
	binary.BigEndian.PutUint64(meta[0:8], tx.GasLimit)
	binary.BigEndian.PutUint64(meta[8:16], tx.GasPrice)
	binary.BigEndian.PutUint64(meta[16:24], uint64(tx.CreationTime))
	binary.BigEndian.PutUint64(meta[24:32], uint64(tx.TTL))
	return SumHash(meta[:], tx.Payload)
}

// ValidateBasic performs stateless checks.
func (tx Tx) ValidateBasic() error {
	if len(tx.Payload) == 0 {
		return ErrTxEmpty
	}
	if tx.GasLimit == 0 {
		return ErrTxNoGas
	}
	if tx.TTL <= 0 {
		return ErrTxBadTTL
	}
	if tx.ComputeHash() != tx.Hash {
		return ErrTxHashMismatch
	}
	return nil
}

// Expired reports whether the tx's time-to-live has elapsed at now.
func (tx Tx) Expired(now time.Time) bool {
	return now.Unix() >= tx.CreationTime+tx.TTL
}

// Size is the number of payload bytes, used for mempool byte limits.
func (tx Tx) Size() int { return len(tx.Payload) }

func (tx Tx) String() string {
	return fmt.Sprintf("Tx{%s gas=%d price=%d}", tx.Hash.Short(), tx.GasLimit, tx.GasPrice)
}

// Txs is a list of transactions.
type Txs []Tx

// Hashes returns the hashes of txs, in order.
func (txs Txs) Hashes() []TxHash {
	hashes := make([]TxHash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash
	}
	return hashes
}

// TxCodec converts transactions to and from their wire form.
type TxCodec interface {
	Encode(Tx) ([]byte, error)
	Decode([]byte) (Tx, error)
}

// JSONTxCodec is the default TxCodec. Decode rejects transactions whose hash
// does not match their contents.
type JSONTxCodec struct{}

var _ TxCodec = JSONTxCodec{}

func (JSONTxCodec) Encode(tx Tx) ([]byte, error) {
	return json.Marshal(tx)
}

func (JSONTxCodec) Decode(bz []byte) (Tx, error) {
	var tx Tx
	if err := json.Unmarshal(bz, &tx); err != nil {
		return Tx{}, fmt.Errorf("decoding transaction: %w", err)
	}
	if err := tx.ValidateBasic(); err != nil {
		return Tx{}, err
	}
	return tx, nil
}
