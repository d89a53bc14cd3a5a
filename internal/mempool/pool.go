package mempool

import (
	"context"

	"github.com/google/uuid"

	"github.com/tendermint/braid/types"
)

// InsertType tells a pool how much to trust the transactions it is given.
type InsertType int

const (
	// CheckedInsert applies every admission rule.
	CheckedInsert InsertType = iota
	// UncheckedInsert skips the recently-removed and expiry checks. Used when
	// re-admitting transactions the node already validated.
	UncheckedInsert
)

func (t InsertType) String() string {
	switch t {
	case CheckedInsert:
		return "checked"
	case UncheckedInsert:
		return "unchecked"
	default:
		return "unknown"
	}
}

// Highwater marks a position in a mempool's insertion order. Nonce changes
// whenever the mempool is recreated, which invalidates every mark handed out
// before.
type Highwater struct {
	Nonce uuid.UUID `json:"nonce"`
	Seq   uint64    `json:"seq"`
}

// Pool is the view of a mempool the sync protocol works against. It is
// implemented by the local TxMempool and by Remote, the client for a peer's
// mempool.
type Pool interface {
	// Member reports, for each hash, whether the pool holds the transaction.
	Member(ctx context.Context, hashes []types.TxHash) ([]bool, error)

	// Lookup returns the transactions for hashes in order. Missing
	// transactions are nil entries.
	Lookup(ctx context.Context, hashes []types.TxHash) ([]*types.Tx, error)

	// Insert offers transactions to the pool. Individual rejections are not
	// errors.
	Insert(ctx context.Context, t InsertType, txs []types.Tx) error

	// GetPending calls cb with the hashes of the transactions received after
	// since, in insertion order and in chunks. A nil since, or one carrying
	// another nonce, enumerates every pending transaction. The returned mark
	// covers everything that was enumerated.
	GetPending(ctx context.Context, since *Highwater, cb func([]types.TxHash) error) (*Highwater, error)
}
