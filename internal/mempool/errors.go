package mempool

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every operation on a closed mempool.
	ErrClosed = errors.New("mempool is closed")

	// ErrTxRecentlyRemoved is returned when a transaction that was recently
	// included in a block is offered again.
	ErrTxRecentlyRemoved = errors.New("tx was recently removed from the mempool")

	// ErrTxExpired is returned for transactions whose time-to-live elapsed.
	ErrTxExpired = errors.New("tx has expired")
)

// ErrMempoolIsFull defines an error where the mempool cannot accept more
// transactions.
type ErrMempoolIsFull struct {
	NumTxs      int
	MaxTxs      int
	TxsBytes    int64
	MaxTxsBytes int64
}

func (e ErrMempoolIsFull) Error() string {
	return fmt.Sprintf(
		"mempool is full: number of txs %d (max: %d), total txs bytes %d (max: %d)",
		e.NumTxs,
		e.MaxTxs,
		e.TxsBytes,
		e.MaxTxsBytes,
	)
}

// ErrTxTooLarge defines an error when a transaction payload exceeds the
// configured maximum.
type ErrTxTooLarge struct {
	Max    int
	Actual int
}

func (e ErrTxTooLarge) Error() string {
	return fmt.Sprintf("tx too large. Max size is %d, but got %d", e.Max, e.Actual)
}

// ErrGasLimitExceeded is returned for transactions requesting more gas than a
// block may consume.
type ErrGasLimitExceeded struct {
	Max    uint64
	Actual uint64
}

func (e ErrGasLimitExceeded) Error() string {
	return fmt.Sprintf("tx gas limit %d exceeds block gas limit %d", e.Actual, e.Max)
}

// RemoteError is returned by Remote when a peer answers a request with an
// error status.
type RemoteError struct {
	Peer       string
	StatusCode int
	Reason     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer %s answered %d: %s", e.Peer, e.StatusCode, e.Reason)
}
