package mempool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/tendermint/braid/config"
	"github.com/tendermint/braid/libs/log"
	"github.com/tendermint/braid/types"
)

var _ Pool = (*TxMempool)(nil)

// TxMempoolOption sets an optional parameter on the TxMempool.
type TxMempoolOption func(*TxMempool)

// WithMetrics sets the mempool's metrics collector.
func WithMetrics(metrics *Metrics) TxMempoolOption {
	return func(txmp *TxMempool) { txmp.metrics = metrics }
}

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) TxMempoolOption {
	return func(txmp *TxMempool) { txmp.now = now }
}

// wrappedTx is a pending transaction with its position in insertion order.
type wrappedTx struct {
	tx        types.Tx
	seq       uint64
	timestamp time.Time
}

// TxMempool is the pending transaction pool of one chain. It is safe for
// concurrent use.
//
// Every admitted transaction receives a sequence number; together with the
// mempool's nonce it forms the Highwater marks the sync protocol uses to ask
// for "everything since last time".
type TxMempool struct {
	logger  log.Logger
	metrics *Metrics
	config  *config.MempoolConfig
	now     func() time.Time
	nonce   uuid.UUID

	mtx       sync.RWMutex
	txs       map[types.TxHash]*wrappedTx
	seq       uint64
	sizeBytes int64
	closed    bool

	// removed holds the hashes of transactions recently removed after block
	// execution so that peers cannot re-insert them.
	removed *lru.Cache
}

// NewTxMempool creates an empty mempool governed by cfg.
func NewTxMempool(logger log.Logger, cfg *config.MempoolConfig, options ...TxMempoolOption) (*TxMempool, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}

	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 1
	}
	removed, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}

	txmp := &TxMempool{
		logger:  logger,
		metrics: NopMetrics(),
		config:  cfg,
		now:     time.Now,
		nonce:   uuid.New(),
		txs:     make(map[types.TxHash]*wrappedTx),
		removed: removed,
	}
	for _, opt := range options {
		opt(txmp)
	}
	return txmp, nil
}

// Nonce identifies this mempool instance in Highwater marks.
func (txmp *TxMempool) Nonce() uuid.UUID { return txmp.nonce }

// Size returns the number of pending transactions.
func (txmp *TxMempool) Size() int {
	txmp.mtx.RLock()
	defer txmp.mtx.RUnlock()
	return len(txmp.txs)
}

// SizeBytes returns the total payload size of pending transactions.
func (txmp *TxMempool) SizeBytes() int64 {
	txmp.mtx.RLock()
	defer txmp.mtx.RUnlock()
	return txmp.sizeBytes
}

// Highwater returns the mark of the latest admitted transaction.
func (txmp *TxMempool) Highwater() Highwater {
	txmp.mtx.RLock()
	defer txmp.mtx.RUnlock()
	return Highwater{Nonce: txmp.nonce, Seq: txmp.seq}
}

// Add admits a single transaction, returning the reason when it is refused.
// Adding a transaction that is already pending is a no-op.
func (txmp *TxMempool) Add(tx types.Tx) error {
	txmp.mtx.Lock()
	defer txmp.mtx.Unlock()
	if txmp.closed {
		return ErrClosed
	}
	return txmp.addTx(tx, CheckedInsert)
}

func (txmp *TxMempool) Insert(ctx context.Context, t InsertType, txs []types.Tx) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	txmp.mtx.Lock()
	defer txmp.mtx.Unlock()
	if txmp.closed {
		return ErrClosed
	}

	for _, tx := range txs {
		if err := txmp.addTx(tx, t); err != nil {
			txmp.logger.Debug("rejected tx", "tx", tx.Hash, "insert", t, "err", err)
		}
	}
	return nil
}

// addTx must be called with the write lock held.
func (txmp *TxMempool) addTx(tx types.Tx, t InsertType) error {
	if _, ok := txmp.txs[tx.Hash]; ok {
		return nil
	}
	if err := txmp.checkTx(tx, t); err != nil {
		txmp.metrics.RejectedTxs.Add(1)
		return err
	}

	if len(txmp.txs) >= txmp.config.Size || int64(tx.Size())+txmp.sizeBytes > txmp.config.MaxTxsBytes {
		txmp.metrics.RejectedTxs.Add(1)
		return ErrMempoolIsFull{
			NumTxs:      len(txmp.txs),
			MaxTxs:      txmp.config.Size,
			TxsBytes:    txmp.sizeBytes,
			MaxTxsBytes: txmp.config.MaxTxsBytes,
		}
	}

	txmp.seq++
	txmp.txs[tx.Hash] = &wrappedTx{tx: tx, seq: txmp.seq, timestamp: txmp.now()}
	txmp.sizeBytes += int64(tx.Size())

	txmp.metrics.InsertedTxs.Add(1)
	txmp.updateSizeMetrics()
	return nil
}

func (txmp *TxMempool) checkTx(tx types.Tx, t InsertType) error {
	if err := tx.ValidateBasic(); err != nil {
		return err
	}
	if tx.Size() > txmp.config.MaxTxBytes {
		return ErrTxTooLarge{Max: txmp.config.MaxTxBytes, Actual: tx.Size()}
	}
	if tx.GasLimit > txmp.config.BlockGasLimit {
		return ErrGasLimitExceeded{Max: txmp.config.BlockGasLimit, Actual: tx.GasLimit}
	}
	if t == UncheckedInsert {
		return nil
	}
	if txmp.removed.Contains(tx.Hash) {
		return ErrTxRecentlyRemoved
	}
	if tx.Expired(txmp.now()) {
		return ErrTxExpired
	}
	return nil
}

func (txmp *TxMempool) Member(ctx context.Context, hashes []types.TxHash) ([]bool, error) {
	txmp.mtx.RLock()
	defer txmp.mtx.RUnlock()
	if txmp.closed {
		return nil, ErrClosed
	}

	out := make([]bool, len(hashes))
	for i, h := range hashes {
		_, out[i] = txmp.txs[h]
	}
	return out, nil
}

func (txmp *TxMempool) Lookup(ctx context.Context, hashes []types.TxHash) ([]*types.Tx, error) {
	txmp.mtx.RLock()
	defer txmp.mtx.RUnlock()
	if txmp.closed {
		return nil, ErrClosed
	}

	out := make([]*types.Tx, len(hashes))
	for i, h := range hashes {
		if wtx, ok := txmp.txs[h]; ok {
			tx := wtx.tx
			out[i] = &tx
		}
	}
	return out, nil
}

func (txmp *TxMempool) GetPending(
	ctx context.Context,
	since *Highwater,
	cb func([]types.TxHash) error,
) (*Highwater, error) {
	pending, mark, err := txmp.pendingSince(since)
	if err != nil {
		return nil, err
	}

	chunk := txmp.config.SyncChunkSize
	for start := 0; start < len(pending); start += chunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + chunk
		if end > len(pending) {
			end = len(pending)
		}
		if err := cb(pending[start:end]); err != nil {
			return nil, err
		}
	}
	return mark, nil
}

// pendingSince snapshots the hashes admitted after since, in insertion
// order, so callbacks run without holding the lock.
func (txmp *TxMempool) pendingSince(since *Highwater) ([]types.TxHash, *Highwater, error) {
	txmp.mtx.RLock()
	defer txmp.mtx.RUnlock()
	if txmp.closed {
		return nil, nil, ErrClosed
	}

	var after uint64
	if since != nil && since.Nonce == txmp.nonce {
		after = since.Seq
	}

	wtxs := make([]*wrappedTx, 0, len(txmp.txs))
	for _, wtx := range txmp.txs {
		if wtx.seq > after {
			wtxs = append(wtxs, wtx)
		}
	}
	sort.Slice(wtxs, func(i, j int) bool { return wtxs[i].seq < wtxs[j].seq })

	hashes := make([]types.TxHash, len(wtxs))
	for i, wtx := range wtxs {
		hashes[i] = wtx.tx.Hash
	}
	return hashes, &Highwater{Nonce: txmp.nonce, Seq: txmp.seq}, nil
}

// Remove drops transactions that were included in a block and remembers them
// so they are not admitted again.
func (txmp *TxMempool) Remove(hashes []types.TxHash) error {
	txmp.mtx.Lock()
	defer txmp.mtx.Unlock()
	if txmp.closed {
		return ErrClosed
	}

	for _, h := range hashes {
		txmp.removed.Add(h, struct{}{})
		wtx, ok := txmp.txs[h]
		if !ok {
			continue
		}
		txmp.removeTx(wtx)
		txmp.metrics.RemovedTxs.Add(1)
	}
	txmp.updateSizeMetrics()
	return nil
}

// Reap returns pending transactions to fill a block, highest gas price first,
// whose gas limits sum to at most maxGas. Expired transactions are purged.
func (txmp *TxMempool) Reap(maxGas uint64) (types.Txs, error) {
	txmp.mtx.Lock()
	defer txmp.mtx.Unlock()
	if txmp.closed {
		return nil, ErrClosed
	}

	txmp.purgeExpiredTxs()

	wtxs := make([]*wrappedTx, 0, len(txmp.txs))
	for _, wtx := range txmp.txs {
		wtxs = append(wtxs, wtx)
	}
	sort.Slice(wtxs, func(i, j int) bool {
		if wtxs[i].tx.GasPrice != wtxs[j].tx.GasPrice {
			return wtxs[i].tx.GasPrice > wtxs[j].tx.GasPrice
		}
		return wtxs[i].seq < wtxs[j].seq
	})

	var (
		txs    types.Txs
		gasSum uint64
	)
	for _, wtx := range wtxs {
		if gasSum+wtx.tx.GasLimit > maxGas {
			continue
		}
		gasSum += wtx.tx.GasLimit
		txs = append(txs, wtx.tx)
	}
	return txs, nil
}

// purgeExpiredTxs must be called with the write lock held.
func (txmp *TxMempool) purgeExpiredTxs() {
	now := txmp.now()
	for _, wtx := range txmp.txs {
		if wtx.tx.Expired(now) {
			txmp.removeTx(wtx)
		}
	}
	txmp.updateSizeMetrics()
}

func (txmp *TxMempool) removeTx(wtx *wrappedTx) {
	delete(txmp.txs, wtx.tx.Hash)
	txmp.sizeBytes -= int64(wtx.tx.Size())
}

func (txmp *TxMempool) updateSizeMetrics() {
	txmp.metrics.Size.Set(float64(len(txmp.txs)))
	txmp.metrics.SizeBytes.Set(float64(txmp.sizeBytes))
}

// Close releases the mempool. Pending transactions are dropped.
func (txmp *TxMempool) Close() error {
	txmp.mtx.Lock()
	defer txmp.mtx.Unlock()
	if txmp.closed {
		return errors.New("mempool already closed")
	}
	txmp.closed = true
	txmp.txs = make(map[types.TxHash]*wrappedTx)
	txmp.sizeBytes = 0
	txmp.updateSizeMetrics()
	return nil
}
