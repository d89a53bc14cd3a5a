package mempool

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/tendermint/braid/libs/log"
	"github.com/tendermint/braid/types"
)

// SyncOption sets an optional parameter of a sync session.
type SyncOption func(*syncer)

// WithSyncInterval sets the pause between steady-state rounds.
func WithSyncInterval(d time.Duration) SyncOption {
	return func(s *syncer) { s.interval = d }
}

// WithSyncMetrics records pulled and pushed transactions.
func WithSyncMetrics(m *Metrics) SyncOption {
	return func(s *syncer) { s.metrics = m }
}

const defaultSyncInterval = 10 * time.Second

type syncer struct {
	logger   log.Logger
	local    Pool
	remote   Pool
	interval time.Duration
	metrics  *Metrics

	localMark  *Highwater
	remoteMark *Highwater
}

/*
SyncWith keeps local and remote in sync until ctx is done, which is the only
way it returns without an error.

The session first runs a full exchange: every transaction pending remotely
that local lacks is pulled, then every transaction pending locally that remote
lacks is pushed. onInitialSync is called once that exchange completes. From
then on, each round only exchanges transactions admitted since the previous
round, as tracked by each side's Highwater mark. A mark whose nonce no longer
matches the pool it came from triggers a full exchange for that side.
*/
func SyncWith(
	ctx context.Context,
	logger log.Logger,
	local, remote Pool,
	onInitialSync func(),
	opts ...SyncOption,
) error {
	s := &syncer{
		logger:   logger,
		local:    local,
		remote:   remote,
		interval: defaultSyncInterval,
		metrics:  NopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.round(ctx); err != nil {
		return err
	}
	logger.Debug("initial mempool sync complete")
	if onInitialSync != nil {
		onInitialSync()
	}

	limiter := rate.NewLimiter(rate.Every(s.interval), 1)
	limiter.Allow() // the initial exchange used the first token
	for {
		if err := limiter.Wait(ctx); err != nil {
			// the limiter refuses waits that would outlive the deadline
			<-ctx.Done()
			return ctx.Err()
		}
		if err := s.round(ctx); err != nil {
			return err
		}
	}
}

func (s *syncer) round(ctx context.Context) error {
	pulled, mark, err := s.transfer(ctx, s.remote, s.local, s.remoteMark)
	if err != nil {
		return err
	}
	s.remoteMark = mark
	s.metrics.PulledTxs.Add(float64(pulled))

	pushed, mark, err := s.transfer(ctx, s.local, s.remote, s.localMark)
	if err != nil {
		return err
	}
	s.localMark = mark
	s.metrics.PushedTxs.Add(float64(pushed))

	if pulled > 0 || pushed > 0 {
		s.logger.Debug("mempool sync round", "pulled", pulled, "pushed", pushed)
	}
	return nil
}

// transfer copies the transactions pending in src since mark that dst lacks.
func (s *syncer) transfer(ctx context.Context, src, dst Pool, mark *Highwater) (int, *Highwater, error) {
	moved := 0
	next, err := src.GetPending(ctx, mark, func(hashes []types.TxHash) error {
		present, err := dst.Member(ctx, hashes)
		if err != nil {
			return err
		}
		missing := make([]types.TxHash, 0, len(hashes))
		for i, h := range hashes {
			if !present[i] {
				missing = append(missing, h)
			}
		}
		if len(missing) == 0 {
			return nil
		}

		found, err := src.Lookup(ctx, missing)
		if err != nil {
			return err
		}
		txs := make([]types.Tx, 0, len(found))
		for _, tx := range found {
			if tx != nil {
				txs = append(txs, *tx)
			}
		}
		if len(txs) == 0 {
			return nil
		}
		if err := dst.Insert(ctx, CheckedInsert, txs); err != nil {
			return err
		}
		moved += len(txs)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return moved, next, nil
}
