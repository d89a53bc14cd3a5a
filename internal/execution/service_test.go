package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/braid/config"
	"github.com/tendermint/braid/libs/log"
	"github.com/tendermint/braid/types"
)

type recordingRemover struct {
	mtx     sync.Mutex
	removed []types.TxHash
}

func (r *recordingRemover) Remove(hashes []types.TxHash) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.removed = append(r.removed, hashes...)
	return nil
}

type testBlock struct {
	header *types.BlockHeader
	data   *types.PayloadData
}

func makeBlocks(cid types.ChainID, n int) []testBlock {
	parent := types.GenesisHeader(types.Development, cid)
	blocks := make([]testBlock, n)
	for i := range blocks {
		tx := types.NewTx([]byte{byte(i), 1}, 10, 1, time.Unix(100, 0), time.Hour)
		data := types.NewPayloadData(types.Txs{tx}, nil)
		h := types.NewChildHeader(parent, data.PayloadHash, time.Unix(int64(200+i), 0))
		blocks[i] = testBlock{header: h, data: data}
		parent = h
	}
	return blocks
}

func startService(t *testing.T, ctx context.Context, mp TxRemover, engine Engine) *RequestService {
	t.Helper()
	rs := NewService(log.TestingLogger(), config.DefaultExecutionConfig(), mp, engine)
	require.NoError(t, rs.Start(ctx))
	t.Cleanup(func() { _ = rs.Stop() })
	return rs
}

func TestRequestServiceExecutesInOrder(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mp := &recordingRemover{}
	engine := NewDigestEngine(0)
	rs := startService(t, ctx, mp, engine)

	blocks := makeBlocks(0, 3)
	for _, b := range blocks {
		p, err := rs.ValidateBlock(ctx, b.header, b.data)
		require.NoError(t, err)
		require.Equal(t, b.data.PayloadHash, p.PayloadHash)
		require.Len(t, p.Transactions, 1)
		assert.Equal(t, engine.StateHash(), p.Coinbase.StateHash)
	}
	require.EqualValues(t, 3, rs.Height())
	require.EqualValues(t, 3, engine.Blocks())

	var want []types.TxHash
	for _, b := range blocks {
		want = append(want, b.data.Transactions.Hashes()...)
	}
	require.Equal(t, want, mp.removed)

	// replaying an already executed block is refused
	_, err := rs.ValidateBlock(ctx, blocks[1].header, blocks[1].data)
	require.ErrorIs(t, err, ErrUnexpectedHeight)
}

func TestRequestServiceRejectsInvalidBlocks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rs := startService(t, ctx, &recordingRemover{}, NewDigestEngine(0))

	blocks := makeBlocks(0, 2)

	_, err := rs.ValidateBlock(ctx, blocks[0].header, blocks[1].data)
	var invalid ErrInvalidBlock
	require.ErrorAs(t, err, &invalid)
	require.EqualValues(t, 1, invalid.Height)

	gen := types.GenesisHeader(types.Development, 0)
	_, err = rs.ValidateBlock(ctx, gen, types.GenesisPayload(types.Development, 0))
	require.ErrorAs(t, err, &invalid)

	tampered := *blocks[0].header
	tampered.CreationTime++
	_, err = rs.ValidateBlock(ctx, &tampered, blocks[0].data)
	require.ErrorIs(t, err, types.ErrHeaderHashMismatch)
}

func TestRequestServiceNotRunning(t *testing.T) {
	rs := NewService(log.NewNopLogger(), config.DefaultExecutionConfig(), &recordingRemover{}, NewDigestEngine(0))
	b := makeBlocks(0, 1)[0]
	_, err := rs.ValidateBlock(context.Background(), b.header, b.data)
	require.ErrorIs(t, err, ErrServiceStopped)

	require.NoError(t, rs.Start(context.Background()))
	require.NoError(t, rs.Stop())
	_, err = rs.ValidateBlock(context.Background(), b.header, b.data)
	require.ErrorIs(t, err, ErrServiceStopped)
}

type blockingEngine struct {
	*DigestEngine
	release chan struct{}
}

func (e blockingEngine) ExecBlock(ctx context.Context, h *types.BlockHeader, d *types.PayloadData) ([]types.TxOutput, error) {
	<-e.release
	return e.DigestEngine.ExecBlock(ctx, h, d)
}

func TestRequestServiceInvalidConfig(t *testing.T) {
	rs := NewService(log.NewNopLogger(), &config.ExecutionConfig{QueueSize: -1}, &recordingRemover{}, NewDigestEngine(0))
	require.Error(t, rs.Start(context.Background()))
	require.False(t, rs.IsRunning())
}

func TestRequestServiceCallerContext(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := blockingEngine{DigestEngine: NewDigestEngine(0), release: make(chan struct{})}
	rs := startService(t, ctx, &recordingRemover{}, engine)
	b := makeBlocks(0, 1)[0]

	reqCtx, reqCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer reqCancel()
	_, err := rs.ValidateBlock(reqCtx, b.header, b.data)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	close(engine.release)
	require.Eventually(t, func() bool { return rs.Height() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDigestEngineIsOrderSensitive(t *testing.T) {
	ctx := context.Background()
	tx1 := types.NewTx([]byte("a"), 1, 1, time.Unix(1, 0), time.Hour)
	tx2 := types.NewTx([]byte("b"), 1, 1, time.Unix(1, 0), time.Hour)
	gen := types.GenesisHeader(types.Development, 0)

	run := func(txs types.Txs) types.Hash {
		e := NewDigestEngine(0)
		data := types.NewPayloadData(txs, nil)
		h := types.NewChildHeader(gen, data.PayloadHash, time.Unix(5, 0))
		_, err := e.ExecBlock(ctx, h, data)
		require.NoError(t, err)
		return e.StateHash()
	}

	require.Equal(t, run(types.Txs{tx1, tx2}), run(types.Txs{tx1, tx2}))
	require.NotEqual(t, run(types.Txs{tx1, tx2}), run(types.Txs{tx2, tx1}))
	require.NotEqual(t, NewDigestEngine(0).StateHash(), NewDigestEngine(1).StateHash())
}
