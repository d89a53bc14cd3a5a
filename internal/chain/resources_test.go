package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/braid/config"
	"github.com/tendermint/braid/internal/execution"
	"github.com/tendermint/braid/internal/mempool"
	"github.com/tendermint/braid/internal/payload"
	"github.com/tendermint/braid/internal/store"
	"github.com/tendermint/braid/libs/log"
	"github.com/tendermint/braid/types"
)

var reverseOrder = []string{resourceHeaderDB, resourceExecution, resourceMempool}

type chainFixture struct {
	storage  dbm.DB
	payloads *payload.DBStore
	history  []*types.BlockHeader
	engine   *recordingEngine
	lc       *lifecycleRecorder
	peers    string
	logger   log.Logger
}

func newChainFixture(t *testing.T, blocks int) *chainFixture {
	t.Helper()
	f := &chainFixture{
		storage:  dbm.NewMemDB(),
		payloads: payload.NewDBStore(dbm.NewMemDB()),
		engine:   &recordingEngine{},
		lc:       &lifecycleRecorder{},
		logger:   log.TestingLogger(),
	}
	f.history = writeChain(t, f.storage, f.payloads, 1, blocks)
	return f
}

func (f *chainFixture) run(
	ctx context.Context,
	t *testing.T,
	body func(context.Context, *ChainResources) error,
	opts ...Option,
) error {
	t.Helper()
	opts = append([]Option{WithEngine(f.engine), withHooks(f.lc.hooks())}, opts...)
	return WithChainResources(
		ctx,
		types.Development,
		1,
		f.storage,
		newPeerResources(t, f.peers),
		f.logger,
		config.TestMempoolConfig(),
		f.payloads,
		body,
		opts...,
	)
}

func TestWithChainResourcesReplaysBeforeBody(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	f := newChainFixture(t, 6)
	var kept *ChainResources
	err := f.run(context.Background(), t, func(ctx context.Context, res *ChainResources) error {
		kept = res
		// replay is complete before the bundle is handed out
		assert.Equal(t, heights(f.history[1:]), f.engine.executed())
		assert.Empty(t, f.lc.releases())

		assert.Equal(t, types.ChainID(1), res.ChainID)
		assert.Equal(t, types.Development, res.Version)
		assert.EqualValues(t, 6, res.HeaderDB.Height())
		assert.NotNil(t, res.Peer)

		tx := types.NewTx([]byte("fresh"), 10, 1, time.Now(), time.Hour)
		require.NoError(t, res.Mempool.Add(tx))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, reverseOrder, f.lc.releases())

	// nothing is usable once the scope has exited
	assert.ErrorIs(t, kept.Mempool.Add(types.NewTx([]byte("late"), 10, 1, time.Now(), time.Hour)), mempool.ErrClosed)
	_, err = kept.HeaderDB.Latest()
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = kept.Execution.ValidateBlock(context.Background(), f.history[1], types.NewPayloadData(nil, nil))
	assert.Error(t, err)
}

func TestWithChainResourcesNextBlockExecutes(t *testing.T) {
	f := newChainFixture(t, 2)
	err := f.run(context.Background(), t, func(ctx context.Context, res *ChainResources) error {
		tx := types.NewTx([]byte("next"), 10, 1, time.Now(), time.Hour)
		require.NoError(t, res.Mempool.Add(tx))

		data := types.NewPayloadData(types.Txs{tx}, nil)
		header := types.NewChildHeader(f.history[2], data.PayloadHash, time.Now())
		pwo, err := res.Execution.ValidateBlock(ctx, header, data)
		require.NoError(t, err)
		assert.Equal(t, data.PayloadHash, pwo.PayloadHash)
		assert.Zero(t, res.Mempool.Size())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, f.engine.executed())
}

func TestWithChainResourcesReturnsBodyError(t *testing.T) {
	f := newChainFixture(t, 1)
	boom := errors.New("boom")
	err := f.run(context.Background(), t, func(context.Context, *ChainResources) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, reverseOrder, f.lc.releases())
}

func TestWithChainResourcesAcquisitionFailures(t *testing.T) {
	boom := errors.New("acquisition failed")
	testCases := []struct {
		failAt   string
		released []string
	}{
		{resourceMempool, []string{resourceMempool}},
		{resourceExecution, []string{resourceExecution, resourceMempool}},
		{resourceHeaderDB, reverseOrder},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.failAt, func(t *testing.T) {
			t.Cleanup(leaktest.Check(t))

			f := newChainFixture(t, 3)
			f.lc.failAt = tc.failAt
			f.lc.failWith = boom

			called := false
			err := f.run(context.Background(), t, func(context.Context, *ChainResources) error {
				called = true
				return nil
			})
			require.ErrorIs(t, err, boom)
			assert.False(t, called)
			assert.Equal(t, tc.released, f.lc.releases())
			assert.Empty(t, f.engine.executed())
		})
	}
}

func TestWithChainResourcesUnknownChain(t *testing.T) {
	f := newChainFixture(t, 0)
	called := false
	err := WithChainResources(
		context.Background(),
		types.Development,
		42,
		f.storage,
		newPeerResources(t, ""),
		log.TestingLogger(),
		config.TestMempoolConfig(),
		f.payloads,
		func(context.Context, *ChainResources) error { called = true; return nil },
		withHooks(f.lc.hooks()),
	)
	require.ErrorIs(t, err, store.ErrWrongChain)
	assert.False(t, called)
	assert.Equal(t, []string{resourceExecution, resourceMempool}, f.lc.releases())
}

func TestWithChainResourcesOneBundlePerChain(t *testing.T) {
	f := newChainFixture(t, 1)
	err := f.run(context.Background(), t, func(ctx context.Context, _ *ChainResources) error {
		second := &lifecycleRecorder{}
		err := WithChainResources(
			ctx,
			types.Development,
			1,
			f.storage,
			newPeerResources(t, ""),
			log.TestingLogger(),
			config.TestMempoolConfig(),
			f.payloads,
			func(context.Context, *ChainResources) error {
				t.Error("second bundle of the same chain was built")
				return nil
			},
			withHooks(second.hooks()),
		)
		require.ErrorIs(t, err, store.ErrAlreadyOpen)
		assert.Equal(t, []string{resourceExecution, resourceMempool}, second.releases())
		return nil
	})
	require.NoError(t, err)

	// released with the first bundle
	require.NoError(t, f.run(context.Background(), t, func(context.Context, *ChainResources) error { return nil }))
}

func TestWithChainResourcesInvalidMempoolConfig(t *testing.T) {
	f := newChainFixture(t, 0)
	cfg := config.TestMempoolConfig()
	cfg.Size = -1
	err := WithChainResources(
		context.Background(),
		types.Development,
		1,
		f.storage,
		newPeerResources(t, ""),
		log.TestingLogger(),
		cfg,
		f.payloads,
		func(context.Context, *ChainResources) error { return nil },
		withHooks(f.lc.hooks()),
	)
	require.Error(t, err)
	assert.Empty(t, f.lc.releases())
}

func TestWithChainResourcesExecutionStartFailure(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	f := newChainFixture(t, 2)
	called := false
	err := f.run(context.Background(), t,
		func(context.Context, *ChainResources) error { called = true; return nil },
		WithExecutionConfig(&config.ExecutionConfig{QueueSize: 0}),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting execution service")
	assert.False(t, called)
	assert.Empty(t, f.engine.executed())
	assert.Equal(t, []string{resourceMempool}, f.lc.releases())
}

func TestWithChainResourcesCorruptionSkipsBody(t *testing.T) {
	f := newChainFixture(t, 4)
	// payloads of another node: the history is there, the bodies are not
	f.payloads = payload.NewDBStore(dbm.NewMemDB())

	called := false
	err := f.run(context.Background(), t, func(context.Context, *ChainResources) error {
		called = true
		return nil
	})
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.EqualValues(t, 1, ce.Header.Height)
	assert.False(t, called)
	assert.Equal(t, reverseOrder, f.lc.releases())
}

func TestWithChainResourcesCancelledReplay(t *testing.T) {
	f := newChainFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.run(ctx, t, func(context.Context, *ChainResources) error {
		t.Fatal("body must not run")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, reverseOrder, f.lc.releases())
}

func TestWithChainResourcesPanicStillReleases(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	f := newChainFixture(t, 2)
	require.PanicsWithValue(t, "body exploded", func() {
		_ = f.run(context.Background(), t, func(context.Context, *ChainResources) error {
			panic("body exploded")
		})
	})
	assert.Equal(t, reverseOrder, f.lc.releases())
}

func TestWithChainResourcesReportsReleaseError(t *testing.T) {
	f := newChainFixture(t, 1)
	err := f.run(context.Background(), t, func(_ context.Context, res *ChainResources) error {
		return res.HeaderDB.Close()
	})
	require.ErrorIs(t, err, store.ErrClosed)
	assert.Equal(t, reverseOrder, f.lc.releases())

	// a body error takes precedence over release errors
	boom := errors.New("boom")
	f.lc.released = nil
	err = f.run(context.Background(), t, func(_ context.Context, res *ChainResources) error {
		_ = res.HeaderDB.Close()
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, reverseOrder, f.lc.releases())
}

func TestWithChainResourcesExecutionOutlivesCancel(t *testing.T) {
	f := newChainFixture(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	err := f.run(ctx, t, func(ctx context.Context, res *ChainResources) error {
		cancel()
		<-ctx.Done()
		svc, ok := res.Execution.(*execution.RequestService)
		require.True(t, ok)
		assert.True(t, svc.IsRunning())
		return nil
	})
	require.NoError(t, err)
}
