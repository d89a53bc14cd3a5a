package chain

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"
	"pgregory.net/rapid"

	"github.com/tendermint/braid/internal/payload"
	"github.com/tendermint/braid/internal/store"
	"github.com/tendermint/braid/libs/log"
	"github.com/tendermint/braid/types"
)

// fakeExec records the blocks submitted for validation.
type fakeExec struct {
	mtx     sync.Mutex
	headers []*types.BlockHeader
	failAt  int64
}

func (e *fakeExec) ValidateBlock(
	_ context.Context,
	header *types.BlockHeader,
	data *types.PayloadData,
) (*types.PayloadWithOutputs, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if header.PayloadHash != data.PayloadHash {
		return nil, errors.New("payload mismatch")
	}
	if header.Height == e.failAt {
		return nil, errors.New("execution failed")
	}
	e.headers = append(e.headers, header)
	return types.NewPayloadWithOutputs(data, make([]types.TxOutput, len(data.Transactions)), types.TxOutput{})
}

func openHistory(t testingT, n int) (*store.HeaderDB, *payload.DBStore, []*types.BlockHeader) {
	t.Helper()
	storage := dbm.NewMemDB()
	payloads := payload.NewDBStore(dbm.NewMemDB())
	history := writeChain(t, storage, payloads, 0, n)
	hdb, err := store.OpenHeaderDB(storage, types.Development, 0)
	require.NoError(t, err)
	return hdb, payloads, history
}

func TestReplayValidatesEveryBlockAfterGenesis(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(t, "blocks").(int)
		hdb, payloads, history := openHistory(t, n)
		defer hdb.Close() //nolint:errcheck

		exec := &fakeExec{failAt: -1}
		require.NoError(t, Replay(context.Background(), log.NewNopLogger(), exec, hdb, payloads))

		require.Len(t, exec.headers, len(history)-1)
		assert.Equal(t, heights(history[1:]), heights(exec.headers))
		for i, h := range exec.headers {
			assert.Equal(t, history[i+1].Hash, h.Hash)
		}
	})
}

func TestReplayMissingPayloadIsCorruption(t *testing.T) {
	storage := dbm.NewMemDB()
	payloads := payload.NewDBStore(dbm.NewMemDB())
	history := writeChain(t, storage, payloads, 0, 5)

	// drop the payload of the third block
	missing := history[3]
	pruned := payload.NewDBStore(dbm.NewMemDB())
	for _, h := range history[1:] {
		if h == missing {
			continue
		}
		pwo, err := payloads.Lookup(context.Background(), h.PayloadHash)
		require.NoError(t, err)
		require.NoError(t, pruned.Put(pwo))
	}

	hdb, err := store.OpenHeaderDB(storage, types.Development, 0)
	require.NoError(t, err)
	defer hdb.Close() //nolint:errcheck

	exec := &fakeExec{failAt: -1}
	err = Replay(context.Background(), log.NewNopLogger(), exec, hdb, pruned)

	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, missing.Hash, ce.Header.Hash)
	assert.Contains(t, ce.Error(), missing.PayloadHash.String())
	assert.True(t, IsCorruption(err))
	assert.Equal(t, []int64{1, 2}, heights(exec.headers))
}

func TestReplayStopsOnExecutionError(t *testing.T) {
	hdb, payloads, _ := openHistory(t, 4)
	defer hdb.Close() //nolint:errcheck

	exec := &fakeExec{failAt: 2}
	err := Replay(context.Background(), log.NewNopLogger(), exec, hdb, payloads)
	require.Error(t, err)
	assert.False(t, IsCorruption(err))
	assert.Equal(t, []int64{1}, heights(exec.headers))
}

func TestReplayHonorsCancellation(t *testing.T) {
	hdb, payloads, _ := openHistory(t, 3)
	defer hdb.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := &fakeExec{failAt: -1}
	err := Replay(ctx, log.NewNopLogger(), exec, hdb, payloads)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, exec.headers)
}

func TestReplayGenesisOnly(t *testing.T) {
	hdb, payloads, _ := openHistory(t, 0)
	defer hdb.Close() //nolint:errcheck

	exec := &fakeExec{failAt: -1}
	require.NoError(t, Replay(context.Background(), log.NewNopLogger(), exec, hdb, payloads))
	assert.Empty(t, exec.headers)
}
