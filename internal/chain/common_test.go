package chain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/braid/config"
	"github.com/tendermint/braid/internal/p2p"
	"github.com/tendermint/braid/internal/payload"
	"github.com/tendermint/braid/internal/store"
	"github.com/tendermint/braid/types"
)

// testingT is satisfied by *testing.T and *rapid.T.
type testingT interface {
	require.TestingT
	Helper()
}

// writeChain appends n blocks to the stored history of chainID and stores
// their payloads. It returns the whole history, genesis first.
func writeChain(
	t testingT,
	storage dbm.DB,
	payloads *payload.DBStore,
	chainID types.ChainID,
	n int,
) []*types.BlockHeader {
	t.Helper()
	hdb, err := store.OpenHeaderDB(storage, types.Development, chainID)
	require.NoError(t, err)
	defer hdb.Close() //nolint:errcheck

	parent, err := hdb.Latest()
	require.NoError(t, err)
	history := []*types.BlockHeader{parent}
	for i := 0; i < n; i++ {
		tx := types.NewTx([]byte{byte(i), byte(i >> 8), byte(chainID)}, 10, 1, time.Unix(100, 0), time.Hour)
		data := types.NewPayloadData(types.Txs{tx}, nil)
		pwo, err := types.NewPayloadWithOutputs(data, []types.TxOutput{{TxHash: tx.Hash}}, types.TxOutput{})
		require.NoError(t, err)
		require.NoError(t, payloads.Put(pwo))

		header := types.NewChildHeader(parent, data.PayloadHash, time.Unix(int64(200+i), 0))
		require.NoError(t, hdb.Insert(header))
		history = append(history, header)
		parent = header
	}
	return history
}

// recordingEngine records the height of every block it executes.
type recordingEngine struct {
	mtx     sync.Mutex
	heights []int64
}

func (e *recordingEngine) ExecBlock(
	_ context.Context,
	header *types.BlockHeader,
	data *types.PayloadData,
) ([]types.TxOutput, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.heights = append(e.heights, header.Height)
	outputs := make([]types.TxOutput, len(data.Transactions))
	for i, tx := range data.Transactions {
		outputs[i] = types.TxOutput{TxHash: tx.Hash, GasUsed: tx.GasLimit}
	}
	return outputs, nil
}

func (e *recordingEngine) StateHash() types.Hash { return types.Hash{} }

func (e *recordingEngine) executed() []int64 {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return append([]int64(nil), e.heights...)
}

func heights(headers []*types.BlockHeader) []int64 {
	out := make([]int64, len(headers))
	for i, h := range headers {
		out[i] = h.Height
	}
	return out
}

func newPeerResources(t *testing.T, bootstrap string) *p2p.PeerResources {
	t.Helper()
	cfg := config.TestP2PConfig()
	cfg.BootstrapPeers = bootstrap
	key, err := p2p.GenNodeKey()
	require.NoError(t, err)
	pdb, err := p2p.NewPeerDB(dbm.NewMemDB(), cfg.MaxPeers)
	require.NoError(t, err)
	return p2p.NewPeerResources(key, pdb, cfg)
}

// lifecycleRecorder records release order and can fail one acquisition.
type lifecycleRecorder struct {
	mtx      sync.Mutex
	failAt   string
	failWith error
	acquired []string
	released []string
}

func (r *lifecycleRecorder) hooks() lifecycleHooks {
	return lifecycleHooks{
		acquired: func(resource string) error {
			r.mtx.Lock()
			defer r.mtx.Unlock()
			r.acquired = append(r.acquired, resource)
			if resource == r.failAt {
				return r.failWith
			}
			return nil
		},
		released: func(resource string) {
			r.mtx.Lock()
			defer r.mtx.Unlock()
			r.released = append(r.released, resource)
		},
	}
}

func (r *lifecycleRecorder) releases() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]string(nil), r.released...)
}
