package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/braid/types"
)

// makeChain returns n headers extending the genesis header of (v, cid).
func makeChain(v types.Version, cid types.ChainID, n int) []*types.BlockHeader {
	parent := types.GenesisHeader(v, cid)
	headers := make([]*types.BlockHeader, 0, n)
	for i := 0; i < n; i++ {
		pd := types.NewPayloadData(nil, []byte{byte(i)})
		h := types.NewChildHeader(parent, pd.PayloadHash, time.Unix(int64(1000+i), 0))
		headers = append(headers, h)
		parent = h
	}
	return headers
}

func TestOpenHeaderDBWritesGenesis(t *testing.T) {
	storage := dbm.NewMemDB()
	hdb, err := OpenHeaderDB(storage, types.Development, 1)
	require.NoError(t, err)

	require.EqualValues(t, 0, hdb.Height())
	require.EqualValues(t, 1, hdb.Size())

	gen, err := hdb.LoadByHeight(0)
	require.NoError(t, err)
	require.Equal(t, types.GenesisHeader(types.Development, 1), gen)

	byHash, err := hdb.LoadByHash(gen.Hash)
	require.NoError(t, err)
	require.Equal(t, gen, byHash)
}

func TestOpenHeaderDBRejectsUnknownChain(t *testing.T) {
	_, err := OpenHeaderDB(dbm.NewMemDB(), types.Development, 5)
	require.ErrorIs(t, err, ErrWrongChain)

	_, err = OpenHeaderDB(dbm.NewMemDB(), types.Version("bogus"), 0)
	require.ErrorIs(t, err, types.ErrUnknownVersion)
}

func TestHeaderDBInsertAndReopen(t *testing.T) {
	storage := dbm.NewMemDB()
	hdb, err := OpenHeaderDB(storage, types.Testnet, 3)
	require.NoError(t, err)

	headers := makeChain(types.Testnet, 3, 5)
	for _, h := range headers {
		require.NoError(t, hdb.Insert(h))
	}
	// re-inserting a stored header is a no-op
	require.NoError(t, hdb.Insert(headers[2]))
	require.EqualValues(t, 5, hdb.Height())
	require.NoError(t, hdb.Close())

	reopened, err := OpenHeaderDB(storage, types.Testnet, 3)
	require.NoError(t, err)
	require.EqualValues(t, 5, reopened.Height())

	latest, err := reopened.Latest()
	require.NoError(t, err)
	require.Equal(t, headers[4], latest)
}

func TestOpenHeaderDBOncePerChain(t *testing.T) {
	storage := dbm.NewMemDB()
	hdb, err := OpenHeaderDB(storage, types.Development, 1)
	require.NoError(t, err)

	_, err = OpenHeaderDB(storage, types.Development, 1)
	require.ErrorIs(t, err, ErrAlreadyOpen)

	// other chains and other storage handles are independent
	other, err := OpenHeaderDB(storage, types.Development, 0)
	require.NoError(t, err)
	elsewhere, err := OpenHeaderDB(dbm.NewMemDB(), types.Development, 1)
	require.NoError(t, err)

	require.NoError(t, hdb.Close())
	reopened, err := OpenHeaderDB(storage, types.Development, 1)
	require.NoError(t, err)

	for _, db := range []*HeaderDB{reopened, other, elsewhere} {
		require.NoError(t, db.Close())
	}
}

func TestOpenHeaderDBFailureReleasesChain(t *testing.T) {
	storage := dbm.NewMemDB()
	// a foreign genesis makes opening fail after the chain was claimed
	require.NoError(t, storage.Set(
		append(headerDBPrefix(types.Development, 1), headerByHeightKey(0)...),
		[]byte(`{"chainId":1,"version":"development","height":0}`),
	))
	_, err := OpenHeaderDB(storage, types.Development, 1)
	require.ErrorIs(t, err, ErrGenesisMismatch)

	_, err = OpenHeaderDB(storage, types.Development, 1)
	require.ErrorIs(t, err, ErrGenesisMismatch)
}

func TestHeaderDBInsertValidation(t *testing.T) {
	hdb, err := OpenHeaderDB(dbm.NewMemDB(), types.Development, 0)
	require.NoError(t, err)

	headers := makeChain(types.Development, 0, 3)

	// gap
	require.ErrorIs(t, hdb.Insert(headers[1]), ErrUnknownParent)

	// foreign chain
	foreign := makeChain(types.Development, 1, 1)[0]
	require.ErrorIs(t, hdb.Insert(foreign), ErrWrongChain)

	// tampered header
	tampered := *headers[0]
	tampered.CreationTime++
	require.ErrorIs(t, hdb.Insert(&tampered), types.ErrHeaderHashMismatch)

	require.NoError(t, hdb.Insert(headers[0]))

	// a different header at an existing height
	fork := types.NewChildHeader(types.GenesisHeader(types.Development, 0), types.SumHash([]byte("x")), time.Unix(5, 0))
	require.ErrorIs(t, hdb.Insert(fork), ErrConflict)
}

func TestHeaderDBIterateAscending(t *testing.T) {
	hdb, err := OpenHeaderDB(dbm.NewMemDB(), types.Development, 1)
	require.NoError(t, err)

	// more than one byte worth of heights checks key ordering
	headers := makeChain(types.Development, 1, 300)
	for _, h := range headers {
		require.NoError(t, hdb.Insert(h))
	}

	var heights []int64
	require.NoError(t, hdb.Iterate(func(h *types.BlockHeader) error {
		heights = append(heights, h.Height)
		return nil
	}))
	require.Len(t, heights, 301)
	for i, h := range heights {
		assert.EqualValues(t, i, h)
	}
}

func TestHeaderDBChainsAreIsolated(t *testing.T) {
	storage := dbm.NewMemDB()
	a, err := OpenHeaderDB(storage, types.Development, 0)
	require.NoError(t, err)
	b, err := OpenHeaderDB(storage, types.Development, 1)
	require.NoError(t, err)

	for _, h := range makeChain(types.Development, 0, 4) {
		require.NoError(t, a.Insert(h))
	}
	require.EqualValues(t, 4, a.Height())
	require.EqualValues(t, 0, b.Height())

	count := 0
	require.NoError(t, b.Iterate(func(*types.BlockHeader) error { count++; return nil }))
	require.Equal(t, 1, count)
}

func TestHeaderDBClose(t *testing.T) {
	storage := dbm.NewMemDB()
	hdb, err := OpenHeaderDB(storage, types.Development, 0)
	require.NoError(t, err)

	require.NoError(t, hdb.Close())
	require.ErrorIs(t, hdb.Close(), ErrClosed)
	require.ErrorIs(t, hdb.Iterate(func(*types.BlockHeader) error { return nil }), ErrClosed)
	_, err = hdb.LoadByHeight(0)
	require.ErrorIs(t, err, ErrClosed)

	// shared storage stays usable
	_, err = OpenHeaderDB(storage, types.Development, 0)
	require.NoError(t, err)
}

func TestHeaderByHeightKeyRoundTrip(t *testing.T) {
	for _, height := range []int64{0, 1, 255, 256, 1 << 40} {
		got, err := decodeHeaderByHeightKey(headerByHeightKey(height))
		require.NoError(t, err)
		require.Equal(t, height, got)
	}
}
