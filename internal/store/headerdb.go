package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/braid/types"
)

var (
	ErrClosed          = errors.New("header database is closed")
	ErrHeaderNotFound  = errors.New("header not found")
	ErrUnknownParent   = errors.New("parent header not found")
	ErrWrongChain      = errors.New("header belongs to a different chain")
	ErrConflict        = errors.New("a different header is already stored at this height")
	ErrGenesisMismatch = errors.New("stored genesis header does not match the version's genesis")
	ErrAlreadyOpen     = errors.New("header database is already open")
)

// openKey identifies the header database of one chain inside one storage
// handle. Storage handles are pointers, so they compare by identity.
type openKey struct {
	storage dbm.DB
	version types.Version
	chainID types.ChainID
}

// openDBs tracks the header databases currently open in this process.
var openDBs = struct {
	sync.Mutex
	keys map[openKey]struct{}
}{keys: make(map[openKey]struct{})}

func acquire(key openKey) error {
	openDBs.Lock()
	defer openDBs.Unlock()
	if _, ok := openDBs.keys[key]; ok {
		return fmt.Errorf("%w: chain %d of %s", ErrAlreadyOpen, key.chainID, key.version)
	}
	openDBs.keys[key] = struct{}{}
	return nil
}

func release(key openKey) {
	openDBs.Lock()
	defer openDBs.Unlock()
	delete(openDBs.keys, key)
}

/*
HeaderDB is the header database of one chain. It stores a single linear
history of block headers, indexed by height and by hash, starting at the
chain's genesis header.

Several chains share one underlying storage handle; each HeaderDB lives under
its own key prefix derived from (version, chain id). Closing a HeaderDB does
not close the shared storage, it only makes the handle unusable. At most one
HeaderDB per chain and storage handle is open at a time.

The store can be assumed to contain all contiguous headers between genesis and
Height() (inclusive).
*/
type HeaderDB struct {
	version types.Version
	chainID types.ChainID
	key     openKey

	mtx    sync.RWMutex
	db     dbm.DB
	height int64
	closed bool
}

// OpenHeaderDB opens the header database of (version, chainID) inside
// storage, initializing it with the genesis header if it is empty.
func OpenHeaderDB(storage dbm.DB, version types.Version, chainID types.ChainID) (_ *HeaderDB, err error) {
	if storage == nil {
		return nil, errors.New("no storage provided")
	}
	if err := version.ValidateBasic(); err != nil {
		return nil, err
	}
	if !version.HasChain(chainID) {
		return nil, fmt.Errorf("%w: chain %d is not part of %s", ErrWrongChain, chainID, version)
	}

	key := openKey{storage: storage, version: version, chainID: chainID}
	if err := acquire(key); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			release(key)
		}
	}()

	hdb := &HeaderDB{
		version: version,
		chainID: chainID,
		key:     key,
		db:      dbm.NewPrefixDB(storage, headerDBPrefix(version, chainID)),
	}

	genesis := types.GenesisHeader(version, chainID)
	stored, err := hdb.loadByHeight(0)
	switch {
	case errors.Is(err, ErrHeaderNotFound):
		if err := hdb.write(genesis, true); err != nil {
			return nil, fmt.Errorf("writing genesis header: %w", err)
		}
	case err != nil:
		return nil, err
	case stored.Hash != genesis.Hash:
		return nil, fmt.Errorf("%w: stored %s, expected %s", ErrGenesisMismatch, stored.Hash, genesis.Hash)
	}

	height, err := hdb.loadHeight()
	if err != nil {
		return nil, err
	}
	hdb.height = height
	return hdb, nil
}

func (hdb *HeaderDB) Version() types.Version { return hdb.version }
func (hdb *HeaderDB) ChainID() types.ChainID { return hdb.chainID }

// Height returns the height of the latest stored header.
func (hdb *HeaderDB) Height() int64 {
	hdb.mtx.RLock()
	defer hdb.mtx.RUnlock()
	return hdb.height
}

// Size returns the number of stored headers, genesis included.
func (hdb *HeaderDB) Size() int64 {
	return hdb.Height() + 1
}

// Latest returns the header with the greatest height.
func (hdb *HeaderDB) Latest() (*types.BlockHeader, error) {
	hdb.mtx.RLock()
	defer hdb.mtx.RUnlock()
	if hdb.closed {
		return nil, ErrClosed
	}
	return hdb.loadByHeight(hdb.height)
}

// LoadByHeight returns the header at height.
func (hdb *HeaderDB) LoadByHeight(height int64) (*types.BlockHeader, error) {
	hdb.mtx.RLock()
	defer hdb.mtx.RUnlock()
	if hdb.closed {
		return nil, ErrClosed
	}
	return hdb.loadByHeight(height)
}

// LoadByHash returns the header with the given hash.
func (hdb *HeaderDB) LoadByHash(hash types.BlockHash) (*types.BlockHeader, error) {
	hdb.mtx.RLock()
	defer hdb.mtx.RUnlock()
	if hdb.closed {
		return nil, ErrClosed
	}

	bz, err := hdb.db.Get(heightByHashKey(hash))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, fmt.Errorf("%w: hash %s", ErrHeaderNotFound, hash)
	}
	var height int64
	if err := json.Unmarshal(bz, &height); err != nil {
		return nil, fmt.Errorf("corrupt hash index entry for %s: %w", hash, err)
	}
	return hdb.loadByHeight(height)
}

// Insert appends h to the history. The header must extend the current latest
// header. Inserting a header that is already stored is a no-op.
func (hdb *HeaderDB) Insert(h *types.BlockHeader) error {
	if err := h.ValidateBasic(); err != nil {
		return err
	}
	if h.ChainID != hdb.chainID || h.Version != hdb.version {
		return fmt.Errorf("%w: got %s/%d, want %s/%d", ErrWrongChain, h.Version, h.ChainID, hdb.version, hdb.chainID)
	}

	hdb.mtx.Lock()
	defer hdb.mtx.Unlock()
	if hdb.closed {
		return ErrClosed
	}

	if h.Height <= hdb.height {
		existing, err := hdb.loadByHeight(h.Height)
		if err != nil {
			return err
		}
		if existing.Hash != h.Hash {
			return fmt.Errorf("%w: height %d", ErrConflict, h.Height)
		}
		return nil
	}
	if h.Height != hdb.height+1 {
		return fmt.Errorf("%w: height %d, latest is %d", ErrUnknownParent, h.Height, hdb.height)
	}
	parent, err := hdb.loadByHeight(hdb.height)
	if err != nil {
		return err
	}
	if parent.Hash != h.ParentHash {
		return fmt.Errorf("%w: %s does not extend %s", ErrUnknownParent, h, parent)
	}

	if err := hdb.write(h, false); err != nil {
		return err
	}
	hdb.height = h.Height
	return nil
}

// Iterate calls fn on every stored header in ascending height order, starting
// at genesis. Iteration stops at the first error returned by fn, which is
// returned to the caller.
//
// Headers are read in pages and no iterator is held while fn runs, so fn may
// use the shared storage freely.
func (hdb *HeaderDB) Iterate(fn func(*types.BlockHeader) error) error {
	from := int64(0)
	for {
		page, err := hdb.loadPage(from, iteratePageSize)
		if err != nil {
			return err
		}
		for _, h := range page {
			if err := fn(h); err != nil {
				return err
			}
		}
		if len(page) < iteratePageSize {
			return nil
		}
		from = page[len(page)-1].Height + 1
	}
}

const iteratePageSize = 256

func (hdb *HeaderDB) loadPage(from int64, limit int) ([]*types.BlockHeader, error) {
	hdb.mtx.RLock()
	defer hdb.mtx.RUnlock()
	if hdb.closed {
		return nil, ErrClosed
	}

	_, end := headerByHeightRange()
	iter, err := hdb.db.Iterator(headerByHeightKey(from), end)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	page := make([]*types.BlockHeader, 0, limit)
	for ; iter.Valid() && len(page) < limit; iter.Next() {
		h := new(types.BlockHeader)
		if err := json.Unmarshal(iter.Value(), h); err != nil {
			return nil, fmt.Errorf("corrupt header entry: %w", err)
		}
		page = append(page, h)
	}
	return page, iter.Error()
}

// Close makes the handle unusable. The shared storage stays open.
func (hdb *HeaderDB) Close() error {
	hdb.mtx.Lock()
	defer hdb.mtx.Unlock()
	if hdb.closed {
		return ErrClosed
	}
	hdb.closed = true
	release(hdb.key)
	return nil
}

func (hdb *HeaderDB) loadByHeight(height int64) (*types.BlockHeader, error) {
	bz, err := hdb.db.Get(headerByHeightKey(height))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, fmt.Errorf("%w: height %d", ErrHeaderNotFound, height)
	}
	h := new(types.BlockHeader)
	if err := json.Unmarshal(bz, h); err != nil {
		return nil, fmt.Errorf("corrupt header at height %d: %w", height, err)
	}
	return h, nil
}

func (hdb *HeaderDB) loadHeight() (int64, error) {
	start, end := headerByHeightRange()
	iter, err := hdb.db.ReverseIterator(start, end)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if iter.Valid() {
		return decodeHeaderByHeightKey(iter.Key())
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	return 0, nil
}

func (hdb *HeaderDB) write(h *types.BlockHeader, sync bool) error {
	headerBz, err := json.Marshal(h)
	if err != nil {
		return err
	}
	heightBz, err := json.Marshal(h.Height)
	if err != nil {
		return err
	}

	batch := hdb.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(headerByHeightKey(h.Height), headerBz); err != nil {
		return err
	}
	if err := batch.Set(heightByHashKey(h.Hash), heightBz); err != nil {
		return err
	}
	if sync {
		return batch.WriteSync()
	}
	return batch.Write()
}

//---------------------------------- KEY ENCODING -----------------------------------------

// key prefixes inside a chain's header database
const (
	prefixHeaderByHeight = int64(0)
	prefixHeightByHash   = int64(1)
)

// headerDBPrefix scopes a chain's header database within the shared storage.
func headerDBPrefix(version types.Version, chainID types.ChainID) []byte {
	key, err := orderedcode.Append(nil, "headers", string(version), uint64(chainID))
	if err != nil {
		panic(err)
	}
	return key
}

func headerByHeightKey(height int64) []byte {
	key, err := orderedcode.Append(nil, prefixHeaderByHeight, height)
	if err != nil {
		panic(err)
	}
	return key
}

func headerByHeightRange() ([]byte, []byte) {
	return headerByHeightKey(0), headerByHeightKey(1<<63 - 1)
}

func decodeHeaderByHeightKey(key []byte) (height int64, err error) {
	var prefix int64
	remaining, err := orderedcode.Parse(string(key), &prefix, &height)
	if err != nil {
		return
	}
	if len(remaining) != 0 {
		return -1, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixHeaderByHeight {
		return -1, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixHeaderByHeight, prefix)
	}
	return
}

func heightByHashKey(hash types.BlockHash) []byte {
	key, err := orderedcode.Append(nil, prefixHeightByHash, string(hash[:]))
	if err != nil {
		panic(err)
	}
	return key
}
