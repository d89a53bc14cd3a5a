package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/braid/types"
)

// DBStore keeps payloads in a tm-db database under the "payload" key space.
// The database may be shared with other stores.
type DBStore struct {
	db dbm.DB
}

var _ Store = (*DBStore)(nil)

// NewDBStore returns a DBStore backed by db.
func NewDBStore(db dbm.DB) *DBStore {
	return &DBStore{db: db}
}

// Put stores p under its payload hash. Storing an already present payload is
// a no-op.
func (s *DBStore) Put(p *types.PayloadWithOutputs) error {
	if p == nil {
		return errors.New("nil payload")
	}
	if err := p.PayloadData().ValidateBasic(); err != nil {
		return err
	}
	bz, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Set(payloadKey(p.PayloadHash), bz)
}

// Has reports whether a payload is stored under hash.
func (s *DBStore) Has(hash types.PayloadHash) (bool, error) {
	return s.db.Has(payloadKey(hash))
}

func (s *DBStore) Lookup(ctx context.Context, hash types.PayloadHash) (*types.PayloadWithOutputs, error) {
	p, err := s.load(hash)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &NotFoundError{Key: hash}
	}
	return p, nil
}

func (s *DBStore) LookupBatch(ctx context.Context, hashes []types.PayloadHash) ([]*types.PayloadWithOutputs, error) {
	hashes = capBatch(hashes)
	out := make([]*types.PayloadWithOutputs, len(hashes))
	for i, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := s.load(hash)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func (s *DBStore) load(hash types.PayloadHash) (*types.PayloadWithOutputs, error) {
	bz, err := s.db.Get(payloadKey(hash))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, nil
	}
	p := new(types.PayloadWithOutputs)
	if err := json.Unmarshal(bz, p); err != nil {
		return nil, fmt.Errorf("corrupt payload %s: %w", hash, err)
	}
	return p, nil
}

func payloadKey(hash types.PayloadHash) []byte {
	key, err := orderedcode.Append(nil, "payload", string(hash[:]))
	if err != nil {
		panic(err)
	}
	return key
}
