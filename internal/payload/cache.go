package payload

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tendermint/braid/types"
)

// CachedStore keeps recently looked up payloads in memory in front of another
// Store. Payloads are immutable, so entries never need invalidation. Misses
// are not cached.
type CachedStore struct {
	next  Store
	cache *lru.Cache
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore wraps next with an LRU cache holding up to size payloads.
func NewCachedStore(next Store, size int) (*CachedStore, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{next: next, cache: cache}, nil
}

func (s *CachedStore) Lookup(ctx context.Context, hash types.PayloadHash) (*types.PayloadWithOutputs, error) {
	if v, ok := s.cache.Get(hash); ok {
		return v.(*types.PayloadWithOutputs), nil
	}
	p, err := s.next.Lookup(ctx, hash)
	if err != nil {
		return nil, err
	}
	s.cache.Add(hash, p)
	return p, nil
}

func (s *CachedStore) LookupBatch(ctx context.Context, hashes []types.PayloadHash) ([]*types.PayloadWithOutputs, error) {
	hashes = capBatch(hashes)
	out := make([]*types.PayloadWithOutputs, len(hashes))

	var (
		missing []types.PayloadHash
		holes   []int
	)
	for i, hash := range hashes {
		if v, ok := s.cache.Get(hash); ok {
			out[i] = v.(*types.PayloadWithOutputs)
			continue
		}
		missing = append(missing, hash)
		holes = append(holes, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := s.next.LookupBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(fetched) != len(missing) {
		return nil, errors.New("backing store returned a batch of the wrong length")
	}
	for j, p := range fetched {
		if p == nil {
			continue
		}
		s.cache.Add(missing[j], p)
		out[holes[j]] = p
	}
	return out, nil
}

// Len returns the number of cached payloads.
func (s *CachedStore) Len() int { return s.cache.Len() }
