// Package payload holds block bodies addressed by their payload hash and
// serves them over HTTP.
package payload

import (
	"context"
	"fmt"

	"github.com/tendermint/braid/types"
)

// MaxBatchSize caps the number of keys a single batch lookup processes.
// Keys beyond the cap are ignored.
const MaxBatchSize = 1000

// Store is a content-addressed store of block bodies. Stored values are
// immutable.
type Store interface {
	// Lookup returns the payload stored under hash or a *NotFoundError.
	Lookup(ctx context.Context, hash types.PayloadHash) (*types.PayloadWithOutputs, error)

	// LookupBatch returns one entry per requested hash, in request order.
	// Missing payloads are nil entries rather than errors.
	LookupBatch(ctx context.Context, hashes []types.PayloadHash) ([]*types.PayloadWithOutputs, error)
}

// NotFoundError is returned by Lookup when no payload is stored under Key.
type NotFoundError struct {
	Key types.PayloadHash
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("payload %s not found", e.Key)
}

// Present drops the holes of a LookupBatch result, preserving the order of the
// remaining entries.
func Present(results []*types.PayloadWithOutputs) []*types.PayloadWithOutputs {
	out := make([]*types.PayloadWithOutputs, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func capBatch(hashes []types.PayloadHash) []types.PayloadHash {
	if len(hashes) > MaxBatchSize {
		return hashes[:MaxBatchSize]
	}
	return hashes
}
