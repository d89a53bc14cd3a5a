package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/braid/internal/execution"
	"github.com/tendermint/braid/internal/payload"
	"github.com/tendermint/braid/internal/store"
	"github.com/tendermint/braid/libs/log"
	"github.com/tendermint/braid/types"
)

// CorruptionError reports a stored header whose payload cannot be found. The
// node cannot rebuild its execution state past such a header and must not
// start.
type CorruptionError struct {
	Header *types.BlockHeader
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("database corruption: payload %s of header %s at height %d of chain %d is missing",
		e.Header.PayloadHash, e.Header.Hash, e.Header.Height, e.Header.ChainID)
}

// IsCorruption reports whether err is, or wraps, a *CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// Replay rebuilds execution state from header history. Every header after
// genesis is fed to exec, in ascending height order, together with its
// payload from payloads. Each block executes before the next is submitted.
//
// A header whose payload is missing aborts replay with a *CorruptionError.
func Replay(
	ctx context.Context,
	logger log.Logger,
	exec execution.Service,
	hdb *store.HeaderDB,
	payloads payload.Store,
) error {
	return replay(ctx, logger, exec, hdb, payloads, NopMetrics())
}

func replay(
	ctx context.Context,
	logger log.Logger,
	exec execution.Service,
	hdb *store.HeaderDB,
	payloads payload.Store,
	metrics *Metrics,
) error {
	logger.Info("replaying header history", "height", hdb.Height())
	start := time.Now()

	count := 0
	first := true
	err := hdb.Iterate(func(header *types.BlockHeader) error {
		if first {
			first = false
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		pwo, err := payloads.Lookup(ctx, header.PayloadHash)
		var notFound *payload.NotFoundError
		switch {
		case errors.As(err, &notFound):
			return &CorruptionError{Header: header}
		case err != nil:
			return fmt.Errorf("looking up payload of header %s: %w", header, err)
		}

		if _, err := exec.ValidateBlock(ctx, header, pwo.PayloadData()); err != nil {
			return fmt.Errorf("replaying header %s: %w", header, err)
		}
		count++
		metrics.ReplayedBlocks.Add(1)
		return nil
	})
	if err != nil {
		return err
	}

	metrics.ReplayDuration.Set(time.Since(start).Seconds())
	logger.Info("replay complete", "count", count)
	return nil
}
