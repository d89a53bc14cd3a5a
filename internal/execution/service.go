// Package execution binds a chain's execution engine to its mempool.
//
// Blocks are submitted through a bounded request channel and executed one at
// a time, in submission order, by a single worker. Once a block executes, its
// transactions leave the mempool.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tendermint/braid/config"
	"github.com/tendermint/braid/libs/log"
	"github.com/tendermint/braid/libs/service"
	"github.com/tendermint/braid/types"
)

var (
	// ErrServiceStopped is returned for blocks submitted to, or pending in, a
	// service that is not running.
	ErrServiceStopped = errors.New("execution service is not running")
	// ErrUnexpectedHeight is returned when a block does not extend the last
	// executed block.
	ErrUnexpectedHeight = errors.New("block does not extend the executed history")
)

// ErrInvalidBlock wraps every reason a block is refused before execution.
type ErrInvalidBlock struct {
	Height int64
	Reason error
}

func (e ErrInvalidBlock) Error() string {
	return fmt.Sprintf("invalid block at height %d: %v", e.Height, e.Reason)
}

func (e ErrInvalidBlock) Unwrap() error { return e.Reason }

// Service executes blocks on behalf of a chain.
type Service interface {
	// ValidateBlock executes data, the body of header, and returns it with
	// its execution results. It blocks until the block has executed or ctx is
	// done.
	ValidateBlock(ctx context.Context, header *types.BlockHeader, data *types.PayloadData) (*types.PayloadWithOutputs, error)
}

// TxRemover is the part of a mempool the execution service needs.
type TxRemover interface {
	Remove(hashes []types.TxHash) error
}

type request struct {
	header *types.BlockHeader
	data   *types.PayloadData
	resp   chan response
}

type response struct {
	payload *types.PayloadWithOutputs
	err     error
}

// RequestService is the Service of one chain. It must be started before use.
type RequestService struct {
	*service.BaseService

	logger  log.Logger
	cfg     *config.ExecutionConfig
	engine  Engine
	mempool TxRemover

	requests chan request
	height   int64 // atomic; last executed block
}

var _ Service = (*RequestService)(nil)

// NewService binds engine to mempool. Executed transactions are removed from
// mempool.
func NewService(logger log.Logger, cfg *config.ExecutionConfig, mempool TxRemover, engine Engine) *RequestService {
	queueSize := cfg.QueueSize
	if queueSize < 0 {
		queueSize = 0
	}
	rs := &RequestService{
		logger:   logger,
		cfg:      cfg,
		engine:   engine,
		mempool:  mempool,
		requests: make(chan request, queueSize),
	}
	rs.BaseService = service.NewBaseService(logger, "ExecutionService", rs)
	return rs
}

// OnStart starts the worker. A service with an invalid config does not start.
func (rs *RequestService) OnStart(ctx context.Context) error {
	if err := rs.cfg.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid execution config: %w", err)
	}
	go rs.run(ctx)
	return nil
}

// OnStop implements service.Service. Requests still queued fail with
// ErrServiceStopped.
func (rs *RequestService) OnStop() {}

// Height returns the height of the last executed block.
func (rs *RequestService) Height() int64 {
	return rs.loadHeight()
}

func (rs *RequestService) loadHeight() int64   { return atomic.LoadInt64(&rs.height) }
func (rs *RequestService) storeHeight(h int64) { atomic.StoreInt64(&rs.height, h) }

func (rs *RequestService) ValidateBlock(
	ctx context.Context,
	header *types.BlockHeader,
	data *types.PayloadData,
) (*types.PayloadWithOutputs, error) {
	if !rs.IsRunning() {
		return nil, ErrServiceStopped
	}
	if err := validateBasic(header, data); err != nil {
		return nil, err
	}

	req := request{header: header, data: data, resp: make(chan response, 1)}
	select {
	case rs.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-rs.Quit():
		return nil, ErrServiceStopped
	}

	select {
	case r := <-req.resp:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-rs.Quit():
		return nil, ErrServiceStopped
	}
}

func (rs *RequestService) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-rs.Quit():
			return
		case req := <-rs.requests:
			p, err := rs.execute(ctx, req.header, req.data)
			req.resp <- response{payload: p, err: err}
		}
	}
}

func (rs *RequestService) execute(
	ctx context.Context,
	header *types.BlockHeader,
	data *types.PayloadData,
) (*types.PayloadWithOutputs, error) {
	if want := rs.loadHeight() + 1; header.Height != want {
		return nil, fmt.Errorf("%w: got height %d, want %d", ErrUnexpectedHeight, header.Height, want)
	}

	outputs, err := rs.engine.ExecBlock(ctx, header, data)
	if err != nil {
		rs.logger.Error("failed to execute block", "height", header.Height, "hash", header.Hash, "err", err)
		return nil, err
	}

	var gasUsed uint64
	for _, out := range outputs {
		gasUsed += out.GasUsed
	}
	coinbase := types.TxOutput{GasUsed: gasUsed, StateHash: rs.engine.StateHash(), Result: "coinbase"}
	p, err := types.NewPayloadWithOutputs(data, outputs, coinbase)
	if err != nil {
		return nil, err
	}
	rs.storeHeight(header.Height)

	if err := rs.mempool.Remove(data.Transactions.Hashes()); err != nil {
		rs.logger.Error("failed to remove executed txs from mempool", "height", header.Height, "err", err)
	}

	rs.logger.Debug("executed block", "height", header.Height, "txs", len(data.Transactions), "gas", gasUsed)
	return p, nil
}

func validateBasic(header *types.BlockHeader, data *types.PayloadData) error {
	if err := header.ValidateBasic(); err != nil {
		return ErrInvalidBlock{Height: header.Height, Reason: err}
	}
	if header.IsGenesis() {
		return ErrInvalidBlock{Height: header.Height, Reason: errors.New("genesis block cannot be executed")}
	}
	if data.PayloadHash != header.PayloadHash {
		return ErrInvalidBlock{
			Height: header.Height,
			Reason: fmt.Errorf("payload %s does not match header payload %s", data.PayloadHash, header.PayloadHash),
		}
	}
	if err := data.ValidateBasic(); err != nil {
		return ErrInvalidBlock{Height: header.Height, Reason: err}
	}
	return nil
}
