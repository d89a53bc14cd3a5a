package mempool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tendermint/braid/types"
)

var _ Pool = (*Remote)(nil)

// RemoteOption sets an optional parameter on a Remote.
type RemoteOption func(*Remote)

// WithChunkSize sets how many hashes GetPending hands to its callback at a
// time.
func WithChunkSize(n int) RemoteOption {
	return func(r *Remote) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

// WithMaxResponseBytes bounds the size of a single response body.
func WithMaxResponseBytes(n int64) RemoteOption {
	return func(r *Remote) {
		if n > 0 {
			r.maxResponseBytes = n
		}
	}
}

// Remote is a Pool backed by a peer's mempool, reached over HTTP. Requests
// are bound to one chain of one network version.
type Remote struct {
	client        *http.Client
	peer          string
	baseURL       string
	version       types.Version
	chainID       types.ChainID
	codec         types.TxCodec
	blockGasLimit uint64
	chunkSize     int

	maxResponseBytes int64
}

// NewRemote returns a client for the mempool of chainID served at peerURL.
// Transactions received from the peer that request more than blockGasLimit
// gas are dropped.
func NewRemote(
	client *http.Client,
	peerURL string,
	version types.Version,
	chainID types.ChainID,
	codec types.TxCodec,
	blockGasLimit uint64,
	opts ...RemoteOption,
) *Remote {
	r := &Remote{
		client:        client,
		peer:          peerURL,
		baseURL:       fmt.Sprintf("%s/chain/%d/mempool", strings.TrimSuffix(peerURL, "/"), chainID),
		version:       version,
		chainID:       chainID,
		codec:         codec,
		blockGasLimit: blockGasLimit,
		chunkSize:     1000,

		maxResponseBytes: maxRequestBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Peer returns the address of the remote mempool's node.
func (r *Remote) Peer() string { return r.peer }

func (r *Remote) Member(ctx context.Context, hashes []types.TxHash) ([]bool, error) {
	var out []bool
	if err := r.post(ctx, "member", hashes, &out); err != nil {
		return nil, err
	}
	if len(out) != len(hashes) {
		return nil, r.protocolError("member answered %d entries for %d hashes", len(out), len(hashes))
	}
	return out, nil
}

func (r *Remote) Lookup(ctx context.Context, hashes []types.TxHash) ([]*types.Tx, error) {
	var encoded [][]byte
	if err := r.post(ctx, "lookup", hashes, &encoded); err != nil {
		return nil, err
	}
	if len(encoded) != len(hashes) {
		return nil, r.protocolError("lookup answered %d entries for %d hashes", len(encoded), len(hashes))
	}

	out := make([]*types.Tx, len(hashes))
	for i, bz := range encoded {
		if bz == nil {
			continue
		}
		tx, err := r.codec.Decode(bz)
		if err != nil {
			return nil, r.protocolError("decode tx %s: %v", hashes[i], err)
		}
		if tx.Hash != hashes[i] {
			return nil, r.protocolError("lookup for %s answered %s", hashes[i], tx.Hash)
		}
		if tx.GasLimit > r.blockGasLimit {
			continue
		}
		out[i] = &tx
	}
	return out, nil
}

// Insert always asks the peer for a checked insert.
func (r *Remote) Insert(ctx context.Context, _ InsertType, txs []types.Tx) error {
	encoded := make([][]byte, len(txs))
	for i, tx := range txs {
		bz, err := r.codec.Encode(tx)
		if err != nil {
			return err
		}
		encoded[i] = bz
	}
	return r.post(ctx, "insert", encoded, nil)
}

func (r *Remote) GetPending(
	ctx context.Context,
	since *Highwater,
	cb func([]types.TxHash) error,
) (*Highwater, error) {
	var resp pendingResponse
	if err := r.post(ctx, "getPending", pendingRequest{Since: since}, &resp); err != nil {
		return nil, err
	}
	if resp.Highwater == nil {
		return nil, r.protocolError("getPending answered without a highwater mark")
	}

	for start := 0; start < len(resp.Hashes); start += r.chunkSize {
		end := start + r.chunkSize
		if end > len(resp.Hashes) {
			end = len(resp.Hashes)
		}
		if err := cb(resp.Hashes[start:end]); err != nil {
			return nil, err
		}
	}
	return resp.Highwater, nil
}

func (r *Remote) post(ctx context.Context, method string, body, out interface{}) error {
	bz, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/"+method, bytes.NewReader(bz))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(VersionHeader, string(r.version))

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, r.maxResponseBytes+1))
	if err != nil {
		return err
	}
	if int64(len(respBody)) > r.maxResponseBytes {
		return fmt.Errorf("%w: %s answered %s with more than %d bytes",
			ErrResponseTooLarge, r.peer, method, r.maxResponseBytes)
	}
	if resp.StatusCode >= 300 {
		var e errorResponse
		if err := json.Unmarshal(respBody, &e); err != nil || e.Reason == "" {
			e.Reason = http.StatusText(resp.StatusCode)
		}
		return &RemoteError{Peer: r.peer, StatusCode: resp.StatusCode, Reason: e.Reason}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return r.protocolError("decode %s response: %v", method, err)
	}
	return nil
}

var (
	errProtocol = errors.New("mempool protocol violation")

	// ErrResponseTooLarge is returned when a peer's answer exceeds the
	// response size limit of a Remote.
	ErrResponseTooLarge = errors.New("mempool response too large")
)

func (r *Remote) protocolError(format string, args ...interface{}) error {
	return fmt.Errorf("%w by %s: %s", errProtocol, r.peer, fmt.Sprintf(format, args...))
}
