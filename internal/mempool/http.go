package mempool

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tendermint/braid/libs/log"
	"github.com/tendermint/braid/types"
)

// VersionHeader carries the sender's network version on every mempool
// request. Peers of another network are refused.
const VersionHeader = "X-Braid-Version"

const maxRequestBytes = 64 << 20

type pendingRequest struct {
	Since *Highwater `json:"since"`
}

type pendingResponse struct {
	Hashes    []types.TxHash `json:"hashes"`
	Highwater *Highwater     `json:"highwater"`
}

type errorResponse struct {
	Reason string `json:"reason"`
}

type handler struct {
	pool    Pool
	version types.Version
	codec   types.TxCodec
	logger  log.Logger
}

// NewHandler serves pool to peers:
//
//	POST /mempool/member
//	POST /mempool/lookup
//	POST /mempool/insert
//	POST /mempool/getPending
//
// Transactions travel in their codec form. Inserts from peers are always
// checked.
func NewHandler(pool Pool, version types.Version, codec types.TxCodec, logger log.Logger) http.Handler {
	h := &handler{pool: pool, version: version, codec: codec, logger: logger}

	r := chi.NewRouter()
	r.Use(h.checkVersion)
	r.Post("/mempool/member", h.member)
	r.Post("/mempool/lookup", h.lookup)
	r.Post("/mempool/insert", h.insert)
	r.Post("/mempool/getPending", h.getPending)
	return r
}

func (h *handler) checkVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(VersionHeader); got != string(h.version) {
			h.writeError(w, http.StatusBadRequest,
				fmt.Errorf("network version mismatch: got %q, serving %q", got, h.version))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) member(w http.ResponseWriter, r *http.Request) {
	var hashes []types.TxHash
	if !h.decode(w, r, &hashes) {
		return
	}
	out, err := h.pool.Member(r.Context(), hashes)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handler) lookup(w http.ResponseWriter, r *http.Request) {
	var hashes []types.TxHash
	if !h.decode(w, r, &hashes) {
		return
	}
	txs, err := h.pool.Lookup(r.Context(), hashes)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([][]byte, len(txs))
	for i, tx := range txs {
		if tx == nil {
			continue
		}
		if out[i], err = h.codec.Encode(*tx); err != nil {
			h.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handler) insert(w http.ResponseWriter, r *http.Request) {
	var encoded [][]byte
	if !h.decode(w, r, &encoded) {
		return
	}

	txs := make([]types.Tx, 0, len(encoded))
	for _, bz := range encoded {
		tx, err := h.codec.Decode(bz)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Errorf("decode tx: %w", err))
			return
		}
		txs = append(txs, tx)
	}

	if err := h.pool.Insert(r.Context(), CheckedInsert, txs); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getPending(w http.ResponseWriter, r *http.Request) {
	var req pendingRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp := pendingResponse{Hashes: []types.TxHash{}}
	mark, err := h.pool.GetPending(r.Context(), req.Since, func(hashes []types.TxHash) error {
		resp.Hashes = append(resp.Hashes, hashes...)
		return nil
	})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp.Highwater = mark
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("read request body: %w", err))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	bz, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to encode response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(bz); err != nil {
		h.logger.Debug("failed to write response", "err", err)
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("mempool request failed", "err", err)
	}
	h.writeJSON(w, status, errorResponse{Reason: err.Error()})
}
