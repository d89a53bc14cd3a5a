package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tendermint/braid/libs/log"
	"github.com/tendermint/braid/types"
)

// maxDiscardBytes bounds how much of an over-long batch body is drained after
// the first MaxBatchSize keys have been read.
const maxDiscardBytes = 8 << 20

// notFoundResponse is the body of a 404 answer to a single lookup.
type notFoundResponse struct {
	Reason string            `json:"reason"`
	Key    types.PayloadHash `json:"key"`
}

type handler struct {
	store  Store
	logger log.Logger
}

// NewHandler returns the read-only query API over store:
//
//	GET  /payload/{hash}
//	GET  /payload/{hash}/outputs
//	POST /payload/batch
//	POST /payload/outputs/batch
func NewHandler(store Store, logger log.Logger) http.Handler {
	h := &handler{store: store, logger: logger}

	r := chi.NewRouter()
	r.Get("/payload/{hash}", h.getPayload)
	r.Get("/payload/{hash}/outputs", h.getOutputs)
	r.Post("/payload/batch", h.batchPayloads)
	r.Post("/payload/outputs/batch", h.batchOutputs)
	return r
}

func (h *handler) getPayload(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, p.PayloadData())
}

func (h *handler) getOutputs(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *handler) batchPayloads(w http.ResponseWriter, r *http.Request) {
	found, ok := h.lookupBatch(w, r)
	if !ok {
		return
	}
	out := make([]*types.PayloadData, len(found))
	for i, p := range found {
		out[i] = p.PayloadData()
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handler) batchOutputs(w http.ResponseWriter, r *http.Request) {
	found, ok := h.lookupBatch(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, found)
}

func (h *handler) lookup(w http.ResponseWriter, r *http.Request) (*types.PayloadWithOutputs, bool) {
	hash, err := types.ParseHash(chi.URLParam(r, "hash"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return nil, false
	}

	p, err := h.store.Lookup(r.Context(), hash)
	var notFound *NotFoundError
	switch {
	case errors.As(err, &notFound):
		h.writeJSON(w, http.StatusNotFound, notFoundResponse{Reason: "key not found", Key: notFound.Key})
		return nil, false
	case err != nil:
		h.logger.Error("payload lookup failed", "hash", hash, "err", err)
		h.writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return p, true
}

func (h *handler) lookupBatch(w http.ResponseWriter, r *http.Request) ([]*types.PayloadWithOutputs, bool) {
	keys, err := decodeBatchKeys(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return nil, false
	}

	results, err := h.store.LookupBatch(r.Context(), keys)
	if err != nil {
		h.logger.Error("payload batch lookup failed", "keys", len(keys), "err", err)
		h.writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return Present(results), true
}

// decodeBatchKeys reads at most MaxBatchSize keys from a JSON array. Keys past
// the cap are never decoded.
func decodeBatchKeys(body io.Reader) ([]types.PayloadHash, error) {
	dec := json.NewDecoder(body)
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, errors.New("expected a JSON array of keys")
	}

	keys := make([]types.PayloadHash, 0, MaxBatchSize)
	for len(keys) < MaxBatchSize && dec.More() {
		var key types.PayloadHash
		if err := dec.Decode(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if !dec.More() {
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return keys, nil
	}

	// drain the ignored tail so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(io.MultiReader(dec.Buffered(), body), maxDiscardBytes))
	return keys, nil
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
	h.writeJSON(w, status, map[string]string{"reason": err.Error()})
}
