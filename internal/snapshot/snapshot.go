// Package snapshot saves the header history of a chain to a flat file and
// imports it back into a header database.
//
// A snapshot file holds one JSON-encoded header per line, in ascending
// height order, and is named after the chain it belongs to so that files of
// different chains cannot be confused. Snapshots are best effort: a node that
// cannot read or write one keeps running.
package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/creachadair/atomicfile"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/braid/internal/payload"
	"github.com/tendermint/braid/internal/store"
	"github.com/tendermint/braid/libs/log"
	tmos "github.com/tendermint/braid/libs/os"
	"github.com/tendermint/braid/types"
)

// maxLineBytes bounds a single encoded header.
const maxLineBytes = 64 * 1024

// FileName is the name of the snapshot file of chainID.
func FileName(chainID types.ChainID) string {
	return fmt.Sprintf("headers.chain-%d", chainID)
}

// Path is the location of the snapshot file of chainID inside dir.
func Path(dir string, chainID types.ChainID) string {
	return filepath.Join(dir, FileName(chainID))
}

// Write replaces the snapshot of the chain of hdb in dir with its current
// header history, genesis included.
func Write(dir string, hdb *store.HeaderDB) error {
	if err := tmos.EnsureDir(dir, 0700); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	err := hdb.Iterate(func(h *types.BlockHeader) error {
		return enc.Encode(h)
	})
	if err != nil {
		return fmt.Errorf("reading header history: %w", err)
	}

	_, err = atomicfile.WriteAll(Path(dir, hdb.ChainID()), &buf, 0600)
	return err
}

// Load reads the snapshot of chainID from dir. A missing snapshot yields no
// headers and no error.
func Load(dir string, chainID types.ChainID) ([]*types.BlockHeader, error) {
	f, err := os.Open(Path(dir, chainID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	var headers []*types.BlockHeader
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for line := 1; scanner.Scan(); line++ {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		h := new(types.BlockHeader)
		if err := json.Unmarshal(scanner.Bytes(), h); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", FileName(chainID), line, err)
		}
		if h.ChainID != chainID {
			return nil, fmt.Errorf("%s line %d: header of chain %d", FileName(chainID), line, h.ChainID)
		}
		headers = append(headers, h)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return headers, nil
}

/*
Import extends the stored header history of (version, chainID) with the
snapshot found in dir, and returns the number of headers added.

Headers already stored are skipped. Import stops at the first header that
cannot be added: one whose payload is not in payloads, or one that does not
extend the stored history. Stopping is not an error; the headers up to that
point stay imported.
*/
func Import(
	ctx context.Context,
	logger log.Logger,
	dir string,
	storage dbm.DB,
	version types.Version,
	chainID types.ChainID,
	payloads payload.Store,
) (int, error) {
	headers, err := Load(dir, chainID)
	if err != nil || len(headers) == 0 {
		return 0, err
	}

	hdb, err := store.OpenHeaderDB(storage, version, chainID)
	if err != nil {
		return 0, err
	}
	defer hdb.Close() //nolint:errcheck

	imported := 0
	for _, h := range headers {
		if err := ctx.Err(); err != nil {
			return imported, err
		}
		if h.Version != version {
			logger.Info("skipping snapshot of another network version", "version", h.Version)
			return imported, nil
		}
		if h.Height <= hdb.Height() {
			continue
		}
		_, err := payloads.Lookup(ctx, h.PayloadHash)
		var notFound *payload.NotFoundError
		if errors.As(err, &notFound) {
			logger.Info("stopping snapshot import at header with unknown payload",
				"height", h.Height, "hash", h.Hash, "payload", h.PayloadHash)
			break
		} else if err != nil {
			return imported, err
		}
		if err := hdb.Insert(h); err != nil {
			logger.Info("stopping snapshot import at header not extending history",
				"height", h.Height, "hash", h.Hash, "err", err)
			break
		}
		imported++
	}
	if imported > 0 {
		logger.Info("imported header snapshot", "count", imported, "height", hdb.Height())
	}
	return imported, nil
}
