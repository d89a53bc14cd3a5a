package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// HashSize is the size in bytes of every content address used by the node.
const HashSize = sha256.Size

// Hash is a sha256 content address. It is rendered as lower-case hex in
// logs, JSON and URLs.
type Hash [HashSize]byte

// Aliases used to make signatures self describing.
type (
	BlockHash   = Hash
	PayloadHash = Hash
	TxHash      = Hash
)

// SumHash hashes the concatenation of the given byte slices.
func SumHash(parts ...[]byte) Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p) //nolint:errcheck // hash.Hash never fails
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ParseHash decodes a hex encoded hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	bz, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(bz) != HashSize {
		return h, fmt.Errorf("invalid hash %q: expected %d bytes, got %d", s, HashSize, len(bz))
	}
	copy(h[:], bz)
	return h, nil
}

// MustParseHash is ParseHash that panics on error. Tests only.
func MustParseHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 6 bytes of the hash, for logging.
func (h Hash) Short() string { return hex.EncodeToString(h[:6]) }

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
