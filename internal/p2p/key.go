package p2p

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/creachadair/atomicfile"
	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"

	tmos "github.com/tendermint/braid/libs/os"
)

// NodeIDByteLength is the length of a node ID in bytes.
const NodeIDByteLength = 20

// NodeID is the hex-encoded truncated sha256 of a node's public key.
type NodeID string

// NodeIDFromPubKey derives the node ID of pub.
func NodeIDFromPubKey(pub ed25519.PublicKey) NodeID {
	sum := sha256.Sum256(pub)
	return NodeID(hex.EncodeToString(sum[:NodeIDByteLength]))
}

// Validate checks the ID is well formed.
func (id NodeID) Validate() error {
	if len(id) == 0 {
		return errors.New("empty node ID")
	}
	bz, err := hex.DecodeString(string(id))
	if err != nil {
		return fmt.Errorf("node ID %q contains invalid hex: %w", id, err)
	}
	if len(bz) != NodeIDByteLength {
		return fmt.Errorf("invalid node ID %q length %d, expected %d", id, len(bz), NodeIDByteLength)
	}
	return nil
}

//------------------------------------------------------------------------------
// Persistent peer ID
// TODO: encrypt on disk

// NodeKey is the persistent identity of a node.
type NodeKey struct {
	// Canonical ID, derived from the public key
	ID NodeID `json:"id"`
	// Private key
	PrivKey ed25519.PrivateKey `json:"priv_key"`
}

// PubKey returns the node's public key.
func (nk NodeKey) PubKey() ed25519.PublicKey {
	return nk.PrivKey.Public().(ed25519.PublicKey)
}

// Sign signs msg with the node key.
func (nk NodeKey) Sign(msg []byte) []byte {
	return ed25519.Sign(nk.PrivKey, msg)
}

// Verify checks that sig is a signature of msg by pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// SaveAs persists the NodeKey to filePath.
func (nk NodeKey) SaveAs(filePath string) error {
	jsonBytes, err := json.Marshal(nk)
	if err != nil {
		return err
	}
	_, err = atomicfile.WriteAll(filePath, bytes.NewReader(jsonBytes), 0600)
	return err
}

// GenNodeKey generates a new node key.
func GenNodeKey() (NodeKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return NodeKey{}, err
	}
	return NodeKey{ID: NodeIDFromPubKey(pub), PrivKey: priv}, nil
}

// LoadNodeKey loads the NodeKey located in filePath.
func LoadNodeKey(filePath string) (NodeKey, error) {
	jsonBytes, err := os.ReadFile(filePath)
	if err != nil {
		return NodeKey{}, err
	}
	nodeKey := NodeKey{}
	if err := json.Unmarshal(jsonBytes, &nodeKey); err != nil {
		return NodeKey{}, err
	}
	if len(nodeKey.PrivKey) != ed25519.PrivateKeySize {
		return NodeKey{}, fmt.Errorf("invalid private key length %d in %s", len(nodeKey.PrivKey), filePath)
	}
	nodeKey.ID = NodeIDFromPubKey(nodeKey.PubKey())
	return nodeKey, nil
}

// LoadOrGenNodeKey attempts to load the NodeKey from the given filePath. If
// the file does not exist, it generates and saves a new NodeKey.
func LoadOrGenNodeKey(filePath string) (NodeKey, error) {
	if tmos.FileExists(filePath) {
		return LoadNodeKey(filePath)
	}

	nodeKey, err := GenNodeKey()
	if err != nil {
		return NodeKey{}, err
	}
	if err := nodeKey.SaveAs(filePath); err != nil {
		return NodeKey{}, err
	}
	return nodeKey, nil
}
