// Package merkle builds Merkle trees over event hashes. Compliance reports
// commit to their included events through the tree root, and auditors verify
// that a specific event (or data artifact) was covered without re-reading
// the whole range.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	leafPrefix = "neuroledger:event:leaf:v1"
	nodePrefix = "neuroledger:event:node:v1"
)

type Leaf struct {
	EventID  string
	LeafHash string
}

type Tree struct {
	Leaves []Leaf
	Root   string
	Nodes  [][]string // levels of node hashes, leaves first
}

// Build constructs a tree over (event_id, event_hash) pairs in the order
// given. Caller supplies chain order so the root is deterministic.
func Build(eventIDs, eventHashes []string) (*Tree, error) {
	if len(eventIDs) != len(eventHashes) {
		return nil, fmt.Errorf("merkle: %d ids but %d hashes", len(eventIDs), len(eventHashes))
	}
	if len(eventIDs) == 0 {
		return &Tree{Root: ""}, nil
	}

	leaves := make([]Leaf, len(eventIDs))
	for i := range eventIDs {
		leaves[i] = Leaf{
			EventID:  eventIDs[i],
			LeafHash: leafHash(eventIDs[i], eventHashes[i]),
		}
	}

	tree := &Tree{Leaves: leaves}
	level := make([]string, len(leaves))
	for i, l := range leaves {
		level[i] = l.LeafHash
	}

	for len(level) > 1 {
		tree.Nodes = append(tree.Nodes, level)
		level = nextLevel(level)
	}
	tree.Root = level[0]
	tree.Nodes = append(tree.Nodes, level)

	return tree, nil
}

func leafHash(eventID, eventHash string) string {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(eventID)
	buf.WriteByte(0)
	buf.WriteString(eventHash)
	return sha256Hex(buf.Bytes())
}

func nextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1]) // Duplicate last
		count++
	}

	level := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		level[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return level
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
