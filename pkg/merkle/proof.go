package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

type InclusionProof struct {
	EventID    string      `json:"event_id"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// Prove produces an inclusion proof for the leaf at the given index.
func (t *Tree) Prove(index int) (*InclusionProof, error) {
	if index < 0 || index >= len(t.Leaves) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(t.Leaves))
	}

	proof := &InclusionProof{
		EventID:    t.Leaves[index].EventID,
		LeafHash:   t.Leaves[index].LeafHash,
		MerkleRoot: t.Root,
	}

	pos := index
	// Last level is the root itself; walk everything below it.
	for _, level := range t.Nodes[:len(t.Nodes)-1] {
		// Odd levels behave as if the last hash were duplicated.
		sibling := pos ^ 1
		var siblingHash string
		if sibling < len(level) {
			siblingHash = level[sibling]
		} else {
			siblingHash = level[pos]
		}

		side := "R"
		if sibling < pos {
			side = "L"
		}
		proof.ProofPath = append(proof.ProofPath, ProofStep{Side: side, SiblingHash: siblingHash})
		pos /= 2
	}

	return proof, nil
}

// VerifyInclusionProof checks that the proof's leaf rolls up to expectedRoot.
func VerifyInclusionProof(proof *InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.MerkleRoot != expectedRoot {
		return false
	}

	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		var buf bytes.Buffer
		buf.WriteString(nodePrefix)
		buf.WriteByte(0)
		if step.Side == "L" {
			buf.Write(hexToBytes(step.SiblingHash))
			buf.Write(hexToBytes(current))
		} else {
			buf.Write(hexToBytes(current))
			buf.Write(hexToBytes(step.SiblingHash))
		}
		h := sha256.Sum256(buf.Bytes())
		current = hex.EncodeToString(h[:])
	}

	return current == proof.MerkleRoot
}
