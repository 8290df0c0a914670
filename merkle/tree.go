// Package merkle builds SHA-256 Merkle trees and verifies inclusion proofs.
//
// Leaves and inner nodes are domain separated (0x00 and 0x01 prefixes) so an
// inner node can never be presented as a leaf. Every proof node carries an
// explicit side flag; the flag is derived from the sibling's position index at
// generation time, never from the hash values.
package merkle

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"meshledger/models"
)

const (
	leafPrefix  = 0x00
	innerPrefix = 0x01

	// MaxDepth bounds proof length; a tree of 2^64 leaves cannot exist.
	MaxDepth = 64
)

var (
	// ErrEmptyTree is returned when a tree is built from no leaves.
	ErrEmptyTree = errors.New("merkle: tree has no leaves")
	// ErrLeafIndex is returned when a proof is requested for a leaf outside the tree.
	ErrLeafIndex = errors.New("merkle: leaf index out of range")
)

// LeafHash hashes raw leaf data into a leaf node.
func LeafHash(data []byte) models.Hash {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)
	var out models.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// NodeHash combines two children in left/right order.
func NodeHash(left, right models.Hash) models.Hash {
	h := sha256.New()
	h.Write([]byte{innerPrefix})
	h.Write(left[:])
	h.Write(right[:])
	var out models.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Tree keeps every level so proofs can be produced for any leaf.
type Tree struct {
	levels [][]models.Hash
}

// NewTree builds a tree over already-hashed leaves. An odd level duplicates its last node.
func NewTree(leaves []models.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	level := append([]models.Hash(nil), leaves...)
	levels := [][]models.Hash{level}
	for len(level) > 1 {
		next := make([]models.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, NodeHash(left, right))
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{levels: levels}, nil
}

// Root returns the root hash.
func (t *Tree) Root() models.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return len(t.levels[0])
}

// Proof returns the inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (models.MerkleProof, error) {
	if index < 0 || index >= t.Len() {
		return models.MerkleProof{}, fmt.Errorf("%w: %d of %d", ErrLeafIndex, index, t.Len())
	}

	proof := models.MerkleProof{
		RootHash:   t.Root(),
		LeafHash:   t.levels[0][index],
		ProofNodes: make([]models.ProofNode, 0, len(t.levels)-1),
	}

	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		var node models.ProofNode
		if pos%2 == 0 {
			sibling := pos + 1
			if sibling >= len(level) {
				sibling = pos
			}
			node = models.ProofNode{Hash: level[sibling], Side: models.SideRight}
		} else {
			node = models.ProofNode{Hash: level[pos-1], Side: models.SideLeft}
		}
		proof.ProofNodes = append(proof.ProofNodes, node)
		pos /= 2
	}

	return proof, nil
}

// PayloadLeaf is the leaf the ledger commits to for a transaction payload.
func PayloadLeaf(payload models.TransactionPayload) (models.Hash, error) {
	raw, err := payload.SigningBytes()
	if err != nil {
		return models.Hash{}, err
	}
	return LeafHash(raw), nil
}
