package merkle

import (
	"crypto/subtle"

	"meshledger/models"
)

// Verifier checks inclusion proofs against a root the caller trusts.
type Verifier struct{}

// NewVerifier returns a proof verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// Verify recomputes the root from proof.LeafHash and proof.ProofNodes and compares it
// with trustedRoot in constant time. Malformed proofs return false.
func (v *Verifier) Verify(proof models.MerkleProof, trustedRoot models.Hash) bool {
	if proof.LeafHash.IsZero() || trustedRoot.IsZero() {
		return false
	}
	if len(proof.ProofNodes) > MaxDepth {
		return false
	}

	running := proof.LeafHash
	for _, node := range proof.ProofNodes {
		switch node.Side {
		case models.SideLeft:
			running = NodeHash(node.Hash, running)
		case models.SideRight:
			running = NodeHash(running, node.Hash)
		default:
			return false
		}
	}

	// The root carried in the proof must agree with the trusted one as well.
	rootsMatch := subtle.ConstantTimeCompare(proof.RootHash[:], trustedRoot[:])
	computedMatch := subtle.ConstantTimeCompare(running[:], trustedRoot[:])
	return rootsMatch&computedMatch == 1
}
