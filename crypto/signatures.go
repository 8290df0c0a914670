package crypto

import "crypto/ed25519"

// Verify verifies an Ed25519 signature over a digest. Malformed keys and
// signatures fail verification instead of panicking.
func Verify(publicKey ed25519.PublicKey, digest, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(digest) == 0 {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(publicKey, digest, signature)
}
