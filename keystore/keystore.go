// Package keystore owns the device keypair and the data-encryption key.
//
// Key material never crosses the package boundary: callers sign digests and
// borrow the data key for the duration of a single call.
package keystore

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// DataKeySize is the length of the data-encryption key.
const DataKeySize = 32

var (
	// ErrUnavailable indicates the backing secure storage cannot be read or written.
	ErrUnavailable = errors.New("keystore: secure storage unavailable")
	// ErrKeyMaterialMissing indicates part of the key material vanished after first use.
	ErrKeyMaterialMissing = errors.New("keystore: key material missing after first use")
	// ErrInvalidDigest indicates a digest of the wrong size was passed to SignDigest.
	ErrInvalidDigest = errors.New("keystore: digest must be 32 bytes")
)

// SecureKeyStore is the seam to OS-backed secure storage.
type SecureKeyStore interface {
	// PublicKey returns the device public key.
	PublicKey() ed25519.PublicKey
	// SignDigest signs a 32-byte digest with the device private key.
	SignDigest(digest []byte) ([]byte, error)
	// UseDataKey lends a copy of the data-encryption key to fn and wipes it afterwards.
	UseDataKey(fn func(key []byte) error) error
}

func lend(master []byte, fn func(key []byte) error) error {
	key := append([]byte(nil), master...)
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()
	return fn(key)
}

func signDigest(privateKey ed25519.PrivateKey, digest []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes", ErrKeyMaterialMissing, len(privateKey))
	}
	if len(digest) != 32 {
		return nil, ErrInvalidDigest
	}
	return ed25519.Sign(privateKey, digest), nil
}
