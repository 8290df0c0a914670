package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// MemoryKeyStore holds key material in process memory only.
type MemoryKeyStore struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	dataKey    []byte
}

// NewMemoryKeyStore generates fresh key material.
func NewMemoryKeyStore() (*MemoryKeyStore, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	dataKey := make([]byte, DataKeySize)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	return &MemoryKeyStore{privateKey: privateKey, publicKey: publicKey, dataKey: dataKey}, nil
}

func (s *MemoryKeyStore) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), s.publicKey...)
}

func (s *MemoryKeyStore) SignDigest(digest []byte) ([]byte, error) {
	return signDigest(s.privateKey, digest)
}

func (s *MemoryKeyStore) UseDataKey(fn func(key []byte) error) error {
	return lend(s.dataKey, fn)
}
