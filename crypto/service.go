package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"meshledger/keystore"
	"meshledger/models"
)

const (
	recordKeyInfo = "meshledger/queue-record/v1"
)

// ErrSecurity marks signature or proof verification failures.
var ErrSecurity = errors.New("crypto: security verification failed")

// Service is the device crypto facade. Private key material stays inside the key store.
type Service struct {
	keys keystore.SecureKeyStore
}

// NewService builds a Service over a secure key store.
func NewService(keys keystore.SecureKeyStore) (*Service, error) {
	if keys == nil {
		return nil, errors.New("key store is required")
	}
	return &Service{keys: keys}, nil
}

// PublicKey returns the device public key.
func (s *Service) PublicKey() ed25519.PublicKey {
	return s.keys.PublicKey()
}

// Sign hashes data and has the key store sign the digest.
func (s *Service) Sign(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}
	digest := Hash(data)
	signature, err := s.keys.SignDigest(digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return signature, nil
}

// Verify checks a signature produced by Sign on any device.
func (s *Service) Verify(data, signature, publicKey []byte) bool {
	if len(data) == 0 {
		return false
	}
	digest := Hash(data)
	return Verify(ed25519.PublicKey(publicKey), digest[:], signature)
}

// Hash returns the SHA-256 digest of data.
func (s *Service) Hash(data []byte) models.Hash {
	return Hash(data)
}

// HMAC returns HMAC-SHA-256 of data under key.
func (s *Service) HMAC(data, key []byte) models.Hash {
	return HMAC(data, key)
}

// Encrypt seals plaintext under key.
func (s *Service) Encrypt(plaintext, key []byte) ([]byte, error) {
	return Encrypt(key, plaintext, nil)
}

// Decrypt opens ciphertext sealed by Encrypt.
func (s *Service) Decrypt(ciphertext, key []byte) ([]byte, error) {
	return Decrypt(key, ciphertext, nil)
}

// SealRecord encrypts a queue record under a subkey of the data-encryption key,
// binding it to recordID so ciphertexts cannot be swapped between rows.
func (s *Service) SealRecord(recordID string, plaintext []byte) ([]byte, error) {
	var sealed []byte
	err := s.keys.UseDataKey(func(dataKey []byte) error {
		recordKey, err := DeriveKey(dataKey, recordKeyInfo)
		if err != nil {
			return err
		}
		defer Zero(recordKey)

		sealed, err = Encrypt(recordKey, plaintext, []byte(recordID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("seal record %q: %w", recordID, err)
	}
	return sealed, nil
}

// OpenRecord decrypts a queue record sealed by SealRecord.
func (s *Service) OpenRecord(recordID string, sealed []byte) ([]byte, error) {
	var plaintext []byte
	err := s.keys.UseDataKey(func(dataKey []byte) error {
		recordKey, err := DeriveKey(dataKey, recordKeyInfo)
		if err != nil {
			return err
		}
		defer Zero(recordKey)

		plaintext, err = Decrypt(recordKey, sealed, []byte(recordID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open record %q: %w", recordID, err)
	}
	return plaintext, nil
}
