package keystore

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"
	dataKeyPEMType        = "DATA ENCRYPTION KEY"

	privateKeyFile = "device_ed25519_private.pem"
	publicKeyFile  = "device_ed25519_public.pem"
	dataKeyFile    = "data_key.pem"
)

// FileKeyStore keeps key material in 0600 PEM files under one directory.
// It stands in for platform keychains on hosts without one.
type FileKeyStore struct {
	mu         sync.RWMutex
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	dataKey    []byte
}

// OpenFileKeyStore loads key material from dir, generating all of it on first run.
// If only part of the material exists the store refuses to regenerate it.
func OpenFileKeyStore(dir string) (*FileKeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create key directory: %v", ErrUnavailable, err)
	}

	privatePath := filepath.Join(dir, privateKeyFile)
	publicPath := filepath.Join(dir, publicKeyFile)
	dataKeyPath := filepath.Join(dir, dataKeyFile)

	privateKey, privErr := loadPEM(privatePath, ed25519PrivatePEMType, ed25519.PrivateKeySize)
	dataKey, dataErr := loadPEM(dataKeyPath, dataKeyPEMType, DataKeySize)

	privMissing := errors.Is(privErr, fs.ErrNotExist)
	dataMissing := errors.Is(dataErr, fs.ErrNotExist)

	switch {
	case privErr == nil && dataErr == nil:
		store := &FileKeyStore{
			privateKey: ed25519.PrivateKey(privateKey),
			publicKey:  ed25519.PrivateKey(privateKey).Public().(ed25519.PublicKey),
			dataKey:    dataKey,
		}
		storedPublic, pubErr := loadPEM(publicPath, ed25519PublicPEMType, ed25519.PublicKeySize)
		if pubErr != nil || !bytes.Equal(storedPublic, store.publicKey) {
			if err := savePEM(publicPath, ed25519PublicPEMType, store.publicKey, 0o644); err != nil {
				return nil, err
			}
		}
		return store, nil
	case privMissing && dataMissing:
		return generateFileKeyStore(privatePath, publicPath, dataKeyPath)
	case privMissing || dataMissing:
		return nil, ErrKeyMaterialMissing
	case privErr != nil:
		return nil, privErr
	default:
		return nil, dataErr
	}
}

func generateFileKeyStore(privatePath, publicPath, dataKeyPath string) (*FileKeyStore, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	dataKey := make([]byte, DataKeySize)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}

	if err := savePEM(privatePath, ed25519PrivatePEMType, privateKey, 0o600); err != nil {
		return nil, err
	}
	if err := savePEM(publicPath, ed25519PublicPEMType, publicKey, 0o644); err != nil {
		return nil, err
	}
	if err := savePEM(dataKeyPath, dataKeyPEMType, dataKey, 0o600); err != nil {
		return nil, err
	}

	return &FileKeyStore{
		privateKey: privateKey,
		publicKey:  publicKey,
		dataKey:    dataKey,
	}, nil
}

// PublicKey returns the device public key.
func (s *FileKeyStore) PublicKey() ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(ed25519.PublicKey(nil), s.publicKey...)
}

// SignDigest signs a 32-byte digest.
func (s *FileKeyStore) SignDigest(digest []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return signDigest(s.privateKey, digest)
}

// UseDataKey lends the data key to fn.
func (s *FileKeyStore) UseDataKey(fn func(key []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lend(s.dataKey, fn)
}

func loadPEM(path, pemType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, filepath.Base(path), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", filepath.Base(path))
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", filepath.Base(path), block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s: invalid key size %d", filepath.Base(path), len(block.Bytes))
	}

	return block.Bytes, nil
}

func savePEM(path, pemType string, key []byte, mode os.FileMode) error {
	block := &pem.Block{
		Type:  pemType,
		Bytes: key,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), mode); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, filepath.Base(path), err)
	}
	return nil
}
