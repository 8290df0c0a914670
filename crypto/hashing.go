package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"meshledger/models"
)

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) models.Hash {
	return models.Hash(sha256.Sum256(data))
}

// HMAC returns HMAC-SHA-256 of data under key.
func HMAC(data, key []byte) models.Hash {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	var out models.Hash
	copy(out[:], mac.Sum(nil))
	return out
}

// EqualHash compares two hashes in constant time.
func EqualHash(a, b models.Hash) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// DeriveKey expands secret into a KeySize subkey bound to info.
func DeriveKey(secret []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
