package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// PinDeviceKey records the first key seen for a device and rejects any later different key.
// Returns true when the key was pinned by this call.
func (s *Store) PinDeviceKey(deviceID, publicKey, fingerprint string) (bool, error) {
	if deviceID == "" {
		return false, errors.New("device_id is required")
	}
	if publicKey == "" {
		return false, errors.New("ed25519_public_key is required")
	}

	existing, err := s.GetDeviceKey(deviceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}

	now := nowUnixMilli()
	if existing != nil {
		if existing.Ed25519PublicKey != publicKey {
			return false, ErrKeyMismatch
		}
		if _, err := s.db.Exec(
			`UPDATE known_devices SET last_seen = ? WHERE device_id = ?`,
			now,
			deviceID,
		); err != nil {
			return false, fmt.Errorf("touch known device %q: %w", deviceID, err)
		}
		return false, nil
	}

	if _, err := s.db.Exec(
		`INSERT INTO known_devices (
			device_id,
			ed25519_public_key,
			key_fingerprint,
			first_seen,
			last_seen
		) VALUES (?, ?, ?, ?, ?)`,
		deviceID,
		publicKey,
		fingerprint,
		now,
		now,
	); err != nil {
		return false, fmt.Errorf("pin device key %q: %w", deviceID, err)
	}
	return true, nil
}

// GetDeviceKey fetches the pinned key for a device.
func (s *Store) GetDeviceKey(deviceID string) (*KnownDevice, error) {
	row := s.db.QueryRow(
		`SELECT
			device_id,
			ed25519_public_key,
			key_fingerprint,
			first_seen,
			last_seen
		FROM known_devices
		WHERE device_id = ?`,
		deviceID,
	)

	var device KnownDevice
	if err := row.Scan(
		&device.DeviceID,
		&device.Ed25519PublicKey,
		&device.KeyFingerprint,
		&device.FirstSeen,
		&device.LastSeen,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get known device %q: %w", deviceID, err)
	}
	return &device, nil
}
