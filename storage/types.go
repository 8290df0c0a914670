package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrKeyMismatch indicates a device presented a key different from its pinned key.
	ErrKeyMismatch = errors.New("storage: device key mismatch")
)

const (
	recordStatusPending   = "pending"
	recordStatusSubmitted = "submitted"
	recordStatusConfirmed = "confirmed"
	recordStatusFailed    = "failed"
)

// Severity orders security events; queries filter on a minimum.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalText renders the severity name so API responses stay readable.
func (s Severity) MarshalText() ([]byte, error) {
	if s < SeverityInfo || s > SeverityCritical {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText parses a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "info":
		*s = SeverityInfo
	case "warning":
		*s = SeverityWarning
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// QueueRecord is one encrypted transaction row. Only routing metadata is plaintext.
type QueueRecord struct {
	RecordID       string
	OriginDeviceID string
	Sequence       uint64
	Status         string
	CreatedAt      int64
	UpdatedAt      int64
	Ciphertext     []byte
}

// Watermark is the highest sequence applied for one origin device.
type Watermark struct {
	OriginDeviceID string
	Sequence       uint64
}

// KnownDevice is a pinned origin device key.
type KnownDevice struct {
	DeviceID         string
	Ed25519PublicKey string
	KeyFingerprint   string
	FirstSeen        int64
	LastSeen         int64
}

// TrustedRoot is a Merkle root the device trusts independently of peers.
type TrustedRoot struct {
	RootHash string
	Source   string
	AddedAt  int64
}

// SecurityEvent is one persisted signature, proof, key or conflict incident.
// Details is free-form JSON owned by the producer.
type SecurityEvent struct {
	ID             int64           `json:"id"`
	Kind           string          `json:"kind"`
	OriginDeviceID string          `json:"originDeviceId,omitempty"`
	TransactionID  string          `json:"transactionId,omitempty"`
	Severity       Severity        `json:"severity"`
	Details        json.RawMessage `json:"details"`
	RecordedAt     int64           `json:"recordedAt"`
}

// SecurityEventQuery selects events newest first. Zero fields match everything.
type SecurityEventQuery struct {
	Kind           string
	OriginDeviceID string
	TransactionID  string
	MinSeverity    Severity
	Since          int64
	Limit          int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateRecordStatus(status string) error {
	switch status {
	case recordStatusPending, recordStatusSubmitted, recordStatusConfirmed, recordStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid record status %q", status)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
