package models

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// HashSize is the byte length of every hash carried in the data model.
const HashSize = 32

// Hash is a 32-byte digest, hex encoded on the wire.
type Hash [HashSize]byte

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the lowercase hex form of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalJSON encodes h as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a hex string into h.
func (h *Hash) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return fmt.Errorf("decode hash: %w", err)
	}
	parsed, err := ParseHash(text)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64-character hex string.
func ParseHash(text string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return h, fmt.Errorf("decode hash hex: %w", err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("invalid hash length: got %d want %d", len(raw), HashSize)
	}
	copy(h[:], raw)
	return h, nil
}

// TransactionStatus is the lifecycle state of a queued transaction.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusSubmitted TransactionStatus = "submitted"
	StatusConfirmed TransactionStatus = "confirmed"
	StatusFailed    TransactionStatus = "failed"
)

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusConfirmed, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition may leave s.
func (s TransactionStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// CanTransition reports whether from -> to is allowed by the status state machine.
func CanTransition(from, to TransactionStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusSubmitted || to == StatusFailed
	case StatusSubmitted:
		return to == StatusConfirmed || to == StatusFailed
	default:
		return false
	}
}

// TransactionPayload is the immutable ownership-transfer request.
type TransactionPayload struct {
	PropertyID  string         `json:"property_id"`
	NewOwner    string         `json:"new_owner"`
	TimestampMs uint64         `json:"timestamp_ms"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Validate checks required payload fields.
func (p TransactionPayload) Validate() error {
	if strings.TrimSpace(p.PropertyID) == "" {
		return errors.New("property_id is required")
	}
	if strings.TrimSpace(p.NewOwner) == "" {
		return errors.New("new_owner is required")
	}
	if p.TimestampMs == 0 {
		return errors.New("timestamp_ms is required")
	}
	return nil
}

// SigningBytes returns the canonical byte form that transaction signatures cover.
// Map keys are emitted sorted by encoding/json, so the form is stable across devices.
func (p TransactionPayload) SigningBytes() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

// ProofSide tells the verifier on which side of the running hash a sibling sits.
type ProofSide string

const (
	SideLeft  ProofSide = "left"
	SideRight ProofSide = "right"
)

// ProofNode is one sibling hash along the path from a leaf to the root.
type ProofNode struct {
	Hash Hash      `json:"hash"`
	Side ProofSide `json:"side"`
}

// MerkleProof proves LeafHash is included under RootHash.
type MerkleProof struct {
	RootHash   Hash        `json:"root_hash"`
	ProofNodes []ProofNode `json:"proof_nodes"`
	LeafHash   Hash        `json:"leaf_hash"`
}

// PendingTransaction is one queued, signed transfer.
type PendingTransaction struct {
	ID              string             `json:"id"`
	Payload         TransactionPayload `json:"payload"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	Proof           *MerkleProof       `json:"proof,omitempty"`
	Status          TransactionStatus  `json:"status"`
	Signature       []byte             `json:"signature"`
	OriginDeviceID  string             `json:"origin_device_id"`
	OriginPublicKey []byte             `json:"origin_public_key"`
	Sequence        uint64             `json:"sequence"`
	FailureReason   string             `json:"failure_reason,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the queue.
func (t PendingTransaction) Clone() PendingTransaction {
	out := t
	out.Signature = append([]byte(nil), t.Signature...)
	out.OriginPublicKey = append([]byte(nil), t.OriginPublicKey...)
	if t.Payload.Metadata != nil {
		out.Payload.Metadata = make(map[string]any, len(t.Payload.Metadata))
		for k, v := range t.Payload.Metadata {
			out.Payload.Metadata[k] = v
		}
	}
	if t.Proof != nil {
		proof := *t.Proof
		proof.ProofNodes = append([]ProofNode(nil), t.Proof.ProofNodes...)
		out.Proof = &proof
	}
	return out
}
