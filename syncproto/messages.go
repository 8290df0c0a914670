package syncproto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"meshledger/models"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
)

const (
	TypeHello    = "hello"
	TypeHelloAck = "hello_ack"
	TypeBatch    = "batch"
	TypeBatchAck = "batch_ack"
	TypeDone     = "done"
	TypeError    = "error"
)

// Error codes carried in ErrorMessage.Code.
const (
	CodeVersionMismatch = "version_mismatch"
	CodeMalformed       = "malformed"
	CodeRejected        = "rejected"
	CodeKeyChanged      = "key_changed"
	CodeInternal        = "internal"
)

var (
	// ErrSync indicates a protocol-level failure such as a malformed or unexpected message.
	ErrSync = errors.New("syncproto: protocol error")
	// ErrVersionMismatch indicates the peer speaks another protocol version.
	ErrVersionMismatch = errors.New("syncproto: unsupported protocol version")
	// ErrPeerRejected indicates the peer aborted the session or failed identity checks.
	ErrPeerRejected = errors.New("syncproto: peer rejected session")
	// ErrKeyChanged indicates a device ID was presented with a key other than the pinned one.
	ErrKeyChanged = errors.New("syncproto: peer key changed")
	// ErrInvalidSignature indicates a handshake signature failed verification.
	ErrInvalidSignature = errors.New("syncproto: invalid handshake signature")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// Hello opens a session. The responder answers with the same shape and type hello_ack.
type Hello struct {
	Type            string            `json:"type"`
	SessionID       string            `json:"session_id"`
	DeviceID        string            `json:"device_id"`
	PublicKey       string            `json:"public_key"`
	ProtocolVersion int               `json:"protocol_version"`
	Watermarks      map[string]uint64 `json:"watermarks"`
	Timestamp       int64             `json:"timestamp"`
	Signature       string            `json:"signature"`
}

// Batch carries up to the batch size of transactions in per-origin sequence order.
type Batch struct {
	Type         string                      `json:"type"`
	SessionID    string                      `json:"session_id"`
	Index        int                         `json:"index"`
	Transactions []models.PendingTransaction `json:"transactions"`
}

// ItemResult is the merge outcome for one transaction of a batch.
type ItemResult struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// BatchAck confirms a batch was fully applied.
type BatchAck struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	Index     int          `json:"index"`
	Results   []ItemResult `json:"results"`
}

// Done ends one direction of the exchange.
type Done struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Batches   int    `json:"batches"`
}

// ErrorMessage aborts the session.
type ErrorMessage struct {
	Type              string `json:"type"`
	SessionID         string `json:"session_id"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeEnvelope extracts type and session from a payload.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode envelope: %v", ErrSync, err)
	}
	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing message type", ErrSync)
	}
	return envelope, nil
}

// Signer signs and verifies handshake payloads with the device key.
type Signer interface {
	PublicKey() ed25519.PublicKey
	Sign(data []byte) ([]byte, error)
	Verify(data, signature, publicKey []byte) bool
}

func buildHello(signer Signer, msgType, sessionID, deviceID string, watermarks map[string]uint64, timestamp int64) (Hello, error) {
	msg := Hello{
		Type:            msgType,
		SessionID:       sessionID,
		DeviceID:        deviceID,
		PublicKey:       base64.StdEncoding.EncodeToString(signer.PublicKey()),
		ProtocolVersion: ProtocolVersion,
		Watermarks:      watermarks,
		Timestamp:       timestamp,
	}
	signable, err := helloSignable(msg)
	if err != nil {
		return Hello{}, err
	}
	signature, err := signer.Sign(signable)
	if err != nil {
		return Hello{}, fmt.Errorf("sign %s: %w", msgType, err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

// verifyHello checks version, identity fields and signature.
func verifyHello(signer Signer, msg Hello) (ed25519.PublicKey, error) {
	if msg.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %d want %d", ErrVersionMismatch, msg.ProtocolVersion, ProtocolVersion)
	}
	if msg.DeviceID == "" || msg.SessionID == "" {
		return nil, fmt.Errorf("%w: %s missing identity", ErrSync, msg.Type)
	}

	publicKey, err := base64.StdEncoding.DecodeString(msg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decode public key: %v", ErrSync, err)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: invalid public key length", ErrSync)
	}
	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: decode signature: %v", ErrSync, err)
	}

	signable, err := helloSignable(msg)
	if err != nil {
		return nil, err
	}
	if !signer.Verify(signable, signature, publicKey) {
		return nil, ErrInvalidSignature
	}
	return ed25519.PublicKey(publicKey), nil
}

func helloSignable(msg Hello) ([]byte, error) {
	msg.Signature = ""
	signable, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal hello signable payload: %w", err)
	}
	return signable, nil
}
