package models

import "time"

// TransportKind names a short-range transport variant.
type TransportKind string

const (
	TransportNone       TransportKind = "none"
	TransportBLE        TransportKind = "ble"
	TransportWifiDirect TransportKind = "wifi_direct"
	TransportNetwork    TransportKind = "network"
)

// PeerDescriptor is one peer seen during a discovery cycle.
type PeerDescriptor struct {
	PeerID         string        `json:"peer_id"`
	Transport      TransportKind `json:"transport"`
	SignalStrength int8          `json:"signal_strength"`
	LastSeen       time.Time     `json:"last_seen"`
}
