package models

import "time"

// SyncSnapshot is the read model handed to the dashboard.
type SyncSnapshot struct {
	IsOnline       bool          `json:"is_online"`
	Transport      TransportKind `json:"transport"`
	SignalStrength int8          `json:"signal_strength"`
	BatteryLevel   int           `json:"battery_level"`
	Metered        bool          `json:"metered"`
	LastSyncAt     *time.Time    `json:"last_sync_at,omitempty"`
	PendingCount   uint32        `json:"pending_count"`
	SubmittedCount uint32        `json:"submitted_count"`
	FailedCount    uint32        `json:"failed_count"`
	LastError      string        `json:"last_error,omitempty"`
}
