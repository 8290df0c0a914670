package storage

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSecurityEventsFilterByTransactionAndSeverity(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()

	events := []SecurityEvent{
		{Kind: "merge_rejected", OriginDeviceID: "device-a", TransactionID: "tx-1", Severity: SeverityCritical, Details: json.RawMessage(`{"reason":"bad_signature"}`), RecordedAt: now - 2_000},
		{Kind: "transfer_conflict", OriginDeviceID: "device-b", TransactionID: "tx-1", Severity: SeverityWarning, RecordedAt: now - 1_000},
		{Kind: "merge_rejected", OriginDeviceID: "device-a", TransactionID: "tx-2", Severity: SeverityInfo, RecordedAt: now},
	}
	for _, event := range events {
		if err := store.RecordSecurityEvent(event); err != nil {
			t.Fatalf("RecordSecurityEvent %s failed: %v", event.Kind, err)
		}
	}

	forTx, err := store.SecurityEvents(SecurityEventQuery{TransactionID: "tx-1"})
	if err != nil {
		t.Fatalf("SecurityEvents by transaction failed: %v", err)
	}
	if len(forTx) != 2 || forTx[0].Kind != "transfer_conflict" || forTx[1].Kind != "merge_rejected" {
		t.Fatalf("expected conflict then rejection for tx-1, got %+v", forTx)
	}
	if string(forTx[0].Details) != "{}" {
		t.Fatalf("expected empty details to default to {}, got %s", forTx[0].Details)
	}

	serious, err := store.SecurityEvents(SecurityEventQuery{MinSeverity: SeverityWarning})
	if err != nil {
		t.Fatalf("SecurityEvents by severity failed: %v", err)
	}
	if len(serious) != 2 {
		t.Fatalf("expected warning and critical events, got %d", len(serious))
	}

	fromA, err := store.SecurityEvents(SecurityEventQuery{Kind: "merge_rejected", OriginDeviceID: "device-a", Since: now - 1_500})
	if err != nil {
		t.Fatalf("SecurityEvents by origin failed: %v", err)
	}
	if len(fromA) != 1 || fromA[0].TransactionID != "tx-2" {
		t.Fatalf("expected only the recent rejection, got %+v", fromA)
	}
}

func TestRecordSecurityEventValidates(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordSecurityEvent(SecurityEvent{Severity: SeverityInfo}); err == nil {
		t.Fatal("expected missing kind to fail")
	}
	if err := store.RecordSecurityEvent(SecurityEvent{Kind: "x", Severity: Severity(7)}); err == nil {
		t.Fatal("expected unknown severity to fail")
	}
	if err := store.RecordSecurityEvent(SecurityEvent{Kind: "x", Details: json.RawMessage(`{`)}); err == nil {
		t.Fatal("expected malformed details to fail")
	}
}

func TestSecurityEventRetentionPrunesOldRows(t *testing.T) {
	store := newTestStore(t)
	store.SetSecurityEventRetention(time.Second)
	now := nowUnixMilli()

	if err := store.RecordSecurityEvent(SecurityEvent{Kind: "old_event", RecordedAt: now - 10_000}); err != nil {
		t.Fatalf("RecordSecurityEvent old_event failed: %v", err)
	}
	if err := store.RecordSecurityEvent(SecurityEvent{Kind: "new_event", RecordedAt: now}); err != nil {
		t.Fatalf("RecordSecurityEvent new_event failed: %v", err)
	}

	events, err := store.SecurityEvents(SecurityEventQuery{})
	if err != nil {
		t.Fatalf("SecurityEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "new_event" {
		t.Fatalf("expected only new_event to survive, got %+v", events)
	}
}

func TestSeverityMarshalsByName(t *testing.T) {
	raw, err := json.Marshal(SecurityEvent{Kind: "k", Severity: SeverityCritical, Details: json.RawMessage("{}")})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["severity"] != "critical" {
		t.Fatalf("expected severity name, got %v", decoded["severity"])
	}
}
