package storage

import (
	"errors"
	"testing"
)

func TestInsertRecordAdvancesWatermark(t *testing.T) {
	store := newTestStore(t)

	mustInsertRecord(t, store, "tx-1", "device-a", 1)
	mustInsertRecord(t, store, "tx-3", "device-a", 3)
	mustInsertRecord(t, store, "tx-2", "device-a", 2)
	mustInsertRecord(t, store, "tx-b1", "device-b", 7)

	watermarks, err := store.ListWatermarks()
	if err != nil {
		t.Fatalf("ListWatermarks failed: %v", err)
	}
	if len(watermarks) != 2 {
		t.Fatalf("expected 2 watermarks, got %d", len(watermarks))
	}
	if watermarks[0].OriginDeviceID != "device-a" || watermarks[0].Sequence != 3 {
		t.Fatalf("unexpected device-a watermark: %+v", watermarks[0])
	}
	if watermarks[1].OriginDeviceID != "device-b" || watermarks[1].Sequence != 7 {
		t.Fatalf("unexpected device-b watermark: %+v", watermarks[1])
	}
}

func TestInsertRecordRejectsDuplicateID(t *testing.T) {
	store := newTestStore(t)
	mustInsertRecord(t, store, "tx-1", "device-a", 1)

	err := store.InsertRecord(QueueRecord{
		RecordID:       "tx-1",
		OriginDeviceID: "device-a",
		Sequence:       2,
		Status:         recordStatusPending,
		Ciphertext:     []byte("other"),
	}, &Watermark{OriginDeviceID: "device-a", Sequence: 2})
	if err == nil {
		t.Fatalf("expected duplicate insert to fail")
	}

	watermarks, err := store.ListWatermarks()
	if err != nil {
		t.Fatalf("ListWatermarks failed: %v", err)
	}
	if watermarks[0].Sequence != 1 {
		t.Fatalf("expected watermark rollback to keep sequence 1, got %d", watermarks[0].Sequence)
	}
}

func TestUpdateAndDeleteRecord(t *testing.T) {
	store := newTestStore(t)
	mustInsertRecord(t, store, "tx-1", "device-a", 1)

	if err := store.UpdateRecord("tx-1", recordStatusConfirmed, 0, []byte("resealed")); err != nil {
		t.Fatalf("UpdateRecord failed: %v", err)
	}
	record, err := store.GetRecord("tx-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if record.Status != recordStatusConfirmed {
		t.Fatalf("expected confirmed status, got %q", record.Status)
	}
	if string(record.Ciphertext) != "resealed" {
		t.Fatalf("expected ciphertext to be replaced, got %q", record.Ciphertext)
	}

	if err := store.UpdateRecord("missing", recordStatusFailed, 0, []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing update, got %v", err)
	}
	if err := store.UpdateRecord("tx-1", "archived", 0, []byte("x")); err == nil {
		t.Fatalf("expected invalid status to be rejected")
	}

	if err := store.DeleteRecord("tx-1"); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	if _, err := store.GetRecord("tx-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted record to be missing, got %v", err)
	}
	seen, err := store.ListSeenIDs()
	if err != nil {
		t.Fatalf("ListSeenIDs failed: %v", err)
	}
	if len(seen) != 1 || seen[0] != "tx-1" {
		t.Fatalf("expected deleted record to leave a tombstone, got %v", seen)
	}
	if err := store.DeleteRecord("tx-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected second delete to return ErrNotFound, got %v", err)
	}
}

func TestListRecordsOrdersByCreation(t *testing.T) {
	store := newTestStore(t)

	for i, id := range []string{"tx-c", "tx-a", "tx-b"} {
		if err := store.InsertRecord(QueueRecord{
			RecordID:       id,
			OriginDeviceID: "device-a",
			Sequence:       uint64(i + 1),
			Status:         recordStatusPending,
			CreatedAt:      int64(1_000 + i),
			Ciphertext:     []byte(id),
		}, nil); err != nil {
			t.Fatalf("InsertRecord %q failed: %v", id, err)
		}
	}

	records, err := store.ListRecords()
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, want := range []string{"tx-c", "tx-a", "tx-b"} {
		if records[i].RecordID != want {
			t.Fatalf("record %d: expected %q, got %q", i, want, records[i].RecordID)
		}
	}
}
