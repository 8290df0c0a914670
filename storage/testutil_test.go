package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustInsertRecord(t *testing.T, store *Store, recordID, origin string, seq uint64) {
	t.Helper()

	err := store.InsertRecord(QueueRecord{
		RecordID:       recordID,
		OriginDeviceID: origin,
		Sequence:       seq,
		Status:         recordStatusPending,
		Ciphertext:     []byte("sealed-" + recordID),
	}, &Watermark{OriginDeviceID: origin, Sequence: seq})
	if err != nil {
		t.Fatalf("insert record %q: %v", recordID, err)
	}
}
