package queue

import (
	"testing"
	"time"

	"meshledger/crypto"
	"meshledger/keystore"
	"meshledger/merkle"
	"meshledger/models"
	"meshledger/storage"
)

type testDevice struct {
	id     string
	keys   *keystore.MemoryKeyStore
	crypto *crypto.Service
}

func newTestDevice(t *testing.T, id string) testDevice {
	t.Helper()

	keys, err := keystore.NewMemoryKeyStore()
	if err != nil {
		t.Fatalf("NewMemoryKeyStore failed: %v", err)
	}
	svc, err := crypto.NewService(keys)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return testDevice{id: id, keys: keys, crypto: svc}
}

// signedTransaction builds a transaction as if created on d and relayed as-is.
func (d testDevice) signedTransaction(t *testing.T, id string, seq uint64, payload models.TransactionPayload) models.PendingTransaction {
	t.Helper()

	raw, err := payload.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes failed: %v", err)
	}
	signature, err := d.crypto.Sign(raw)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	now := time.UnixMilli(int64(payload.TimestampMs)).UTC()
	return models.PendingTransaction{
		ID:              id,
		Payload:         payload,
		CreatedAt:       now,
		UpdatedAt:       now,
		Status:          models.StatusPending,
		Signature:       signature,
		OriginDeviceID:  d.id,
		OriginPublicKey: d.crypto.PublicKey(),
		Sequence:        seq,
	}
}

func openTestStore(t *testing.T, dir string) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func newTestQueue(t *testing.T, d testDevice, opts Options) (*Queue, *storage.Store) {
	t.Helper()

	store := openTestStore(t, t.TempDir())
	opts.DeviceID = d.id
	q, err := Open(store, d.crypto, merkle.NewVerifier(), opts)
	if err != nil {
		t.Fatalf("queue.Open failed: %v", err)
	}
	return q, store
}

func transfer(property, owner string, tsMs uint64) models.TransactionPayload {
	return models.TransactionPayload{
		PropertyID:  property,
		NewOwner:    owner,
		TimestampMs: tsMs,
		Metadata:    map[string]any{"note": "field transfer"},
	}
}
