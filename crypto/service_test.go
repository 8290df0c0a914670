package crypto

import (
	"bytes"
	"testing"

	"meshledger/keystore"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	keys, err := keystore.NewMemoryKeyStore()
	if err != nil {
		t.Fatalf("NewMemoryKeyStore failed: %v", err)
	}
	svc, err := NewService(keys)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func TestServiceSignVerifyAcrossDevices(t *testing.T) {
	alice := newTestService(t)
	bob := newTestService(t)

	data := []byte(`{"property_id":"P1"}`)
	signature, err := alice.Sign(data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if !bob.Verify(data, signature, alice.PublicKey()) {
		t.Fatalf("expected bob to verify alice's signature")
	}
	if bob.Verify(data, signature, bob.PublicKey()) {
		t.Fatalf("expected verification under the wrong key to fail")
	}
	if bob.Verify([]byte(`{"property_id":"P2"}`), signature, alice.PublicKey()) {
		t.Fatalf("expected verification of altered data to fail")
	}
}

func TestSealRecordBindsRecordID(t *testing.T) {
	svc := newTestService(t)

	sealed, err := svc.SealRecord("tx-1", []byte("plaintext"))
	if err != nil {
		t.Fatalf("SealRecord failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("plaintext")) {
		t.Fatalf("expected sealed record to hide plaintext")
	}

	opened, err := svc.OpenRecord("tx-1", sealed)
	if err != nil {
		t.Fatalf("OpenRecord failed: %v", err)
	}
	if string(opened) != "plaintext" {
		t.Fatalf("unexpected opened record %q", opened)
	}

	if _, err := svc.OpenRecord("tx-2", sealed); err == nil {
		t.Fatalf("expected record swapped to another ID to fail")
	}
}

func TestHMACAndEqualHash(t *testing.T) {
	a := HMAC([]byte("data"), []byte("key-1"))
	b := HMAC([]byte("data"), []byte("key-1"))
	c := HMAC([]byte("data"), []byte("key-2"))

	if !EqualHash(a, b) {
		t.Fatalf("expected equal HMACs")
	}
	if EqualHash(a, c) {
		t.Fatalf("expected HMACs under different keys to differ")
	}
}

func TestFormatFingerprintGroupsChunks(t *testing.T) {
	got := FormatFingerprint("abcdef0123")
	if got != "ABCD EF01 23" {
		t.Fatalf("unexpected fingerprint format %q", got)
	}
}
