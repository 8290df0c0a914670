package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"meshledger/connectivity"
	"meshledger/crypto"
	"meshledger/keystore"
	"meshledger/ledger"
	"meshledger/merkle"
	"meshledger/models"
	"meshledger/queue"
	"meshledger/storage"
	"meshledger/syncproto"
	"meshledger/transport"
)

type testNode struct {
	id       string
	crypto   *crypto.Service
	queue    *queue.Queue
	protocol *syncproto.Protocol
	monitor  *connectivity.Monitor
}

func newTestNode(t *testing.T, id string) testNode {
	t.Helper()

	keys, err := keystore.NewMemoryKeyStore()
	if err != nil {
		t.Fatalf("NewMemoryKeyStore failed: %v", err)
	}
	svc, err := crypto.NewService(keys)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	q, err := queue.Open(store, svc, merkle.NewVerifier(), queue.Options{DeviceID: id})
	if err != nil {
		t.Fatalf("queue.Open failed: %v", err)
	}
	protocol, err := syncproto.New(q, svc, syncproto.Options{DeviceID: id})
	if err != nil {
		t.Fatalf("syncproto.New failed: %v", err)
	}
	return testNode{id: id, crypto: svc, queue: q, protocol: protocol, monitor: connectivity.NewMonitor(connectivity.Options{})}
}

func (n testNode) create(t *testing.T, count int) []models.PendingTransaction {
	t.Helper()

	out := make([]models.PendingTransaction, 0, count)
	for i := 0; i < count; i++ {
		tx, err := n.queue.Create(models.TransactionPayload{
			PropertyID:  fmt.Sprintf("%s-P%d", n.id, i+1),
			NewOwner:    "owner-" + n.id,
			TimestampMs: uint64(time.Now().UnixMilli()),
		})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		out = append(out, tx)
	}
	return out
}

func newTestCoordinator(t *testing.T, n testNode, l Ledger, adapters []transport.Adapter, opts Options) *Coordinator {
	t.Helper()

	if opts.Sleep == nil {
		opts.Sleep = func(context.Context, time.Duration) error { return nil }
	}
	c, err := New(n.queue, l, n.protocol, n.monitor, adapters, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

// fakeLedger answers from per-call functions and records every call.
type fakeLedger struct {
	mu       sync.Mutex
	submits  []string
	statuses []string
	submit   func(tx models.PendingTransaction) (ledger.Receipt, error)
	status   func(id string) (ledger.Receipt, error)
	notify   chan string
}

func (f *fakeLedger) Submit(_ context.Context, tx models.PendingTransaction) (ledger.Receipt, error) {
	f.mu.Lock()
	f.submits = append(f.submits, tx.ID)
	f.mu.Unlock()
	if f.notify != nil {
		select {
		case f.notify <- tx.ID:
		default:
		}
	}
	if f.submit == nil {
		return ledger.Receipt{Status: models.StatusConfirmed, TransferID: "T-" + tx.ID}, nil
	}
	return f.submit(tx)
}

func (f *fakeLedger) Status(_ context.Context, id string) (ledger.Receipt, error) {
	f.mu.Lock()
	f.statuses = append(f.statuses, id)
	f.mu.Unlock()
	if f.status == nil {
		return ledger.Receipt{Status: models.StatusSubmitted}, nil
	}
	return f.status(id)
}

func (f *fakeLedger) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submits...)
}

// fakeAdapter serves a fixed discovery result and records connect attempts.
type fakeAdapter struct {
	kind         models.TransportKind
	peers        []models.PeerDescriptor
	discoveryErr error
	connectErr   error

	mu       sync.Mutex
	connects []string
}

func (a *fakeAdapter) Kind() models.TransportKind { return a.kind }

func (a *fakeAdapter) StartDiscovery(context.Context, time.Duration) (<-chan models.PeerDescriptor, error) {
	if a.discoveryErr != nil {
		return nil, a.discoveryErr
	}
	out := make(chan models.PeerDescriptor, len(a.peers))
	for _, peer := range a.peers {
		out <- peer
	}
	close(out)
	return out, nil
}

func (a *fakeAdapter) Connect(_ context.Context, peerID string) (transport.Channel, error) {
	a.mu.Lock()
	a.connects = append(a.connects, peerID)
	a.mu.Unlock()
	return nil, a.connectErr
}

func (a *fakeAdapter) Accept(ctx context.Context) (transport.Channel, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (a *fakeAdapter) Close() error { return nil }

func (a *fakeAdapter) attempts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.connects...)
}
