package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"testing"
	"time"

	"meshledger/ledger"
	"meshledger/merkle"
	"meshledger/models"
	"meshledger/queue"
	"meshledger/syncproto"
	"meshledger/transport"
	"meshledger/transport/ble"
)

func TestBackoffFollowsFixedScheduleThenStops(t *testing.T) {
	node := newTestNode(t, "device-a")
	node.monitor.SetOnline(true, false)
	created := node.create(t, 1)

	fake := &fakeLedger{submit: func(models.PendingTransaction) (ledger.Receipt, error) {
		return ledger.Receipt{}, fmt.Errorf("%w: 503", ledger.ErrTransient)
	}}
	var slept []time.Duration
	c := newTestCoordinator(t, node, fake, nil, Options{Sleep: func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}})

	if err := c.Tick(context.Background()); !errors.Is(err, ledger.ErrTransient) {
		t.Fatalf("expected transient error from tick, got %v", err)
	}
	want := []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	if !reflect.DeepEqual(slept, want) {
		t.Fatalf("expected backoff %v, got %v", want, slept)
	}
	if got := len(fake.submitted()); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
	tx, err := node.queue.Get(created[0].ID)
	if err != nil || tx.Status != models.StatusPending {
		t.Fatalf("expected transaction left pending, got %+v (%v)", tx, err)
	}
	if snap := c.Snapshot(); snap.LastError == "" || snap.LastSyncAt != nil || snap.PendingCount != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestLedgerConfirmationPrunesQueue(t *testing.T) {
	node := newTestNode(t, "device-a")
	node.monitor.SetOnline(true, false)
	created := node.create(t, 2)

	root := models.Hash{0x42}
	fake := &fakeLedger{submit: func(tx models.PendingTransaction) (ledger.Receipt, error) {
		return ledger.Receipt{Status: models.StatusConfirmed, TransferID: "T-" + tx.ID, RootHash: &root}, nil
	}}
	c := newTestCoordinator(t, node, fake, nil, Options{})

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	for _, tx := range created {
		if _, err := node.queue.Get(tx.ID); !errors.Is(err, queue.ErrNotFound) {
			t.Fatalf("expected %s pruned after confirmation, got %v", tx.ID, err)
		}
	}
	if !node.queue.IsTrustedRoot(root) {
		t.Fatal("ledger root must be recorded as trusted")
	}
	snap := c.Snapshot()
	if snap.LastSyncAt == nil || snap.LastError != "" || snap.PendingCount != 0 || !snap.IsOnline {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestLedgerRejectionDoesNotAbortBatch(t *testing.T) {
	node := newTestNode(t, "device-a")
	node.monitor.SetOnline(true, false)
	created := node.create(t, 2)

	fake := &fakeLedger{submit: func(tx models.PendingTransaction) (ledger.Receipt, error) {
		if tx.ID == created[0].ID {
			return ledger.Receipt{}, fmt.Errorf("%w: duplicate transfer", ledger.ErrRejected)
		}
		return ledger.Receipt{Status: models.StatusSubmitted}, nil
	}}
	c := newTestCoordinator(t, node, fake, nil, Options{})

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	first, _ := node.queue.Get(created[0].ID)
	second, _ := node.queue.Get(created[1].ID)
	if first.Status != models.StatusFailed || first.FailureReason == "" {
		t.Fatalf("expected first failed with reason, got %+v", first)
	}
	if second.Status != models.StatusSubmitted {
		t.Fatalf("expected second submitted, got %s", second.Status)
	}
	if len(fake.submits) != 2 {
		t.Fatalf("rejections must not be retried, got %d submits", len(fake.submits))
	}
}

func TestMeteredLinkLimitsSubmissions(t *testing.T) {
	node := newTestNode(t, "device-a")
	node.monitor.SetOnline(true, true)
	created := node.create(t, 7)

	fake := &fakeLedger{submit: func(models.PendingTransaction) (ledger.Receipt, error) {
		return ledger.Receipt{Status: models.StatusSubmitted}, nil
	}}
	c := newTestCoordinator(t, node, fake, nil, Options{})

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	got := fake.submitted()
	if len(got) != DefaultMeteredSubmitLimit {
		t.Fatalf("expected %d submissions, got %d", DefaultMeteredSubmitLimit, len(got))
	}
	for i, id := range got {
		if id != created[i].ID {
			t.Fatalf("expected oldest first, got %v", got)
		}
	}
	if counts := node.queue.Counts(); counts.Pending != 2 || counts.Submitted != 5 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestSubmittedReconciledByStatusPoll(t *testing.T) {
	node := newTestNode(t, "device-a")
	node.monitor.SetOnline(true, false)
	created := node.create(t, 2)
	for _, tx := range created {
		if err := node.queue.UpdateStatus(tx.ID, models.StatusSubmitted, ""); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
	}

	fake := &fakeLedger{status: func(id string) (ledger.Receipt, error) {
		if id == created[0].ID {
			return ledger.Receipt{Status: models.StatusConfirmed}, nil
		}
		return ledger.Receipt{Status: models.StatusFailed, Reason: "owner mismatch"}, nil
	}}
	c := newTestCoordinator(t, node, fake, nil, Options{})

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if _, err := node.queue.Get(created[0].ID); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected confirmed transaction pruned, got %v", err)
	}
	failed, err := node.queue.Get(created[1].ID)
	if err != nil || failed.Status != models.StatusFailed || failed.FailureReason != "owner mismatch" {
		t.Fatalf("expected failed transaction, got %+v (%v)", failed, err)
	}
}

func TestTrustedProofConfirmsWhenLedgerSilent(t *testing.T) {
	a := newTestNode(t, "device-a")
	b := newTestNode(t, "device-b")
	a.monitor.SetOnline(true, false)

	relayed := b.create(t, 1)[0]
	leaf, err := merkle.PayloadLeaf(relayed.Payload)
	if err != nil {
		t.Fatalf("PayloadLeaf failed: %v", err)
	}
	tree, err := merkle.NewTree([]models.Hash{leaf, merkle.LeafHash([]byte("other-1")), merkle.LeafHash([]byte("other-2"))})
	if err != nil {
		t.Fatalf("NewTree failed: %v", err)
	}
	proof, err := tree.Proof(0)
	if err != nil {
		t.Fatalf("Proof failed: %v", err)
	}
	relayed.Proof = &proof

	if result, err := a.queue.Merge(relayed); err != nil || result.Outcome != queue.MergeAccepted {
		t.Fatalf("Merge failed: %v %v", result, err)
	}
	if err := a.queue.UpdateStatus(relayed.ID, models.StatusSubmitted, ""); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if err := a.queue.TrustRoot(tree.Root(), "operator"); err != nil {
		t.Fatalf("TrustRoot failed: %v", err)
	}

	fake := &fakeLedger{status: func(string) (ledger.Receipt, error) {
		return ledger.Receipt{}, fmt.Errorf("%w: timeout", ledger.ErrTransient)
	}}
	c := newTestCoordinator(t, a, fake, nil, Options{})
	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	got, err := a.queue.Get(relayed.ID)
	if err != nil || got.Status != models.StatusConfirmed {
		t.Fatalf("expected proof-confirmed transaction kept, got %+v (%v)", got, err)
	}
}

func TestBatteryFloorSkipsSync(t *testing.T) {
	node := newTestNode(t, "device-a")
	node.monitor.SetOnline(true, false)
	node.monitor.SetBattery(19)
	node.create(t, 1)

	fake := &fakeLedger{}
	adapter := &fakeAdapter{kind: models.TransportBLE, peers: []models.PeerDescriptor{{PeerID: "device-b", SignalStrength: -40}}}
	c := newTestCoordinator(t, node, fake, []transport.Adapter{adapter}, Options{})

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(fake.submitted()) != 0 || len(adapter.attempts()) != 0 {
		t.Fatal("no sync may happen below the battery floor")
	}
}

func TestMeshRanksPeersAndSkipsWeakSignal(t *testing.T) {
	node := newTestNode(t, "device-a")
	now := time.Now()
	radio := &fakeAdapter{
		kind:       models.TransportBLE,
		connectErr: fmt.Errorf("%w: out of range", transport.ErrConnectionFailed),
		peers: []models.PeerDescriptor{
			{PeerID: "weak", SignalStrength: -85, LastSeen: now},
			{PeerID: "older", SignalStrength: -60, LastSeen: now.Add(-time.Minute)},
			{PeerID: "newer", SignalStrength: -60, LastSeen: now},
			{PeerID: "floor", SignalStrength: -80, LastSeen: now},
		},
	}
	wifi := &fakeAdapter{
		kind:       models.TransportWifiDirect,
		connectErr: fmt.Errorf("%w: refused", transport.ErrConnectionFailed),
		peers:      []models.PeerDescriptor{{PeerID: "strong", SignalStrength: -40, LastSeen: now}},
	}
	c := newTestCoordinator(t, node, nil, []transport.Adapter{radio, wifi}, Options{})

	err := c.Tick(context.Background())
	if !errors.Is(err, transport.ErrConnectionFailed) {
		t.Fatalf("expected last connection failure, got %v", err)
	}
	if got := wifi.attempts(); !reflect.DeepEqual(got, []string{"strong"}) {
		t.Fatalf("unexpected wifi attempts %v", got)
	}
	if got := radio.attempts(); !reflect.DeepEqual(got, []string{"newer", "older", "floor"}) {
		t.Fatalf("unexpected ble attempt order %v", got)
	}
	select {
	case alert := <-c.Alerts():
		t.Fatalf("connection failures must not alert, got %v", alert.Err)
	default:
	}
}

func TestPermissionDeniedRaisesAlert(t *testing.T) {
	node := newTestNode(t, "device-a")
	adapter := &fakeAdapter{kind: models.TransportBLE, discoveryErr: fmt.Errorf("%w: bluetooth scan", transport.ErrPermissionDenied)}
	other := &fakeAdapter{kind: models.TransportWifiDirect, discoveryErr: transport.ErrTransportUnavailable}
	c := newTestCoordinator(t, node, nil, []transport.Adapter{adapter, other}, Options{})

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	select {
	case alert := <-c.Alerts():
		if alert.Transport != models.TransportBLE || !errors.Is(alert.Err, transport.ErrPermissionDenied) {
			t.Fatalf("unexpected alert %+v", alert)
		}
	default:
		t.Fatal("expected a permission alert")
	}
	select {
	case alert := <-c.Alerts():
		t.Fatalf("unavailable transport must not alert, got %+v", alert)
	default:
	}
}

func TestMeshSyncNeverConfirms(t *testing.T) {
	a := newTestNode(t, "device-a")
	b := newTestNode(t, "device-b")
	created := a.create(t, 1)

	medium := ble.NewSimMedium(64)
	adapterA, err := ble.NewAdapter(medium.Radio(a.id, -50), ble.Options{})
	if err != nil {
		t.Fatalf("NewAdapter failed: %v", err)
	}
	adapterB, err := ble.NewAdapter(medium.Radio(b.id, -55), ble.Options{})
	if err != nil {
		t.Fatalf("NewAdapter failed: %v", err)
	}

	timeouts := map[models.TransportKind]time.Duration{models.TransportBLE: 50 * time.Millisecond}
	ca := newTestCoordinator(t, a, nil, []transport.Adapter{adapterA}, Options{DiscoveryTimeouts: timeouts})
	cb := newTestCoordinator(t, b, nil, []transport.Adapter{adapterB}, Options{DiscoveryTimeouts: timeouts})

	links, unsubscribe := a.monitor.Subscribe(8)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		cb.Serve(ctx)
	}()
	defer func() {
		cancel()
		<-served
	}()

	for i := 0; i < 2; i++ {
		if err := ca.Tick(ctx); err != nil {
			t.Fatalf("Tick %d failed: %v", i, err)
		}
	}

	got, err := b.queue.Get(created[0].ID)
	if err != nil || got.Status != models.StatusPending {
		t.Fatalf("expected B to hold the transaction as pending, got %+v (%v)", got, err)
	}
	if b.queue.Len() != 1 {
		t.Fatalf("expected exactly one entry on B, got %d", b.queue.Len())
	}
	for _, q := range []*queue.Queue{a.queue, b.queue} {
		if counts := q.Counts(); counts.Confirmed != 0 || counts.Submitted != 0 {
			t.Fatalf("mesh sync must not advance status, got %+v", counts)
		}
	}
	select {
	case event := <-links:
		if event.Current.Transport != models.TransportBLE || event.Current.SignalStrength != -55 {
			t.Fatalf("expected the session link on the monitor, got %+v", event.Current)
		}
	default:
		t.Fatal("expected a link event while the session ran")
	}
	if state := a.monitor.State(); state.Transport != models.TransportNone || state.SignalStrength != 0 {
		t.Fatalf("expected the link cleared after the session, got %+v", state)
	}
	if snapshot := ca.Snapshot(); snapshot.Transport != models.TransportNone {
		t.Fatalf("expected snapshot without a mesh link, got %+v", snapshot)
	}
}

func TestInboundSessionClaimsHandshakeIdentity(t *testing.T) {
	a := newTestNode(t, "device-a")
	b := newTestNode(t, "device-b")
	b.create(t, 2)
	c := newTestCoordinator(t, a, nil, nil, Options{})

	inbound := func() (syncproto.Report, error) {
		t.Helper()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		left, right := net.Pipe()
		accepted := transport.NewInboundStreamChannel(left, time.Second)
		dialed := transport.NewStreamChannel(right, a.id, time.Second)
		defer dialed.Close()

		responded := make(chan struct{})
		go func() {
			defer close(responded)
			c.respond(ctx, models.TransportWifiDirect, accepted)
		}()
		report, err := b.protocol.Initiate(ctx, dialed)
		<-responded
		return report, err
	}

	// An outbound session with device-b holds its slot.
	if !c.claimSession(b.id) {
		t.Fatal("claimSession failed")
	}
	report, err := inbound()
	if !errors.Is(err, syncproto.ErrPeerRejected) || report.State != syncproto.StateAborted {
		t.Fatalf("expected the inbound session to be rejected, got %s (%v)", report.State, err)
	}
	if a.queue.Len() != 0 || report.Sent != 0 {
		t.Fatalf("no batch may move while the slot is held, got len=%d sent=%d", a.queue.Len(), report.Sent)
	}
	c.releaseSession(b.id)

	report, err = inbound()
	if err != nil || report.State != syncproto.StateReconciled {
		t.Fatalf("expected reconciled once the slot is free, got %s (%v)", report.State, err)
	}
	if a.queue.Len() != 2 {
		t.Fatalf("expected both transactions on A, got %d", a.queue.Len())
	}
	if !c.claimSession(b.id) {
		t.Fatal("inbound session must release the device slot when it ends")
	}
}

func TestRunTicksOnConnectivityChange(t *testing.T) {
	node := newTestNode(t, "device-a")
	created := node.create(t, 1)

	fake := &fakeLedger{notify: make(chan string, 1)}
	c := newTestCoordinator(t, node, fake, nil, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	node.monitor.SetOnline(true, false)
	select {
	case id := <-fake.notify:
		if id != created[0].ID {
			t.Fatalf("unexpected submission %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a tick after going online")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
