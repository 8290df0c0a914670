// Package coordinator decides when and how the queue is reconciled: directly
// with the ledger when a network path exists, otherwise with the best nearby peer.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meshledger/connectivity"
	"meshledger/keystore"
	"meshledger/ledger"
	"meshledger/metrics"
	"meshledger/models"
	"meshledger/queue"
	"meshledger/syncproto"
	"meshledger/transport"
)

const (
	DefaultInterval           = 5 * time.Minute
	DefaultMeteredSubmitLimit = 5
	DefaultBLEDiscovery       = 10 * time.Second
	DefaultWifiDiscovery      = 30 * time.Second
	DefaultSessionTimeout     = 2 * time.Minute
)

// DefaultBackoff is the retry schedule for one transaction submission.
var DefaultBackoff = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

// Queue is the part of the transaction queue the coordinator drives.
type Queue interface {
	ListByStatus(status models.TransactionStatus) []models.PendingTransaction
	UpdateStatus(id string, status models.TransactionStatus, reason string) error
	ConfirmWithProof(id string, proof models.MerkleProof) error
	PruneConfirmed(ids ...string) (int, error)
	TrustRoot(root models.Hash, source string) error
	IsTrustedRoot(root models.Hash) bool
	Counts() queue.Counts
}

// Ledger is the authoritative ledger contract.
type Ledger interface {
	Submit(ctx context.Context, tx models.PendingTransaction) (ledger.Receipt, error)
	Status(ctx context.Context, transactionID string) (ledger.Receipt, error)
}

// Syncer runs peer sync sessions.
type Syncer interface {
	Initiate(ctx context.Context, ch transport.Channel) (syncproto.Report, error)
	Respond(ctx context.Context, ch transport.Channel, claim syncproto.PeerClaim) (syncproto.Report, error)
}

// Monitor supplies connectivity facts and change events.
type Monitor interface {
	State() connectivity.State
	BatteryOK() bool
	MinRSSI() int8
	SetLink(kind models.TransportKind, rssi int8)
	ClearLink(kind models.TransportKind)
	Subscribe(buffer int) (<-chan connectivity.Event, func())
}

// Alert is a failure the user has to act on.
type Alert struct {
	Transport models.TransportKind
	Err       error
	At        time.Time
}

// Options configures a Coordinator.
type Options struct {
	Interval           time.Duration
	Backoff            []time.Duration
	MeteredSubmitLimit int
	DiscoveryTimeouts  map[models.TransportKind]time.Duration
	SessionTimeout     time.Duration
	Logger             *slog.Logger
	Metrics            *metrics.Metrics
	Now                func() time.Time
	// Sleep waits between submission retries. Tests replace it to observe the schedule.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Backoff == nil {
		o.Backoff = DefaultBackoff
	}
	if o.MeteredSubmitLimit <= 0 {
		o.MeteredSubmitLimit = DefaultMeteredSubmitLimit
	}
	timeouts := map[models.TransportKind]time.Duration{
		models.TransportBLE:        DefaultBLEDiscovery,
		models.TransportWifiDirect: DefaultWifiDiscovery,
	}
	for kind, timeout := range o.DiscoveryTimeouts {
		if timeout > 0 {
			timeouts[kind] = timeout
		}
	}
	o.DiscoveryTimeouts = timeouts
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = DefaultSessionTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Coordinator runs the sync policy. Tick is safe to call from one goroutine at a time;
// Run owns that goroutine when used.
type Coordinator struct {
	queue    Queue
	ledger   Ledger
	syncer   Syncer
	monitor  Monitor
	adapters []transport.Adapter
	opts     Options
	log      *slog.Logger
	metrics  *metrics.Metrics

	alerts chan Alert

	mu         sync.Mutex
	lastSyncAt *time.Time
	lastError  string
	sessions   map[string]struct{}
}

// New wires a Coordinator. ledgerClient may be nil on devices that never go online.
func New(q Queue, ledgerClient Ledger, syncer Syncer, monitor Monitor, adapters []transport.Adapter, opts Options) (*Coordinator, error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if syncer == nil {
		return nil, errors.New("syncer is required")
	}
	if monitor == nil {
		return nil, errors.New("connectivity monitor is required")
	}
	opts = opts.withDefaults()
	return &Coordinator{
		queue:    q,
		ledger:   ledgerClient,
		syncer:   syncer,
		monitor:  monitor,
		adapters: adapters,
		opts:     opts,
		log:      opts.Logger.With("component", "coordinator"),
		metrics:  opts.Metrics,
		alerts:   make(chan Alert, 16),
		sessions: make(map[string]struct{}),
	}, nil
}

// Alerts carries permission and key store failures for the UI.
func (c *Coordinator) Alerts() <-chan Alert {
	return c.alerts
}

// Tick runs one reconciliation pass.
func (c *Coordinator) Tick(ctx context.Context) error {
	state := c.monitor.State()
	if !c.monitor.BatteryOK() {
		c.log.Debug("battery below sync floor, skipping tick", "battery", state.BatteryLevel)
		c.metrics.ObserveTick("battery_low")
		return nil
	}

	var err error
	if state.Online && c.ledger != nil {
		c.metrics.ObserveTick("ledger")
		err = c.syncLedger(ctx, state.Metered)
	} else {
		c.metrics.ObserveTick("mesh")
		err = c.syncMesh(ctx)
	}
	c.finishTick(err)
	return err
}

func (c *Coordinator) finishTick(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastError = err.Error()
		return
	}
	now := c.opts.Now().UTC()
	c.lastSyncAt = &now
	c.lastError = ""
}

func (c *Coordinator) recordError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

// Snapshot returns the read model for the dashboard.
func (c *Coordinator) Snapshot() models.SyncSnapshot {
	state := c.monitor.State()
	counts := c.queue.Counts()

	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := models.SyncSnapshot{
		IsOnline:       state.Online,
		Transport:      state.Transport,
		SignalStrength: state.SignalStrength,
		BatteryLevel:   state.BatteryLevel,
		Metered:        state.Metered,
		PendingCount:   uint32(counts.Pending),
		SubmittedCount: uint32(counts.Submitted),
		FailedCount:    uint32(counts.Failed),
		LastError:      c.lastError,
	}
	if c.lastSyncAt != nil {
		at := *c.lastSyncAt
		snapshot.LastSyncAt = &at
	}
	return snapshot
}

// Run ticks on the interval and on connectivity changes until ctx is done.
// A tick in progress is cancelled when the link it depends on drops.
func (c *Coordinator) Run(ctx context.Context) error {
	events, unsubscribe := c.monitor.Subscribe(4)
	defer unsubscribe()

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	var (
		running    bool
		again      bool
		cancelTick context.CancelFunc
		done       = make(chan struct{}, 1)
	)
	start := func() {
		if running {
			again = true
			return
		}
		running = true
		var tickCtx context.Context
		tickCtx, cancelTick = context.WithCancel(ctx)
		go func() {
			if err := c.Tick(tickCtx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Warn("sync tick failed", "error", err)
			}
			done <- struct{}{}
		}()
	}

	start()
	for {
		select {
		case <-ctx.Done():
			if running {
				cancelTick()
				<-done
			}
			return ctx.Err()
		case <-done:
			running = false
			cancelTick()
			if again {
				again = false
				start()
			}
		case <-ticker.C:
			start()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if running && linkOnly(event) {
				// The tick's own mesh session set or cleared the link.
				continue
			}
			if running && interrupts(event) {
				c.log.Info("connectivity lost, cancelling sync tick", "reasons", event.Reasons)
				cancelTick()
			}
			start()
		}
	}
}

// interrupts reports whether a change invalidates the path the current tick uses.
// A battery drop does not: a submission already under way may finish.
func interrupts(event connectivity.Event) bool {
	for _, reason := range event.Reasons {
		if reason == connectivity.ReasonOnline && event.Previous.Online && !event.Current.Online {
			return true
		}
	}
	return false
}

func linkOnly(event connectivity.Event) bool {
	for _, reason := range event.Reasons {
		if reason != connectivity.ReasonSignal {
			return false
		}
	}
	return len(event.Reasons) > 0
}

func (c *Coordinator) alert(kind models.TransportKind, err error) {
	select {
	case c.alerts <- Alert{Transport: kind, Err: err, At: c.opts.Now()}:
	default:
		c.log.Warn("alert channel full, dropping alert", "error", err)
	}
}

// userFacing reports whether err must reach the UI rather than be retried.
func userFacing(err error) bool {
	return errors.Is(err, transport.ErrPermissionDenied) ||
		errors.Is(err, keystore.ErrUnavailable) ||
		errors.Is(err, keystore.ErrKeyMaterialMissing)
}

func (c *Coordinator) queueError(err error) error {
	if userFacing(err) {
		c.alert(models.TransportNone, err)
	}
	return fmt.Errorf("update queue: %w", err)
}
