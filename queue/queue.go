// Package queue is the durable, encrypted store of pending ownership transfers.
//
// All writes go through a single lock and are persisted before the in-memory
// view changes, so readers only ever observe fully committed state.
package queue

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshledger/crypto"
	"meshledger/merkle"
	"meshledger/metrics"
	"meshledger/models"
	"meshledger/storage"
)

const (
	DefaultCapacity       = 1000
	DefaultConflictWindow = 15 * time.Minute
)

var (
	ErrQueueFull         = errors.New("queue: capacity exceeded")
	ErrInvalidTransition = errors.New("queue: invalid status transition")
	ErrNotFound          = errors.New("queue: transaction not found")
	ErrNotTerminal       = errors.New("queue: transaction is not in a terminal state")
	ErrUntrustedProof    = errors.New("queue: proof does not verify against a trusted root")
	ErrKeyChanged        = errors.New("queue: device presented a key other than the pinned one")
)

// Store is the persistence the queue writes through to.
type Store interface {
	InsertRecord(record storage.QueueRecord, watermark *storage.Watermark) error
	UpdateRecord(recordID, status string, updatedAt int64, ciphertext []byte) error
	DeleteRecord(recordID string) error
	ListRecords() ([]storage.QueueRecord, error)
	ListWatermarks() ([]storage.Watermark, error)
	ListSeenIDs() ([]string, error)
	PinDeviceKey(deviceID, publicKey, fingerprint string) (bool, error)
	AddTrustedRoot(root storage.TrustedRoot) error
	ListTrustedRoots() ([]storage.TrustedRoot, error)
	RecordSecurityEvent(event storage.SecurityEvent) error
}

// Crypto signs, verifies and seals records.
type Crypto interface {
	PublicKey() ed25519.PublicKey
	Sign(data []byte) ([]byte, error)
	Verify(data, signature, publicKey []byte) bool
	SealRecord(recordID string, plaintext []byte) ([]byte, error)
	OpenRecord(recordID string, sealed []byte) ([]byte, error)
}

// ProofVerifier checks a Merkle proof against a root.
type ProofVerifier interface {
	Verify(proof models.MerkleProof, trustedRoot models.Hash) bool
}

// Options configures a Queue.
type Options struct {
	DeviceID       string
	Capacity       int
	ConflictWindow time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.ConflictWindow <= 0 {
		o.ConflictWindow = DefaultConflictWindow
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Counts is a per-status tally.
type Counts struct {
	Pending   int
	Submitted int
	Confirmed int
	Failed    int
}

// Queue holds the decrypted working set in memory and mirrors every change to Store.
type Queue struct {
	opts     Options
	store    Store
	crypto   Crypto
	verifier ProofVerifier
	log      *slog.Logger

	mu           sync.RWMutex
	entries      map[string]*models.PendingTransaction
	order        []string
	seen         map[string]struct{}
	watermarks   map[string]uint64
	trustedRoots map[models.Hash]struct{}
}

// Open loads and decrypts the persisted queue.
func Open(store Store, cryptoSvc Crypto, verifier ProofVerifier, opts Options) (*Queue, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cryptoSvc == nil {
		return nil, errors.New("crypto service is required")
	}
	if verifier == nil {
		return nil, errors.New("proof verifier is required")
	}
	opts = opts.withDefaults()
	if opts.DeviceID == "" {
		return nil, errors.New("device ID is required")
	}

	q := &Queue{
		opts:         opts,
		store:        store,
		crypto:       cryptoSvc,
		verifier:     verifier,
		log:          opts.Logger.With("component", "queue"),
		entries:      make(map[string]*models.PendingTransaction),
		seen:         make(map[string]struct{}),
		watermarks:   make(map[string]uint64),
		trustedRoots: make(map[models.Hash]struct{}),
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	q.publishDepth()
	return q, nil
}

func (q *Queue) load() error {
	records, err := q.store.ListRecords()
	if err != nil {
		return fmt.Errorf("load queue records: %w", err)
	}
	for _, record := range records {
		plaintext, err := q.crypto.OpenRecord(record.RecordID, record.Ciphertext)
		if err != nil {
			q.log.Error("queue record failed integrity check", "record_id", record.RecordID, "error", err)
			q.securityEvent(EventRecordIntegrity, record.OriginDeviceID, record.RecordID, storage.SeverityCritical, nil)
			continue
		}
		var tx models.PendingTransaction
		err = json.Unmarshal(plaintext, &tx)
		crypto.Zero(plaintext)
		if err != nil {
			return fmt.Errorf("decode queue record %q: %w", record.RecordID, err)
		}
		q.entries[tx.ID] = &tx
		q.order = append(q.order, tx.ID)
	}

	watermarks, err := q.store.ListWatermarks()
	if err != nil {
		return fmt.Errorf("load watermarks: %w", err)
	}
	for _, w := range watermarks {
		q.watermarks[w.OriginDeviceID] = w.Sequence
	}

	seen, err := q.store.ListSeenIDs()
	if err != nil {
		return fmt.Errorf("load seen IDs: %w", err)
	}
	for _, id := range seen {
		q.seen[id] = struct{}{}
	}

	roots, err := q.store.ListTrustedRoots()
	if err != nil {
		return fmt.Errorf("load trusted roots: %w", err)
	}
	for _, root := range roots {
		h, err := models.ParseHash(root.RootHash)
		if err != nil {
			q.log.Warn("skipping malformed trusted root", "root", root.RootHash, "error", err)
			continue
		}
		q.trustedRoots[h] = struct{}{}
	}
	return nil
}

// Create signs payload with the device key and enqueues it.
func (q *Queue) Create(payload models.TransactionPayload) (models.PendingTransaction, error) {
	if err := payload.Validate(); err != nil {
		return models.PendingTransaction{}, fmt.Errorf("validate payload: %w", err)
	}
	raw, err := payload.SigningBytes()
	if err != nil {
		return models.PendingTransaction{}, err
	}
	signature, err := q.crypto.Sign(raw)
	if err != nil {
		return models.PendingTransaction{}, fmt.Errorf("sign payload: %w", err)
	}
	return q.Enqueue(payload, signature)
}

// Enqueue stores a locally created, signed transaction as Pending.
func (q *Queue) Enqueue(payload models.TransactionPayload, signature []byte) (models.PendingTransaction, error) {
	if err := payload.Validate(); err != nil {
		return models.PendingTransaction{}, fmt.Errorf("validate payload: %w", err)
	}
	raw, err := payload.SigningBytes()
	if err != nil {
		return models.PendingTransaction{}, err
	}
	publicKey := q.crypto.PublicKey()
	if !q.crypto.Verify(raw, signature, publicKey) {
		return models.PendingTransaction{}, fmt.Errorf("enqueue: %w", crypto.ErrSecurity)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.opts.Capacity {
		return models.PendingTransaction{}, fmt.Errorf("%w: %d entries", ErrQueueFull, q.opts.Capacity)
	}

	now := q.opts.Now().UTC()
	tx := models.PendingTransaction{
		ID:              uuid.NewString(),
		Payload:         payload,
		CreatedAt:       now,
		UpdatedAt:       now,
		Status:          models.StatusPending,
		Signature:       append([]byte(nil), signature...),
		OriginDeviceID:  q.opts.DeviceID,
		OriginPublicKey: append([]byte(nil), publicKey...),
		Sequence:        q.watermarks[q.opts.DeviceID] + 1,
	}
	tx = tx.Clone()

	if err := q.insertLocked(&tx); err != nil {
		return models.PendingTransaction{}, err
	}
	q.log.Info("transaction enqueued", "transaction_id", tx.ID, "property_id", payload.PropertyID, "sequence", tx.Sequence)
	return tx.Clone(), nil
}

// insertLocked persists a new entry and its watermark, then adds it to memory.
func (q *Queue) insertLocked(tx *models.PendingTransaction) error {
	sealed, err := q.seal(tx)
	if err != nil {
		return err
	}
	if err := q.store.InsertRecord(storage.QueueRecord{
		RecordID:       tx.ID,
		OriginDeviceID: tx.OriginDeviceID,
		Sequence:       tx.Sequence,
		Status:         string(tx.Status),
		CreatedAt:      tx.CreatedAt.UnixMilli(),
		UpdatedAt:      tx.UpdatedAt.UnixMilli(),
		Ciphertext:     sealed,
	}, &storage.Watermark{OriginDeviceID: tx.OriginDeviceID, Sequence: tx.Sequence}); err != nil {
		return fmt.Errorf("persist transaction %q: %w", tx.ID, err)
	}

	q.entries[tx.ID] = tx
	q.order = append(q.order, tx.ID)
	if tx.Sequence > q.watermarks[tx.OriginDeviceID] {
		q.watermarks[tx.OriginDeviceID] = tx.Sequence
	}
	q.publishDepthLocked()
	return nil
}

func (q *Queue) seal(tx *models.PendingTransaction) ([]byte, error) {
	plaintext, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encode transaction %q: %w", tx.ID, err)
	}
	defer crypto.Zero(plaintext)
	return q.crypto.SealRecord(tx.ID, plaintext)
}

// UpdateStatus moves a transaction through the status state machine.
// reason is kept as the failure reason when moving to Failed.
func (q *Queue) UpdateStatus(id string, status models.TransactionStatus, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.updateLocked(id, status, reason, nil)
}

// ConfirmWithProof promotes a Submitted transaction whose proof verifies against a trusted root.
func (q *Queue) ConfirmWithProof(id string, proof models.MerkleProof) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, ok := q.entries[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status != models.StatusSubmitted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tx.Status, models.StatusConfirmed)
	}
	if _, trusted := q.trustedRoots[proof.RootHash]; !trusted {
		return ErrUntrustedProof
	}
	if !q.proofBindsLocked(tx.Payload, proof) || !q.verifier.Verify(proof, proof.RootHash) {
		q.securityEvent(EventProofFailed, tx.OriginDeviceID, tx.ID, storage.SeverityCritical, nil)
		return ErrUntrustedProof
	}
	return q.updateLocked(id, models.StatusConfirmed, "", &proof)
}

func (q *Queue) updateLocked(id string, status models.TransactionStatus, reason string, proof *models.MerkleProof) error {
	current, ok := q.entries[id]
	if !ok {
		return ErrNotFound
	}
	if !models.CanTransition(current.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}

	next := current.Clone()
	next.Status = status
	next.UpdatedAt = q.opts.Now().UTC()
	if status == models.StatusFailed {
		next.FailureReason = reason
	}
	if proof != nil {
		p := *proof
		p.ProofNodes = append([]models.ProofNode(nil), proof.ProofNodes...)
		next.Proof = &p
	}

	sealed, err := q.seal(&next)
	if err != nil {
		return err
	}
	if err := q.store.UpdateRecord(id, string(status), next.UpdatedAt.UnixMilli(), sealed); err != nil {
		return fmt.Errorf("persist status of %q: %w", id, err)
	}

	q.entries[id] = &next
	q.publishDepthLocked()
	q.log.Info("transaction status updated", "transaction_id", id, "from", current.Status, "to", status, "reason", reason)
	return nil
}

// Get returns a copy of one transaction.
func (q *Queue) Get(id string) (models.PendingTransaction, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	tx, ok := q.entries[id]
	if !ok {
		return models.PendingTransaction{}, ErrNotFound
	}
	return tx.Clone(), nil
}

// ListByStatus returns a snapshot of transactions with status, in creation order.
// The slice is detached from the queue and does not reflect later mutations.
func (q *Queue) ListByStatus(status models.TransactionStatus) []models.PendingTransaction {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]models.PendingTransaction, 0)
	for _, id := range q.order {
		tx, ok := q.entries[id]
		if !ok || tx.Status != status {
			continue
		}
		out = append(out, tx.Clone())
	}
	return out
}

// List returns a snapshot of every transaction in creation order.
func (q *Queue) List() []models.PendingTransaction {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]models.PendingTransaction, 0, len(q.entries))
	for _, id := range q.order {
		if tx, ok := q.entries[id]; ok {
			out = append(out, tx.Clone())
		}
	}
	return out
}

// Purge removes a Confirmed or Failed transaction. Its ID stays tombstoned.
func (q *Queue) Purge(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.purgeLocked(id)
}

func (q *Queue) purgeLocked(id string) error {
	tx, ok := q.entries[id]
	if !ok {
		return ErrNotFound
	}
	if !tx.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, id, tx.Status)
	}
	if err := q.store.DeleteRecord(id); err != nil {
		return fmt.Errorf("purge %q: %w", id, err)
	}

	delete(q.entries, id)
	for i, candidate := range q.order {
		if candidate == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.seen[id] = struct{}{}
	q.publishDepthLocked()
	return nil
}

// PruneConfirmed purges the given Confirmed transactions after the ledger has acknowledged them.
// IDs that are missing or not Confirmed are skipped.
func (q *Queue) PruneConfirmed(ids ...string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pruned := 0
	for _, id := range ids {
		tx, ok := q.entries[id]
		if !ok || tx.Status != models.StatusConfirmed {
			continue
		}
		if err := q.purgeLocked(id); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// PinPeerKey binds a handshake identity to its key on first contact. Later
// contacts must present the same key; a different one is recorded as a
// security event and returns ErrKeyChanged.
func (q *Queue) PinPeerKey(deviceID string, publicKey ed25519.PublicKey) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	fingerprint := crypto.KeyFingerprint(publicKey)
	pinned, err := q.store.PinDeviceKey(deviceID, encodePublicKey(publicKey), fingerprint)
	if errors.Is(err, storage.ErrKeyMismatch) {
		q.log.Warn("peer key changed", "device_id", deviceID, "fingerprint", fingerprint)
		q.securityEvent(EventKeyChanged, deviceID, "", storage.SeverityCritical, map[string]any{
			"presented_key_fingerprint": fingerprint,
		})
		return fmt.Errorf("%w: %s", ErrKeyChanged, deviceID)
	}
	if err != nil {
		return fmt.Errorf("pin peer key: %w", err)
	}
	if pinned {
		q.log.Info("pinned peer key", "device_id", deviceID, "fingerprint", fingerprint)
	}
	return nil
}

// TrustRoot records a root the device trusts independently of any peer.
func (q *Queue) TrustRoot(root models.Hash, source string) error {
	if root.IsZero() {
		return errors.New("root hash is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.AddTrustedRoot(storage.TrustedRoot{RootHash: root.String(), Source: source}); err != nil {
		return err
	}
	q.trustedRoots[root] = struct{}{}
	return nil
}

// IsTrustedRoot reports whether root was registered with TrustRoot.
func (q *Queue) IsTrustedRoot(root models.Hash) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.trustedRoots[root]
	return ok
}

// Watermarks returns the highest applied sequence per origin device.
func (q *Queue) Watermarks() map[string]uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make(map[string]uint64, len(q.watermarks))
	for origin, seq := range q.watermarks {
		out[origin] = seq
	}
	return out
}

// Offer returns the transactions a peer with the given watermarks has not applied yet,
// grouped by origin in sequence order. Failed transactions are never offered.
func (q *Queue) Offer(peerWatermarks map[string]uint64) []models.PendingTransaction {
	q.mu.RLock()
	out := make([]models.PendingTransaction, 0)
	for _, tx := range q.entries {
		if tx.Status == models.StatusFailed {
			continue
		}
		if tx.Sequence <= peerWatermarks[tx.OriginDeviceID] {
			continue
		}
		out = append(out, tx.Clone())
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OriginDeviceID != out[j].OriginDeviceID {
			return out[i].OriginDeviceID < out[j].OriginDeviceID
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// Counts tallies entries per status.
func (q *Queue) Counts() Counts {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.countsLocked()
}

func (q *Queue) countsLocked() Counts {
	var c Counts
	for _, tx := range q.entries {
		switch tx.Status {
		case models.StatusPending:
			c.Pending++
		case models.StatusSubmitted:
			c.Submitted++
		case models.StatusConfirmed:
			c.Confirmed++
		case models.StatusFailed:
			c.Failed++
		}
	}
	return c
}

// Len returns the number of entries held.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

func (q *Queue) publishDepth() {
	q.mu.RLock()
	defer q.mu.RUnlock()
	q.publishDepthLocked()
}

func (q *Queue) publishDepthLocked() {
	if q.opts.Metrics == nil {
		return
	}
	c := q.countsLocked()
	q.opts.Metrics.SetQueueDepth(string(models.StatusPending), c.Pending)
	q.opts.Metrics.SetQueueDepth(string(models.StatusSubmitted), c.Submitted)
	q.opts.Metrics.SetQueueDepth(string(models.StatusConfirmed), c.Confirmed)
	q.opts.Metrics.SetQueueDepth(string(models.StatusFailed), c.Failed)
}

func (q *Queue) proofBindsLocked(payload models.TransactionPayload, proof models.MerkleProof) bool {
	leaf, err := merkle.PayloadLeaf(payload)
	if err != nil {
		return false
	}
	return crypto.EqualHash(leaf, proof.LeafHash)
}

func (q *Queue) securityEvent(kind, deviceID, transactionID string, severity storage.Severity, details map[string]any) {
	q.opts.Metrics.ObserveSecurityEvent(kind)

	event := storage.SecurityEvent{
		Kind:           kind,
		OriginDeviceID: deviceID,
		TransactionID:  transactionID,
		Severity:       severity,
	}
	if len(details) > 0 {
		if raw, err := json.Marshal(details); err == nil {
			event.Details = raw
		}
	}
	if err := q.store.RecordSecurityEvent(event); err != nil {
		q.log.Warn("failed to record security event", "kind", kind, "error", err)
	}
}

func encodePublicKey(publicKey []byte) string {
	return base64.StdEncoding.EncodeToString(publicKey)
}
