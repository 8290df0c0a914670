package queue

import (
	"bytes"
	"errors"
	"fmt"

	"meshledger/crypto"
	"meshledger/models"
	"meshledger/storage"
)

// MergeOutcome is the result class of merging a remote transaction.
type MergeOutcome string

const (
	MergeAccepted  MergeOutcome = "accepted"
	MergeDuplicate MergeOutcome = "duplicate"
	MergeRejected  MergeOutcome = "rejected"
)

// Rejection reasons reported in MergeResult.Reason.
const (
	ReasonInvalidPayload = "invalid_payload"
	ReasonBadSignature   = "bad_signature"
	ReasonOwnOrigin      = "own_origin"
	ReasonKeyMismatch    = "key_mismatch"
	ReasonStaleSequence  = "stale_sequence"
	ReasonBadProof       = "bad_proof"
	ReasonConflict       = "conflict"
	ReasonQueueFull      = "queue_full"
	ReasonRemoteFailed   = "remote_failed"
)

// Security event kinds recorded by the queue.
const (
	EventMergeRejected    = "merge_rejected"
	EventTransferConflict = "transfer_conflict"
	EventRecordIntegrity  = "record_integrity_failed"
	EventProofFailed      = "proof_verification_failed"
	EventKeyChanged       = "peer_key_changed"
)

// MergeResult reports what happened to one remote transaction.
type MergeResult struct {
	Outcome MergeOutcome
	Reason  string
}

func (r MergeResult) String() string {
	if r.Reason == "" {
		return string(r.Outcome)
	}
	return fmt.Sprintf("%s(%s)", r.Outcome, r.Reason)
}

func accepted() MergeResult              { return MergeResult{Outcome: MergeAccepted} }
func duplicate() MergeResult             { return MergeResult{Outcome: MergeDuplicate} }
func rejected(reason string) MergeResult { return MergeResult{Outcome: MergeRejected, Reason: reason} }

// Merge applies a transaction relayed by a peer. It is idempotent by ID: a
// transaction already held, or purged earlier, is reported as a duplicate and
// changes nothing. Accepted transactions are always stored as Pending, so mesh
// sync alone never confirms anything. The error return is reserved for
// persistence failures; every validation outcome is a MergeResult.
func (q *Queue) Merge(remote models.PendingTransaction) (MergeResult, error) {
	result, err := q.merge(remote)
	if err == nil {
		q.opts.Metrics.ObserveMerge(string(result.Outcome), result.Reason)
	}
	return result, err
}

func (q *Queue) merge(remote models.PendingTransaction) (MergeResult, error) {
	if remote.ID == "" {
		return rejected(ReasonInvalidPayload), nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[remote.ID]; ok {
		return duplicate(), nil
	}
	if _, ok := q.seen[remote.ID]; ok {
		return duplicate(), nil
	}

	if err := remote.Payload.Validate(); err != nil || remote.OriginDeviceID == "" || remote.Sequence == 0 {
		q.rejectLocked(remote, ReasonInvalidPayload, storage.SeverityWarning)
		return rejected(ReasonInvalidPayload), nil
	}
	if remote.Status == models.StatusFailed {
		return rejected(ReasonRemoteFailed), nil
	}
	if remote.OriginDeviceID == q.opts.DeviceID {
		q.rejectLocked(remote, ReasonOwnOrigin, storage.SeverityCritical)
		return rejected(ReasonOwnOrigin), nil
	}

	raw, err := remote.Payload.SigningBytes()
	if err != nil || !q.crypto.Verify(raw, remote.Signature, remote.OriginPublicKey) {
		q.rejectLocked(remote, ReasonBadSignature, storage.SeverityCritical)
		return rejected(ReasonBadSignature), nil
	}

	if _, err := q.store.PinDeviceKey(
		remote.OriginDeviceID,
		encodePublicKey(remote.OriginPublicKey),
		crypto.KeyFingerprint(remote.OriginPublicKey),
	); err != nil {
		if errors.Is(err, storage.ErrKeyMismatch) {
			q.rejectLocked(remote, ReasonKeyMismatch, storage.SeverityCritical)
			return rejected(ReasonKeyMismatch), nil
		}
		return MergeResult{}, fmt.Errorf("pin origin key: %w", err)
	}

	if remote.Sequence <= q.watermarks[remote.OriginDeviceID] {
		q.log.Warn("rejecting out-of-order transaction", "transaction_id", remote.ID, "origin", remote.OriginDeviceID,
			"sequence", remote.Sequence, "watermark", q.watermarks[remote.OriginDeviceID])
		return rejected(ReasonStaleSequence), nil
	}

	if remote.Proof != nil {
		if !q.proofBindsLocked(remote.Payload, *remote.Proof) || !q.verifier.Verify(*remote.Proof, remote.Proof.RootHash) {
			q.rejectLocked(remote, ReasonBadProof, storage.SeverityCritical)
			return rejected(ReasonBadProof), nil
		}
	}

	if existing := q.conflictLocked(remote); existing != nil {
		q.securityEvent(EventTransferConflict, remote.OriginDeviceID, remote.ID, storage.SeverityWarning, map[string]any{
			"property_id":    remote.Payload.PropertyID,
			"kept_id":        existing.ID,
			"kept_new_owner": existing.Payload.NewOwner,
			"new_owner":      remote.Payload.NewOwner,
		})
		q.log.Warn("rejecting conflicting transfer", "transaction_id", remote.ID, "property_id", remote.Payload.PropertyID, "kept_id", existing.ID)
		return rejected(ReasonConflict), nil
	}

	if len(q.entries) >= q.opts.Capacity {
		q.log.Warn("queue full, rejecting remote transaction", "transaction_id", remote.ID)
		return rejected(ReasonQueueFull), nil
	}

	tx := remote.Clone()
	tx.Status = models.StatusPending
	tx.FailureReason = ""
	tx.UpdatedAt = q.opts.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = tx.UpdatedAt
	}
	if err := q.insertLocked(&tx); err != nil {
		return MergeResult{}, err
	}

	q.log.Debug("merged remote transaction", "transaction_id", tx.ID, "origin", tx.OriginDeviceID, "sequence", tx.Sequence)
	return accepted(), nil
}

// conflictLocked finds an unsettled transfer of the same property to a different
// owner whose timestamp falls within the conflict window. Confirmed transfers are
// settled by the ledger, so a later transfer by the new owner is onward, not double.
func (q *Queue) conflictLocked(remote models.PendingTransaction) *models.PendingTransaction {
	window := uint64(q.opts.ConflictWindow.Milliseconds())
	for _, id := range q.order {
		existing := q.entries[id]
		if existing == nil || existing.Status.Terminal() {
			continue
		}
		if existing.Payload.PropertyID != remote.Payload.PropertyID {
			continue
		}
		if existing.Payload.NewOwner == remote.Payload.NewOwner {
			continue
		}
		a, b := existing.Payload.TimestampMs, remote.Payload.TimestampMs
		diff := a - b
		if b > a {
			diff = b - a
		}
		if diff <= window {
			return existing
		}
	}
	return nil
}

func (q *Queue) rejectLocked(remote models.PendingTransaction, reason string, severity storage.Severity) {
	q.log.Warn("rejecting remote transaction", "transaction_id", remote.ID, "origin", remote.OriginDeviceID, "reason", reason)
	details := map[string]any{"reason": reason}
	if len(remote.OriginPublicKey) > 0 && !bytes.Equal(remote.OriginPublicKey, q.crypto.PublicKey()) {
		details["origin_key_fingerprint"] = crypto.KeyFingerprint(remote.OriginPublicKey)
	}
	q.securityEvent(EventMergeRejected, remote.OriginDeviceID, remote.ID, severity, details)
}
