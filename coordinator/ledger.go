package coordinator

import (
	"context"
	"errors"
	"fmt"

	"meshledger/ledger"
	"meshledger/models"
)

// syncLedger submits pending transactions and then reconciles submitted ones.
// A failing transaction never stops the rest of the batch.
func (c *Coordinator) syncLedger(ctx context.Context, metered bool) error {
	pending := c.queue.ListByStatus(models.StatusPending)
	if metered && len(pending) > c.opts.MeteredSubmitLimit {
		c.log.Debug("metered link, limiting submissions", "pending", len(pending), "limit", c.opts.MeteredSubmitLimit)
		pending = pending[:c.opts.MeteredSubmitLimit]
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	var confirmed []string
	for _, tx := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		receipt, err := c.submitWithRetry(ctx, tx)
		switch {
		case err == nil:
			ok, applyErr := c.applyReceipt(tx, models.StatusPending, receipt)
			keep(applyErr)
			if ok {
				confirmed = append(confirmed, tx.ID)
			}
		case errors.Is(err, ledger.ErrRejected):
			c.log.Info("ledger rejected transaction", "transaction_id", tx.ID, "error", err)
			if updateErr := c.queue.UpdateStatus(tx.ID, models.StatusFailed, err.Error()); updateErr != nil {
				keep(c.queueError(updateErr))
			}
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			c.log.Warn("ledger submission deferred to next tick", "transaction_id", tx.ID, "error", err)
			keep(fmt.Errorf("submit %s: %w", tx.ID, err))
		}
	}

	ids, err := c.reconcileSubmitted(ctx)
	keep(err)
	confirmed = append(confirmed, ids...)

	if len(confirmed) > 0 {
		pruned, err := c.queue.PruneConfirmed(confirmed...)
		if err != nil {
			keep(c.queueError(err))
		} else {
			c.log.Debug("pruned ledger-confirmed transactions", "count", pruned)
		}
	}
	return firstErr
}

// submitWithRetry makes one attempt plus one retry per backoff step, then gives up
// until the next tick. Rejections are never retried.
func (c *Coordinator) submitWithRetry(ctx context.Context, tx models.PendingTransaction) (ledger.Receipt, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		receipt, err := c.ledger.Submit(ctx, tx)
		if err == nil || errors.Is(err, ledger.ErrRejected) {
			return receipt, err
		}
		lastErr = err
		if attempt >= len(c.opts.Backoff) {
			return ledger.Receipt{}, lastErr
		}
		delay := c.opts.Backoff[attempt]
		c.log.Debug("ledger submission failed, backing off", "transaction_id", tx.ID, "attempt", attempt+1, "delay", delay, "error", err)
		if err := c.opts.Sleep(ctx, delay); err != nil {
			return ledger.Receipt{}, err
		}
	}
}

// applyReceipt moves tx along the state machine to match the ledger. It reports
// whether the ledger confirmed the transaction.
func (c *Coordinator) applyReceipt(tx models.PendingTransaction, current models.TransactionStatus, receipt ledger.Receipt) (bool, error) {
	if receipt.RootHash != nil && !receipt.RootHash.IsZero() {
		if err := c.queue.TrustRoot(*receipt.RootHash, "ledger"); err != nil {
			c.log.Warn("record ledger root failed", "error", err)
		}
	}

	switch receipt.Status {
	case models.StatusSubmitted, models.StatusConfirmed:
		if current == models.StatusPending {
			if err := c.queue.UpdateStatus(tx.ID, models.StatusSubmitted, ""); err != nil {
				return false, c.queueError(err)
			}
		}
		if receipt.Status == models.StatusSubmitted {
			return false, nil
		}
		if err := c.queue.UpdateStatus(tx.ID, models.StatusConfirmed, ""); err != nil {
			return false, c.queueError(err)
		}
		c.log.Info("transaction confirmed by ledger", "transaction_id", tx.ID, "transfer_id", receipt.TransferID)
		return true, nil
	case models.StatusFailed:
		if err := c.queue.UpdateStatus(tx.ID, models.StatusFailed, receipt.Reason); err != nil {
			return false, c.queueError(err)
		}
	}
	return false, nil
}

// reconcileSubmitted polls the ledger for submitted transactions. When the ledger
// cannot answer, a proof against a trusted root still confirms the transaction.
func (c *Coordinator) reconcileSubmitted(ctx context.Context) ([]string, error) {
	var (
		confirmed []string
		firstErr  error
	)
	for _, tx := range c.queue.ListByStatus(models.StatusSubmitted) {
		if err := ctx.Err(); err != nil {
			return confirmed, err
		}
		receipt, err := c.ledger.Status(ctx, tx.ID)
		if err == nil {
			ok, applyErr := c.applyReceipt(tx, models.StatusSubmitted, receipt)
			if applyErr != nil && firstErr == nil {
				firstErr = applyErr
			}
			if ok {
				confirmed = append(confirmed, tx.ID)
				continue
			}
			if receipt.Status != models.StatusSubmitted {
				continue
			}
		} else {
			c.log.Debug("ledger status unavailable", "transaction_id", tx.ID, "error", err)
		}

		if tx.Proof != nil && c.queue.IsTrustedRoot(tx.Proof.RootHash) {
			if err := c.queue.ConfirmWithProof(tx.ID, *tx.Proof); err != nil {
				c.log.Warn("proof confirmation failed", "transaction_id", tx.ID, "error", err)
				continue
			}
			c.log.Info("transaction confirmed by trusted proof", "transaction_id", tx.ID)
		}
	}
	return confirmed, firstErr
}
