package coinjoin

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/audit"
	"github.com/opsnode/kasmix/internal/models"
	"github.com/opsnode/kasmix/internal/txbuilder"
)

// sequenceLockBackoff is the retry schedule spec.md §4.9 prescribes for
// SequenceLockNotMet during submit_signed: 1s, 2s, 4s, each capped at 5s.
var sequenceLockBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// SubmitSigned implements spec.md §4.9's submit_signed: every input must
// carry a signature, the transaction is rebuilt deterministically from the
// stored envelope and finalised, a mass pre-check warns at 80% of the
// standard maximum, SequenceLockNotMet is retried up to 3 times with
// capped backoff, AlreadyInMempool is normalized to success, and on success
// every participating session is marked completed with the shared
// coinjoin_tx_id and its pending_transaction cleared.
func (e *Engine) SubmitSigned(ctx context.Context, id string) error {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()

	c, err := e.store.GetCoinJoin(id)
	if err != nil {
		return err
	}
	if c.Status != models.CoinJoinRevealed || c.PendingTransaction == nil {
		return apperr.New(apperr.BadInput, "session has no pending transaction to submit")
	}

	envelope, err := decodeEnvelope(c.PendingTransaction.TransactionData)
	if err != nil {
		return apperr.Wrap(apperr.StoreCorrupt, err, "decode pending transaction")
	}

	for i := range envelope.Tx.Inputs {
		if _, ok := envelope.Tx.SignatureScripts[i]; !ok {
			return apperr.New(apperr.KeyUtxoMismatch, "not every input has been signed yet")
		}
	}

	mass := txbuilder.EstimateMass(len(envelope.Tx.Inputs), len(envelope.Tx.Outputs))
	if mass > e.cfg.CoinJoinMaxStandardMass {
		return apperr.New(apperr.MassExceeded, "joint transaction exceeds the standard mass limit; reduce participant count and rebuild")
	}
	if mass > (e.cfg.CoinJoinMaxStandardMass*80)/100 {
		slog.Warn("coinjoin submit: joint transaction mass is within 20% of the standard limit", "mass", mass, "limit", e.cfg.CoinJoinMaxStandardMass)
	}

	txHex, err := txbuilder.Serialize(&envelope.Tx)
	if err != nil {
		return apperr.Wrap(apperr.BadInput, err, "serialize joint transaction")
	}

	txID, err := e.submitWithSequenceLockRetry(ctx, txHex)
	if err != nil {
		if apperr.HasTag(err, apperr.MassExceeded) {
			return apperr.New(apperr.MassExceeded, "node rejected the joint transaction for mass; reduce participant count and rebuild")
		}
		return err
	}

	now := time.Now().Unix()
	for _, peerID := range envelope.SessionIDs {
		peer, err := e.store.GetCoinJoin(peerID)
		if err != nil {
			slog.Error("coinjoin submit: failed to reload participant for completion", "id", peerID, "error", err)
			continue
		}
		peer.Status = models.CoinJoinCompleted
		peer.CoinJoinTxID = txID
		peer.CompletedAt = now
		peer.PendingTransaction = nil
		peer.UpdatedAt = now
		if err := e.store.SetCoinJoin(peer); err != nil {
			slog.Error("coinjoin submit: failed to persist completion; the joint transaction was already broadcast and will not be retried", "id", peerID, "error", err)
		}
	}

	if e.batchRecorder != nil {
		totalIn := amount.Zero()
		for _, in := range envelope.Tx.Inputs {
			totalIn = totalIn.Add(in.Amount)
		}
		totalOut := amount.Zero()
		for _, out := range envelope.Tx.Outputs {
			totalOut = totalOut.Add(out.Amount)
		}
		e.batchRecorder.RecordBatch(audit.BatchRecord{
			TxID:             txID,
			Mode:             "zero_trust",
			ParticipantCount: len(envelope.SessionIDs),
			TotalAmount:      totalIn.String(),
			FeeAmount:        totalIn.Sub(totalOut).String(),
			CompletedAt:      now,
		})
	}
	e.notify()
	return nil
}

// submitWithSequenceLockRetry implements the bounded backoff retry for
// SequenceLockNotMet; AlreadyInMempool is normalized to success by
// txbuilder.Submit itself.
func (e *Engine) submitWithSequenceLockRetry(ctx context.Context, txHex string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= len(sequenceLockBackoff); attempt++ {
		txID, err := txbuilder.Submit(ctx, e.client, txHex)
		if err == nil {
			return txID, nil
		}
		if !apperr.HasTag(err, apperr.SequenceLockNotMet) {
			return "", err
		}
		lastErr = err
		if attempt == len(sequenceLockBackoff) {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(sequenceLockBackoff[attempt]):
		}
	}
	return "", lastErr
}
