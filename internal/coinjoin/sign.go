package coinjoin

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/models"
	"github.com/opsnode/kasmix/internal/txbuilder"
	"github.com/opsnode/kasmix/internal/walletkey"
)

// SignInputs implements spec.md §4.9's sign_inputs / §4.10's per-input
// signing contract: the caller's own UTXO inputs are located in the shared
// candidate transaction by outpoint, signed via a single whole-transaction
// pass (never a raw per-input signature construction), and the result is
// fanned out to every other participating session's pending_transaction.
// Fails KeyUtxoMismatch if the supplied key does not cover every input this
// session claimed in its reveal.
func (e *Engine) SignInputs(ctx context.Context, id string, privateKeyHex string) error {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()

	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	c, err := e.store.GetCoinJoin(id)
	if err != nil {
		return err
	}
	if c.Status != models.CoinJoinRevealed || c.PendingTransaction == nil {
		return apperr.New(apperr.BadInput, "session has no pending transaction to sign")
	}

	envelope, err := decodeEnvelope(c.PendingTransaction.TransactionData)
	if err != nil {
		return apperr.Wrap(apperr.StoreCorrupt, err, "decode pending transaction")
	}

	key, err := decodePrivateKey(privateKeyHex)
	if err != nil {
		return apperr.Wrap(apperr.KeyUtxoMismatch, err, "decode signing key")
	}
	defer walletkey.Zero(key)
	address := walletkey.AddressFromPrivateKey(key)

	claimed := make(map[int]bool)
	for _, ref := range c.RevealedUTXOs {
		found := false
		for i, in := range envelope.Tx.Inputs {
			if in.TransactionID == ref.TransactionID && in.Index == ref.Index {
				claimed[i] = true
				found = true
				break
			}
		}
		if !found {
			return apperr.New(apperr.KeyUtxoMismatch, "claimed input no longer present in the joint transaction")
		}
	}

	signed, err := txbuilder.Sign(&envelope.Tx, map[string]*btcec.PrivateKey{address: key})
	if err != nil {
		return apperr.Wrap(apperr.KeyUtxoMismatch, err, "sign joint transaction")
	}
	for idx := range claimed {
		if _, ok := signed[idx]; !ok {
			return apperr.New(apperr.KeyUtxoMismatch, "signing key does not cover every claimed input")
		}
	}

	if err := e.fanOutSignatures(envelope, c.PendingTransaction.TxHash); err != nil {
		return err
	}
	return nil
}

// fanOutSignatures persists the updated signature set to every session that
// shares this joint transaction. A peer whose own pending_transaction hash
// no longer matches (its session was rebuilt since this round started) is
// skipped with a warning rather than clobbered — stale-hash invalidation.
func (e *Engine) fanOutSignatures(envelope *buildEnvelope, expectHash string) error {
	envelopeJSON, err := json.Marshal(envelope)
	if err != nil {
		return apperr.Wrap(apperr.StoreWriteFailed, err, "marshal updated pending transaction")
	}
	data := hex.EncodeToString(envelopeJSON)

	signatures := make(map[string]string, len(envelope.Tx.SignatureScripts))
	for idx, script := range envelope.Tx.SignatureScripts {
		signatures[strconv.Itoa(idx)] = script
	}

	now := time.Now().Unix()
	for _, peerID := range envelope.SessionIDs {
		peer, err := e.store.GetCoinJoin(peerID)
		if err != nil {
			slog.Warn("coinjoin sign fanout: peer session missing", "id", peerID, "error", err)
			continue
		}
		if peer.PendingTransaction == nil || peer.PendingTransaction.TxHash != expectHash {
			slog.Warn("coinjoin sign fanout: peer pending transaction is stale, skipping", "id", peerID)
			continue
		}
		peer.PendingTransaction.TransactionData = data
		peer.PendingTransaction.Signatures = signatures
		peer.PendingTransaction.UpdatedAt = now
		peer.UpdatedAt = now
		if err := e.store.SetCoinJoin(peer); err != nil {
			slog.Error("coinjoin sign fanout: failed to persist peer signature state", "id", peerID, "error", err)
		}
	}
	return nil
}

func decodeEnvelope(hexData string) (*buildEnvelope, error) {
	raw, err := hex.DecodeString(hexData)
	if err != nil {
		return nil, err
	}
	var envelope buildEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}
