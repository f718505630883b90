package coinjoin

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/models"
	"github.com/opsnode/kasmix/internal/rpcclient"
	"github.com/opsnode/kasmix/internal/walletkey"
)

// setupRevealedParticipant creates a zero-trust session, commits one UTXO
// owned by a freshly generated key, and reveals it, returning the session
// id and the hex-encoded private key needed to later sign the joint tx.
func setupRevealedParticipant(t *testing.T, e *Engine, txID string, contribution amount.Amount) (id string, keyHex string, address string) {
	t.Helper()

	c, err := e.CreateZeroTrust(context.Background())
	if err != nil {
		t.Fatalf("CreateZeroTrust() error = %v", err)
	}

	key, addr, err := walletkey.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	keyHexVal := mustSerializeKey(key)
	walletkey.Zero(key)

	ref := UTXORef{TransactionID: txID, Index: 0, Amount: contribution}
	if err := e.Commit(context.Background(), c.ID, []UTXORef{ref}, "dest-"+c.ID); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	claim := RevealedUTXOClaim{TransactionID: txID, Index: 0, Amount: contribution}
	if err := e.Reveal(context.Background(), c.ID, []RevealedUTXOClaim{claim}, "dest-"+c.ID); err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}

	return c.ID, keyHexVal, addr
}

func TestZeroTrustRoundTrip_BuildSignSubmit(t *testing.T) {
	client := &fakeClient{daaScore: 1000, feerate: 1, txByID: map[string]*rpcclient.TransactionInfo{}}
	e, s := newTestEngine(t, client)

	const contribution = 1_000_000
	ids := make([]string, 0, 2)
	keys := make(map[string]string)
	for i := 0; i < 2; i++ {
		txID := "sourcetx" + string(rune('0'+i))
		id, keyHex, addr := setupRevealedParticipant(t, e, txID, amount.FromInt64(contribution))
		client.txByID[txID] = &rpcclient.TransactionInfo{
			TransactionID: txID,
			Outputs: []rpcclient.TxOutput{
				{Index: 0, Amount: amount.FromInt64(contribution), ScriptPublicKey: "spk", Address: addr},
			},
		}
		ids = append(ids, id)
		keys[id] = keyHex
	}

	if err := e.BuildZeroTrust(context.Background(), ids); err != nil {
		t.Fatalf("BuildZeroTrust() error = %v", err)
	}

	for _, id := range ids {
		c, err := s.GetCoinJoin(id)
		if err != nil {
			t.Fatalf("GetCoinJoin(%s) error = %v", id, err)
		}
		if c.PendingTransaction == nil {
			t.Fatalf("session %s has no pending transaction after build", id)
		}
	}

	for _, id := range ids {
		if err := e.SignInputs(context.Background(), id, keys[id]); err != nil {
			t.Fatalf("SignInputs(%s) error = %v", id, err)
		}
	}

	if err := e.SubmitSigned(context.Background(), ids[0]); err != nil {
		t.Fatalf("SubmitSigned() error = %v", err)
	}

	for _, id := range ids {
		c, err := s.GetCoinJoin(id)
		if err != nil {
			t.Fatalf("GetCoinJoin(%s) error = %v", id, err)
		}
		if c.Status != models.CoinJoinCompleted {
			t.Fatalf("session %s status = %v, want completed", id, c.Status)
		}
		if c.CoinJoinTxID == "" {
			t.Fatalf("session %s missing coinjoin_tx_id", id)
		}
		if c.PendingTransaction != nil {
			t.Fatalf("session %s still has a pending transaction after submit", id)
		}
	}
}

func TestCommit_ThenReveal_MatchesCommitment(t *testing.T) {
	client := &fakeClient{daaScore: 1000}
	e, s := newTestEngine(t, client)

	c, err := e.CreateZeroTrust(context.Background())
	if err != nil {
		t.Fatalf("CreateZeroTrust() error = %v", err)
	}

	ref := UTXORef{TransactionID: "tx1", Index: 0, Amount: amount.FromInt64(500_000)}
	if err := e.Commit(context.Background(), c.ID, []UTXORef{ref}, "dest1"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	claim := RevealedUTXOClaim{TransactionID: "tx1", Index: 0, Amount: amount.FromInt64(500_000)}
	if err := e.Reveal(context.Background(), c.ID, []RevealedUTXOClaim{claim}, "dest1"); err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}

	stored, err := s.GetCoinJoin(c.ID)
	if err != nil {
		t.Fatalf("GetCoinJoin() error = %v", err)
	}
	if stored.Status != models.CoinJoinRevealed {
		t.Fatalf("status = %v, want revealed", stored.Status)
	}
}

func TestReveal_FailsOnDivergentUTXO(t *testing.T) {
	client := &fakeClient{daaScore: 1000}
	e, _ := newTestEngine(t, client)

	c, _ := e.CreateZeroTrust(context.Background())
	ref := UTXORef{TransactionID: "tx1", Index: 0, Amount: amount.FromInt64(500_000)}
	if err := e.Commit(context.Background(), c.ID, []UTXORef{ref}, "dest1"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	wrongClaim := RevealedUTXOClaim{TransactionID: "tx1", Index: 0, Amount: amount.FromInt64(999_999)}
	err := e.Reveal(context.Background(), c.ID, []RevealedUTXOClaim{wrongClaim}, "dest1")
	if !apperr.HasTag(err, apperr.CommitmentInvalid) {
		t.Fatalf("Reveal() error = %v, want CommitmentInvalid", err)
	}
}

func TestReveal_IdempotentOnIdenticalReplay(t *testing.T) {
	client := &fakeClient{daaScore: 1000}
	e, _ := newTestEngine(t, client)

	id, _, _ := setupRevealedParticipant(t, e, "tx1", amount.FromInt64(500_000))

	claim := RevealedUTXOClaim{TransactionID: "tx1", Index: 0, Amount: amount.FromInt64(500_000)}
	if err := e.Reveal(context.Background(), id, []RevealedUTXOClaim{claim}, "dest-"+id); err != nil {
		t.Fatalf("second identical Reveal() error = %v, want nil (idempotent)", err)
	}
}

func TestReveal_FailsWithAlreadyRevealedOnDivergentReplay(t *testing.T) {
	client := &fakeClient{daaScore: 1000}
	e, _ := newTestEngine(t, client)

	id, _, _ := setupRevealedParticipant(t, e, "tx1", amount.FromInt64(500_000))

	claim := RevealedUTXOClaim{TransactionID: "tx1", Index: 0, Amount: amount.FromInt64(500_000)}
	err := e.Reveal(context.Background(), id, []RevealedUTXOClaim{claim}, "a-different-destination")
	if !apperr.HasTag(err, apperr.AlreadyRevealed) {
		t.Fatalf("Reveal() error = %v, want AlreadyRevealed", err)
	}
}

func TestBuildZeroTrust_FailsBelowMinimum(t *testing.T) {
	client := &fakeClient{daaScore: 1000}
	e, _ := newTestEngine(t, client)

	id, _, _ := setupRevealedParticipant(t, e, "tx1", amount.FromInt64(500_000))

	err := e.BuildZeroTrust(context.Background(), []string{id})
	if !apperr.HasTag(err, apperr.BadInput) {
		t.Fatalf("BuildZeroTrust() error = %v, want BadInput", err)
	}
}

// TestBuildZeroTrust_DedupsSharedUTXOAcrossOwners covers the shared-UTXO
// dedup testable property: two sessions each reveal one outpoint they both
// claim to own plus one outpoint unique to themselves. The joint transaction
// must keep a single input for the shared outpoint (3 inputs total, not 4),
// and that outpoint's owner list must carry both session ids.
func TestBuildZeroTrust_DedupsSharedUTXOAcrossOwners(t *testing.T) {
	client := &fakeClient{daaScore: 1000, feerate: 1, txByID: map[string]*rpcclient.TransactionInfo{}}
	e, s := newTestEngine(t, client)

	const contribution = 1_000_000
	ids := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		c, err := e.CreateZeroTrust(context.Background())
		if err != nil {
			t.Fatalf("CreateZeroTrust() error = %v", err)
		}

		uniqueTxID := "unique" + string(rune('0'+i))
		refs := []UTXORef{
			{TransactionID: "shared", Index: 0, Amount: amount.FromInt64(contribution / 2)},
			{TransactionID: uniqueTxID, Index: 0, Amount: amount.FromInt64(contribution / 2)},
		}
		if err := e.Commit(context.Background(), c.ID, refs, "dest-"+c.ID); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}

		claims := []RevealedUTXOClaim{
			{TransactionID: "shared", Index: 0, Amount: amount.FromInt64(contribution / 2)},
			{TransactionID: uniqueTxID, Index: 0, Amount: amount.FromInt64(contribution / 2)},
		}
		if err := e.Reveal(context.Background(), c.ID, claims, "dest-"+c.ID); err != nil {
			t.Fatalf("Reveal() error = %v", err)
		}

		client.txByID[uniqueTxID] = &rpcclient.TransactionInfo{
			TransactionID: uniqueTxID,
			Outputs: []rpcclient.TxOutput{
				{Index: 0, Amount: amount.FromInt64(contribution / 2), ScriptPublicKey: "spk", Address: "addr-" + uniqueTxID},
			},
		}
		ids = append(ids, c.ID)
	}
	client.txByID["shared"] = &rpcclient.TransactionInfo{
		TransactionID: "shared",
		Outputs: []rpcclient.TxOutput{
			{Index: 0, Amount: amount.FromInt64(contribution / 2), ScriptPublicKey: "spk", Address: "addr-shared"},
		},
	}

	if err := e.BuildZeroTrust(context.Background(), ids); err != nil {
		t.Fatalf("BuildZeroTrust() error = %v", err)
	}

	c, err := s.GetCoinJoin(ids[0])
	if err != nil {
		t.Fatalf("GetCoinJoin() error = %v", err)
	}
	envelope, err := decodeEnvelope(c.PendingTransaction.TransactionData)
	if err != nil {
		t.Fatalf("decodeEnvelope() error = %v", err)
	}
	if len(envelope.Tx.Inputs) != 3 {
		t.Fatalf("joint tx has %d inputs, want 3 (shared outpoint deduped)", len(envelope.Tx.Inputs))
	}

	sharedOwners := envelope.InputOwners["shared:0"]
	if len(sharedOwners) != 2 {
		t.Fatalf("input_owners[shared:0] = %v, want both session ids", sharedOwners)
	}
	for _, id := range ids {
		found := false
		for _, owner := range sharedOwners {
			if owner == id {
				found = true
			}
		}
		if !found {
			t.Fatalf("input_owners[shared:0] = %v, missing session %s", sharedOwners, id)
		}
	}
}

// TestSubmitSigned_RetriesSequenceLockThenSucceeds covers the submit retry
// testable property: the node rejects the first two submit attempts with
// SequenceLockNotMet, then accepts the transaction on the third attempt.
func TestSubmitSigned_RetriesSequenceLockThenSucceeds(t *testing.T) {
	original := sequenceLockBackoff
	sequenceLockBackoff = []time.Duration{time.Millisecond, time.Millisecond}
	defer func() { sequenceLockBackoff = original }()

	client := &fakeClient{
		daaScore: 1000,
		feerate:  1,
		txByID:   map[string]*rpcclient.TransactionInfo{},
		submitID: "T",
		submitErrs: []error{
			apperr.New(apperr.SequenceLockNotMet, "sequence lock not met"),
			apperr.New(apperr.SequenceLockNotMet, "sequence lock not met"),
		},
	}
	e, s := newTestEngine(t, client)

	const contribution = 1_000_000
	ids := make([]string, 0, 2)
	keys := make(map[string]string)
	for i := 0; i < 2; i++ {
		txID := "sourcetx" + string(rune('0'+i))
		id, keyHex, addr := setupRevealedParticipant(t, e, txID, amount.FromInt64(contribution))
		client.txByID[txID] = &rpcclient.TransactionInfo{
			TransactionID: txID,
			Outputs: []rpcclient.TxOutput{
				{Index: 0, Amount: amount.FromInt64(contribution), ScriptPublicKey: "spk", Address: addr},
			},
		}
		ids = append(ids, id)
		keys[id] = keyHex
	}

	if err := e.BuildZeroTrust(context.Background(), ids); err != nil {
		t.Fatalf("BuildZeroTrust() error = %v", err)
	}
	for _, id := range ids {
		if err := e.SignInputs(context.Background(), id, keys[id]); err != nil {
			t.Fatalf("SignInputs(%s) error = %v", id, err)
		}
	}

	if err := e.SubmitSigned(context.Background(), ids[0]); err != nil {
		t.Fatalf("SubmitSigned() error = %v, want success on third attempt", err)
	}
	if client.submitCall != 3 {
		t.Fatalf("SubmitTransaction called %d times, want 3", client.submitCall)
	}

	c, err := s.GetCoinJoin(ids[0])
	if err != nil {
		t.Fatalf("GetCoinJoin() error = %v", err)
	}
	if c.CoinJoinTxID != "T" {
		t.Fatalf("CoinJoinTxID = %q, want T", c.CoinJoinTxID)
	}
}

func mustSerializeKey(key interface{ Serialize() []byte }) string {
	return hex.EncodeToString(key.Serialize())
}
