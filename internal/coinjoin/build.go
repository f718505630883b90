package coinjoin

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/models"
	"github.com/opsnode/kasmix/internal/txbuilder"
)

// buildEnvelope is the opaque payload stored in every participating
// session's PendingTransaction.TransactionData: the candidate transaction
// plus the full list of session ids that share it, so a later sign or
// submit call can fan out to every participant without a separate index.
type buildEnvelope struct {
	Tx         txbuilder.Transaction `json:"tx"`
	SessionIDs []string              `json:"session_ids"`
	// InputOwners maps each input's outpoint key (txid:index) to every
	// session id that claimed it in its reveal, so a UTXO shared by more
	// than one participant's reveal is traceable after dedup (spec.md
	// §4.9 build step 6/7).
	InputOwners map[string][]string `json:"input_owners"`
}

// BuildZeroTrust implements spec.md §4.9/§6's build_zero_trust operation
// (coinjoin.build: ids[] -> tx_data): given the caller-selected set of
// revealed zero-trust session ids to join into one round, it requires at
// least CoinJoinMinZeroTrust of them, dedups their revealed UTXOs by
// outpoint (an input shared by more than one session's reveal keeps a
// single input but records every owner), resolves each UTXO's full entry
// from its originating transaction's outputs (the address-indexed UTXO set
// is not queried; a UTXO that cannot be found there fails UtxoUnresolved
// rather than having an address guessed), enforces that every participant contributed
// the same amount, and computes equal_amount = (total_input - fee) / N
// with the division remainder absorbed into the fee, never into an output.
func (e *Engine) BuildZeroTrust(ctx context.Context, ids []string) error {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()

	if len(ids) < e.cfg.CoinJoinMinZeroTrust {
		return apperr.New(apperr.BadInput, fmt.Sprintf("zero-trust round needs at least %d sessions, have %d", e.cfg.CoinJoinMinZeroTrust, len(ids)))
	}

	unlock, err := e.lockSessions(ids)
	if err != nil {
		return err
	}
	defer unlock()

	participants := make([]*models.CoinJoinSession, 0, len(ids))
	for _, id := range ids {
		c, err := e.store.GetCoinJoin(id)
		if err != nil {
			return err
		}
		if !c.ZeroTrustMode || c.Status != models.CoinJoinRevealed || c.PendingTransaction != nil {
			return apperr.New(apperr.BadInput, "session "+id+" is not an eligible revealed zero-trust session")
		}
		participants = append(participants, c)
	}

	sort.Slice(participants, func(i, j int) bool { return participants[i].ID < participants[j].ID })

	first := participants[0].Amount
	for _, p := range participants[1:] {
		if p.Amount.Cmp(first) != 0 {
			return apperr.New(apperr.ContributionMismatch, "revealed contributions are not uniform")
		}
	}

	tx := &txbuilder.Transaction{}
	inputOwners := make(map[string][]string) // outpoint -> session ids
	seen := make(map[string]bool)
	total := amount.Zero()

	for _, p := range participants {
		for _, ref := range p.RevealedUTXOs {
			key := ref.Key()
			inputOwners[key] = append(inputOwners[key], p.ID)
			if seen[key] {
				continue
			}
			seen[key] = true

			in, err := e.resolveInput(ctx, ref)
			if err != nil {
				return err
			}
			tx.Inputs = append(tx.Inputs, *in)
			total = total.Add(in.Amount)
		}
	}

	minFee := amount.MustFromString(e.cfg.MinFee)
	n := int64(len(participants))
	feerate := e.priorityFeerate(ctx)
	fee := amount.FromInt64(feerate).Mul(txbuilder.EstimateMass(len(tx.Inputs), len(participants)))
	if fee.LessThan(minFee) {
		fee = minFee
	}

	available := total.Sub(fee)
	if available.Sign() <= 0 {
		return apperr.New(apperr.InsufficientFunds, "joint inputs do not cover the estimated fee")
	}
	equalAmount := available.MulDiv(1, n)
	// The division remainder is absorbed into the fee, never into an output
	// (Testable Property 3): fee is recomputed as whatever total - n*equalAmount
	// leaves over, which is >= the original fee estimate by construction.
	actualFee := total.Sub(equalAmount.Mul(n))

	outputOrder, err := shuffledIndices(len(participants))
	if err != nil {
		return apperr.Wrap(apperr.BadInput, err, "shuffle output order")
	}
	tx.Outputs = make([]txbuilder.Output, len(participants))
	for i, p := range participants {
		tx.Outputs[outputOrder[i]] = txbuilder.Output{Address: p.DestinationAddress, Amount: equalAmount}
	}
	_ = actualFee // documented for the ledger; the fee is implicit in total - sum(outputs), never persisted as a field of the joint tx itself.

	sessionIDs := make([]string, len(participants))
	for i, p := range participants {
		sessionIDs[i] = p.ID
	}

	envelope := buildEnvelope{Tx: *tx, SessionIDs: sessionIDs, InputOwners: inputOwners}
	envelopeJSON, err := json.Marshal(envelope)
	if err != nil {
		return apperr.Wrap(apperr.BadInput, err, "marshal build envelope")
	}
	hash := envelopeHash(tx)
	now := time.Now().Unix()

	for _, p := range participants {
		p.PendingTransaction = &models.PendingTransaction{
			TxHash:          hash,
			TransactionData: hex.EncodeToString(envelopeJSON),
			Signatures:      map[string]string{},
			UpdatedAt:       now,
		}
		p.UpdatedAt = now
		if err := e.store.SetCoinJoin(p); err != nil {
			return apperr.Wrap(apperr.StoreWriteFailed, err, "persist pending transaction for session "+p.ID)
		}
	}

	e.notify()
	return nil
}

// resolveInput turns a revealed UTXO reference into a fully-specified
// txbuilder.Input by reading the matching output of its originating
// transaction. The address-indexed UTXO set is not queried. When the
// transaction, the output, or the output's address is missing, it fails
// UtxoUnresolved rather than heuristically deriving an address (spec.md §9
// Open Question 3).
func (e *Engine) resolveInput(ctx context.Context, ref models.RevealedUTXO) (*txbuilder.Input, error) {
	info, err := e.client.GetTransaction(ctx, ref.TransactionID)
	if err != nil || info == nil {
		return nil, apperr.Wrap(apperr.UtxoUnresolved, err, "resolve revealed UTXO "+ref.Key())
	}
	for _, out := range info.Outputs {
		if out.Index != ref.Index {
			continue
		}
		if out.Address == "" {
			return nil, apperr.New(apperr.UtxoUnresolved, "originating transaction output carries no derivable address for "+ref.Key())
		}
		return &txbuilder.Input{
			TransactionID:   ref.TransactionID,
			Index:           ref.Index,
			Amount:          out.Amount,
			ScriptPublicKey: out.ScriptPublicKey,
			Address:         out.Address,
		}, nil
	}
	return nil, apperr.New(apperr.UtxoUnresolved, "originating transaction has no matching output index for "+ref.Key())
}

// priorityFeerate fetches the current priority feerate, defaulting to 1 if
// the node is unreachable (matching internal/feeutil.EstimateFee's fallback).
func (e *Engine) priorityFeerate(ctx context.Context) int64 {
	est, err := e.client.GetFeeEstimate(ctx)
	if err != nil || est.PriorityFeerate <= 0 {
		return 1
	}
	return est.PriorityFeerate
}

// envelopeHash is the content hash kasmix keys pending_transaction by,
// mirroring internal/txbuilder's own contentHash formula (canonical JSON of
// inputs and outputs) so a divergent rebuild is detectable by hash alone.
func envelopeHash(tx *txbuilder.Transaction) string {
	type canonIn struct {
		TxID  string `json:"transactionId"`
		Index uint32 `json:"index"`
	}
	type canonOut struct {
		Address string `json:"address"`
		Amount  string `json:"amount"`
	}
	ins := make([]canonIn, len(tx.Inputs))
	for i, in := range tx.Inputs {
		ins[i] = canonIn{TxID: in.TransactionID, Index: in.Index}
	}
	outs := make([]canonOut, len(tx.Outputs))
	for i, o := range tx.Outputs {
		outs[i] = canonOut{Address: o.Address, Amount: o.Amount.String()}
	}
	data, _ := json.Marshal(struct {
		Inputs  []canonIn  `json:"inputs"`
		Outputs []canonOut `json:"outputs"`
	}{ins, outs})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// shuffledIndices returns a cryptographically-random permutation of
// [0, n), so joint-transaction output order never mirrors input order.
func shuffledIndices(n int) ([]int, error) {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j, err := randomIntn(i + 1)
		if err != nil {
			return nil, err
		}
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx, nil
}

func randomIntn(n int) (int, error) {
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
