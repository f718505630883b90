// Package txbuilder assembles, signs, and submits transactions against the
// inputs selected by callers (internal/utxoutil, internal/mix,
// internal/coinjoin). It never fetches UTXOs itself — the caller always
// supplies `available` — mirroring the teacher's split between fetcher,
// builder, and signer in internal/tx.
package txbuilder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/models"
	"github.com/opsnode/kasmix/internal/rpcclient"
)

// Input is a transaction input tied back to the UTXO it spends.
type Input struct {
	TransactionID   string
	Index           uint32
	Amount          amount.Amount
	ScriptPublicKey string // hex, as returned by the node
	Address         string // origin address, used to find the signing key
}

// Output is a transaction output.
type Output struct {
	Address string
	Amount  amount.Amount
}

// Transaction is kasmix's in-memory, unsigned/partially-signed transaction
// representation. SignatureScripts is nil until Sign populates entries for
// the inputs a given key can satisfy.
type Transaction struct {
	Inputs           []Input
	Outputs          []Output
	SignatureScripts map[int]string // input index -> hex signature script
}

// InputFromUTXO adapts a fetched UTXO into a build input.
func InputFromUTXO(u models.UTXO) Input {
	return Input{
		TransactionID:   u.TransactionID,
		Index:           u.Index,
		Amount:          u.Amount,
		ScriptPublicKey: u.ScriptPublicKey,
		Address:         u.Address,
	}
}

// EstimateMass approximates transaction mass the way spec'd fallback does
// when the chain library exposes no `calculate_transaction_mass`: a linear
// function of input/output counts (spec.md §4.9).
func EstimateMass(numInputs, numOutputs int) int64 {
	return int64(numInputs)*4000 + int64(numOutputs)*150
}

// BuildWithChange builds a two-output send-with-change transaction, unless
// change would be dust in which case it is folded into the send output
// (fee absorbed entirely by the sender). When to == changeAddr (a self-send)
// and exact is non-nil, out[0].Amount is preserved exactly and all
// balancing happens on the change output.
func BuildWithChange(to string, sendAmount amount.Amount, changeAddr string, available []models.UTXO, fee, dustThreshold amount.Amount, exact *amount.Amount) (*Transaction, error) {
	var total amount.Amount
	inputs := make([]Input, 0, len(available))
	for _, u := range available {
		inputs = append(inputs, InputFromUTXO(u))
		total = total.Add(u.Amount)
	}
	if len(inputs) == 0 {
		return nil, apperr.New(apperr.InsufficientFunds, "no inputs available to build transaction")
	}

	selfSend := exact != nil && to == changeAddr
	want := sendAmount
	if selfSend {
		want = *exact
	}

	remaining := total.Sub(fee)
	if remaining.Sign() <= 0 {
		return nil, apperr.New(apperr.InsufficientFunds, "inputs do not cover fee")
	}
	if remaining.LessThan(want) {
		return nil, apperr.New(apperr.InsufficientFunds, "inputs do not cover send amount and fee")
	}

	change := remaining.Sub(want)

	tx := &Transaction{Inputs: inputs}
	if change.LessThan(dustThreshold) || change.IsZero() {
		out := remaining
		if selfSend {
			out = want
		}
		tx.Outputs = []Output{{Address: to, Amount: out}}
		return tx, nil
	}

	tx.Outputs = []Output{
		{Address: to, Amount: want},
		{Address: changeAddr, Amount: change},
	}
	return tx, nil
}

// Sign signs every input for which keys holds the matching address's
// private key (whole-transaction mode when keys covers all inputs,
// per-input mode when it covers a subset — spec.md §4.6/§4.10). It never
// constructs raw ECDSA signatures itself beyond the single whole-transaction
// pass; per-input extraction is just filtering by which script the given
// key could satisfy.
func Sign(tx *Transaction, keys map[string]*btcec.PrivateKey) (map[int]string, error) {
	hash := contentHash(tx)
	scripts := make(map[int]string, len(tx.Inputs))

	for i, in := range tx.Inputs {
		key, ok := keys[in.Address]
		if !ok {
			continue
		}
		sig := ecdsa.Sign(key, hash[:])
		script := hex.EncodeToString(sig.Serialize()) + hex.EncodeToString(key.PubKey().SerializeCompressed())
		scripts[i] = script
	}

	if tx.SignatureScripts == nil {
		tx.SignatureScripts = make(map[int]string)
	}
	for idx, script := range scripts {
		tx.SignatureScripts[idx] = script
	}
	return scripts, nil
}

// contentHash is the signing digest: SHA-256 over the canonical JSON of
// inputs (txid:index) and outputs (address, amount-as-decimal-string),
// matching the canonical serialization spec.md §3 uses for commitments.
func contentHash(tx *Transaction) [32]byte {
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
	return sha256.Sum256(data)
}

// Serialize renders the transaction (with whatever signature scripts have
// been collected) as the hex payload submitted to the node.
func Serialize(tx *Transaction) (string, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}
	return hex.EncodeToString(data), nil
}

// Submit wraps rpcclient.SubmitTransaction, normalizing AlreadyInMempool to
// success (spec.md §4.6/§4.9): its embedded tx id is treated as the result.
func Submit(ctx context.Context, client rpcclient.Client, txHex string) (string, error) {
	txID, err := client.SubmitTransaction(ctx, txHex)
	if err == nil {
		return txID, nil
	}
	if tag, ok := apperr.TagOf(err); ok && tag == apperr.AlreadyInMempool {
		if id := extractTxID(err.Error()); id != "" {
			return id, nil
		}
	}
	return "", err
}

// extractTxID pulls a hex transaction id out of a node error message such as
// "transaction abc123... is already in mempool".
func extractTxID(msg string) string {
	for _, tok := range splitWords(msg) {
		if len(tok) == 64 && isHex(tok) {
			return tok
		}
	}
	return ""
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == ':' || r == ',' || r == '"' {
			if start >= 0 {
				words = append(words, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}
