// Package models defines the persisted and wire shapes shared by the mix
// and CoinJoin engines: session records, wallet records, and the UTXO/fee
// shapes exchanged with the RPC client.
package models

import (
	"github.com/opsnode/kasmix/internal/amount"
)

// SessionType distinguishes the two coordinated privacy services.
type SessionType string

const (
	SessionMix      SessionType = "mix"
	SessionCoinJoin SessionType = "coinjoin"
)

// MixStatus enumerates the mix session state machine (spec.md §4.7).
type MixStatus string

const (
	MixWaitingDeposit        MixStatus = "waiting_deposit"
	MixDepositReceived       MixStatus = "deposit_received"
	MixSentToIntermediate    MixStatus = "sent_to_intermediate"
	MixIntermediateConfirmed MixStatus = "intermediate_confirmed"
	MixConfirmed             MixStatus = "confirmed"
	MixError                 MixStatus = "error"
)

// CoinJoinStatus enumerates both CoinJoin sub-protocols' state machines
// (spec.md §4.9). Trusted sessions use Waiting/Entered/ReadyForBatch/
// Completed; zero-trust sessions use Committed/Revealed/Completed.
type CoinJoinStatus string

const (
	CoinJoinWaitingDeposit  CoinJoinStatus = "waiting_deposit"
	CoinJoinEntered         CoinJoinStatus = "entered"
	CoinJoinReadyForBatch   CoinJoinStatus = "ready_for_batch"
	CoinJoinCommitted       CoinJoinStatus = "committed"
	CoinJoinRevealed        CoinJoinStatus = "revealed"
	CoinJoinCompleted       CoinJoinStatus = "completed"
	CoinJoinError           CoinJoinStatus = "error"
)

// Destination is one payout target of a mix session.
type Destination struct {
	Address string        `json:"address"`
	Amount  amount.Amount `json:"amount"`
}

// Session is the shared header every session record carries (spec.md §3).
// Mix and CoinJoin sessions each embed it and add their own fields.
type Session struct {
	ID        string `json:"id"`
	Type      SessionType `json:"type"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	Error     string `json:"error,omitempty"`
}

// MixSession is a mixing session record.
type MixSession struct {
	Session

	Status MixStatus `json:"status"`

	Amount       amount.Amount `json:"amount"`
	Destinations []Destination `json:"destinations"`

	DepositAddress     string `json:"deposit_address"`
	DepositPrivateKey  string `json:"deposit_private_key,omitempty"`
	ReceivedAmount     amount.Amount `json:"received_amount"`

	IntermediateAddress    string `json:"intermediate_address,omitempty"`
	IntermediatePrivateKey string `json:"intermediate_private_key,omitempty"`
	IntermediateTxID       string `json:"intermediate_tx_id,omitempty"`
	IntermediateConfirmed  bool   `json:"intermediate_confirmed"`
	IntermediateDelayUntil int64  `json:"intermediate_delay_until,omitempty"`

	PayoutTxIDs []string `json:"payout_tx_ids,omitempty"`
}

// IsTerminal reports whether the session has reached a state from which the
// monitor takes no further action.
func (m *MixSession) IsTerminal() bool {
	return m.Status == MixConfirmed || m.Status == MixError || len(m.PayoutTxIDs) > 0
}

// UTXOCommitment is one committed-but-not-yet-revealed UTXO in a zero-trust
// CoinJoin session (spec.md §4.9 Commit).
type UTXOCommitment struct {
	Commitment string `json:"commitment"`
	Salt       string `json:"salt"`
}

// RevealedUTXO is a UTXO reference revealed by a zero-trust participant.
type RevealedUTXO struct {
	TransactionID string        `json:"transactionId"`
	Index         uint32        `json:"index"`
	Amount        amount.Amount `json:"amount"`
}

// Key returns the dedup/ownership-map key txid:index (Open Question 2).
func (u RevealedUTXO) Key() string {
	return outpointKey(u.TransactionID, u.Index)
}

func outpointKey(txid string, index uint32) string {
	return txid + ":" + itoa(index)
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// PendingTransaction buffers a CoinJoin candidate transaction while
// participants sign their own inputs (spec.md §4.9 Signing).
type PendingTransaction struct {
	TxHash          string            `json:"tx_hash"`
	TransactionData string            `json:"transaction_data"`
	Signatures      map[string]string `json:"signatures,omitempty"` // input index (decimal) -> sig script hex
	UpdatedAt       int64             `json:"updated_at"`
}

// CoinJoinSession is a CoinJoin session record, covering both sub-protocols.
type CoinJoinSession struct {
	Session

	Status        CoinJoinStatus `json:"status"`
	ZeroTrustMode bool           `json:"zero_trust_mode"`

	// Trusted mode.
	DepositAddress    string        `json:"deposit_address,omitempty"`
	DepositPrivateKey string        `json:"deposit_private_key,omitempty"`
	PoolContribution  amount.Amount `json:"pool_contribution,omitempty"`

	// Zero-trust mode.
	DestinationAddress string           `json:"destination_address,omitempty"`
	DestinationHash     string          `json:"destination_hash,omitempty"`
	DestinationSalt      string         `json:"destination_salt,omitempty"`
	UTXOCommitments     []UTXOCommitment `json:"utxo_commitments,omitempty"`
	RevealedUTXOs       []RevealedUTXO   `json:"revealed_utxos,omitempty"`
	UTXOSourceAddresses []string         `json:"utxo_source_addresses,omitempty"`

	Amount amount.Amount `json:"amount,omitempty"`

	PendingTransaction *PendingTransaction `json:"pending_transaction,omitempty"`

	CoinJoinTxID string `json:"coinjoin_tx_id,omitempty"`
	CompletedAt  int64  `json:"completed_at,omitempty"`
}

// IsTerminal reports whether no further engine action is expected.
func (c *CoinJoinSession) IsTerminal() bool {
	return c.Status == CoinJoinCompleted || c.Status == CoinJoinError
}

// AddressBookEntry is one saved destination in the wallet's address book
// (supplemented feature 3, SPEC_FULL.md).
type AddressBookEntry struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Label     string `json:"label"`
	Category  string `json:"category,omitempty"`
	AddedAt   int64  `json:"added_at"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}

// WalletTransaction is one entry in the wallet's bounded transaction-history
// ring (spec.md §3, cap 1000, newest-first).
type WalletTransaction struct {
	TxID        string        `json:"tx_id"`
	Direction   string        `json:"direction"` // "send" | "receive"
	Amount      amount.Amount `json:"amount"`
	Fee         amount.Amount `json:"fee,omitempty"`
	Counterparty string       `json:"counterparty,omitempty"`
	CreatedAt   int64         `json:"created_at"`
}

// Wallet is the single persisted wallet record (spec.md §3).
type Wallet struct {
	Address        string `json:"address"`
	PrivateKeyHex  string `json:"private_key_hex"`
	ImportedAt     int64  `json:"imported_at"`

	Kpub           string `json:"kpub,omitempty"`
	DerivationPath string `json:"derivation_path,omitempty"`

	TransactionHistory []WalletTransaction `json:"transaction_history,omitempty"`
	AddressBook        []AddressBookEntry  `json:"address_book,omitempty"`
}

// Settings is the persisted settings.json shape (spec.md §6).
type Settings struct {
	NodeMode    string `json:"node_mode"` // "public" | "private"
	LastUpdated int64  `json:"last_updated"`
}

// UTXO is one unspent output as returned by the RPC client.
type UTXO struct {
	TransactionID   string        `json:"transactionId"`
	Index           uint32        `json:"index"`
	Amount          amount.Amount `json:"amount"`
	ScriptPublicKey string        `json:"scriptPublicKey,omitempty"`
	Address         string        `json:"address,omitempty"`
	BlockDAAScore   uint64        `json:"blockDaaScore"`
	IsCoinbase      bool          `json:"isCoinbase,omitempty"`
}

// Key returns the dedup key txid:index.
func (u UTXO) Key() string {
	return outpointKey(u.TransactionID, u.Index)
}

// FeeEstimate mirrors the RPC client's get_fee_estimate response (spec.md §4.3).
type FeeEstimate struct {
	PriorityFeerate int64 `json:"priorityFeerate"`
}

// BlockDAGInfo mirrors get_block_dag_info (spec.md §4.3).
type BlockDAGInfo struct {
	VirtualDAAScore uint64 `json:"virtualDaaScore"`
}

// Balance is the wallet.balance response shape (spec.md §6).
type Balance struct {
	Confirmed   amount.Amount `json:"confirmed"`
	Unconfirmed amount.Amount `json:"unconfirmed"`
	Total       amount.Amount `json:"total"`
	Mature      amount.Amount `json:"mature"`
	UTXOCount   int           `json:"utxo_count"`
}

// APIResponse is the standard API response envelope.
type APIResponse struct {
	Data interface{} `json:"data,omitempty"`
	Meta *APIMeta    `json:"meta,omitempty"`
}

// APIMeta carries pagination metadata for list endpoints.
type APIMeta struct {
	Page     int   `json:"page,omitempty"`
	PageSize int   `json:"pageSize,omitempty"`
	Total    int64 `json:"total,omitempty"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail carries the tagged error code and message.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
