// Package rpcclient is the thin adapter to the chain node (spec.md §4.3):
// UTXO lookup, DAA score, fee estimate, transaction submission. It never
// does protocol/wire work itself — that is delegated to the node's own
// JSON API, matching the out-of-scope boundary in spec.md §1.
package rpcclient

import (
	"context"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/models"
)

// Client is the capability set spec.md §4.3 requires from the chain node.
type Client interface {
	GetUTXOsByAddresses(ctx context.Context, addresses []string) ([]models.UTXO, error)
	GetBlockDAGInfo(ctx context.Context) (*models.BlockDAGInfo, error)
	GetFeeEstimate(ctx context.Context) (*models.FeeEstimate, error)
	SubmitTransaction(ctx context.Context, txHex string) (txID string, err error)
	GetMempoolEntriesByAddresses(ctx context.Context, addresses []string) ([]models.UTXO, error)
	// GetTransaction is best-effort: a NotFound error is expected and
	// non-fatal to callers that probe for confirmation.
	GetTransaction(ctx context.Context, txID string) (*TransactionInfo, error)
	// GetBlock is best-effort; no kasmix engine calls it.
	GetBlock(ctx context.Context, hash string) (*BlockInfo, error)
}

// TransactionInfo is the subset of node transaction data kasmix consumes.
// Outputs is populated so a CoinJoin build can resolve a revealed UTXO's
// amount, script and address from its originating transaction (spec.md
// §4.9 build step 3).
type TransactionInfo struct {
	TransactionID string
	BlockDAAScore uint64
	IsAccepted    bool
	Outputs       []TxOutput
}

// TxOutput is one output of a fetched transaction.
type TxOutput struct {
	Index           uint32
	Amount          amount.Amount
	ScriptPublicKey string
	Address         string
}

// BlockInfo is the subset of node block data kasmix consumes.
type BlockInfo struct {
	Hash            string
	DAAScore        uint64
	TransactionIDs  []string
}
