// Package utxoutil provides the UTXO-facing helpers every higher-level
// component (mix monitor, payout engine, CoinJoin builder) is built on:
// DAA-score-based confirmation counting and the confirmed-UTXO set a
// deposit or pool-forward step matches against. Grounded on the teacher's
// internal/poller/watcher confirmation-polling loop, generalized from
// block-height confirmations to DAA score.
package utxoutil

import (
	"context"
	"sync"
	"time"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/models"
	"github.com/opsnode/kasmix/internal/rpcclient"
)

// Helper bundles the chain RPC client with the DAA score memoization and
// exposes spec.md §4.4's operations.
type Helper struct {
	client rpcclient.Client
	ttl    time.Duration

	mu        sync.Mutex
	cached    uint64
	cachedAt  time.Time
	hasCached bool
}

// NewHelper creates a UTXO helper backed by client, memoizing the DAA score
// for ttl (spec.md default 5s).
func NewHelper(client rpcclient.Client, ttl time.Duration) *Helper {
	return &Helper{client: client, ttl: ttl}
}

// CurrentDAAScore returns the memoized virtual DAA score, refreshing it if
// the cache has expired. Fails NodeUnready on an RPC error.
func (h *Helper) CurrentDAAScore(ctx context.Context) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hasCached && time.Since(h.cachedAt) < h.ttl {
		return h.cached, nil
	}

	info, err := h.client.GetBlockDAGInfo(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.NodeUnready, err, "fetch block DAG info")
	}
	h.cached = info.VirtualDAAScore
	h.cachedAt = time.Now()
	h.hasCached = true
	return h.cached, nil
}

// FetchUTXOs returns the raw (unfiltered) UTXO set at address.
func (h *Helper) FetchUTXOs(ctx context.Context, address string) ([]models.UTXO, error) {
	return h.client.GetUTXOsByAddresses(ctx, []string{address})
}

// ConfirmedResult is the output of ConfirmedUTXOs.
type ConfirmedResult struct {
	UTXOs []models.UTXO
	Sum   amount.Amount
}

// ConfirmedUTXOs returns every UTXO at address whose confirmation depth
// (current DAA score minus the UTXO's block DAA score) is at least
// minConfirmations, together with their integer sum (spec.md §4.4).
func (h *Helper) ConfirmedUTXOs(ctx context.Context, address string, minConfirmations int) (*ConfirmedResult, error) {
	current, err := h.CurrentDAAScore(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := h.FetchUTXOs(ctx, address)
	if err != nil {
		return nil, err
	}

	result := &ConfirmedResult{Sum: amount.Zero()}
	for _, u := range raw {
		if u.BlockDAAScore == 0 {
			continue
		}
		if current < u.BlockDAAScore {
			continue
		}
		if current-u.BlockDAAScore < uint64(minConfirmations) {
			continue
		}
		result.UTXOs = append(result.UTXOs, u)
		result.Sum = result.Sum.Add(u.Amount)
	}
	return result, nil
}
