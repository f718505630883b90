package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/config"
	"github.com/opsnode/kasmix/internal/models"
	"github.com/opsnode/kasmix/internal/rpcutil"
)

// HTTPClient talks to a single chain-node REST endpoint, wrapped with the
// same rate limiter + circuit breaker pattern the teacher applies to its
// Esplora-style UTXO fetchers (internal/tx/btc_utxo.go), adapted from a
// multi-provider pool down to the one node kasmix coordinates against.
type HTTPClient struct {
	http    *http.Client
	baseURL string
	limiter *rpcutil.RateLimiter
	breaker *rpcutil.CircuitBreaker
}

// NewHTTPClient creates a client against baseURL (e.g. "http://127.0.0.1:16110").
func NewHTTPClient(httpClient *http.Client, baseURL string) *HTTPClient {
	return &HTTPClient{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		limiter: rpcutil.NewRateLimiter("node", config.RPCRateLimitRPS),
		breaker: rpcutil.NewCircuitBreaker(config.RPCCircuitFailures, config.RPCCircuitCooldown),
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	if !c.breaker.Allow() {
		return apperr.New(apperr.NodeUnready, "node circuit breaker open")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return apperr.Wrap(apperr.Disconnected, err, "rate limiter wait cancelled")
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return apperr.Wrap(apperr.Disconnected, err, "node request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := rpcutil.ParseRetryAfter(resp.Header)
		c.breaker.RecordFailure()
		cause := apperr.NewTransientErrorWithRetry(fmt.Errorf("node rate limited"), retryAfter)
		return apperr.Wrap(apperr.NodeUnready, cause, "node rate limited")
	}

	if resp.StatusCode == http.StatusNotFound {
		return apperr.New(apperr.NotFound, "resource not found: "+path)
	}

	if resp.StatusCode != http.StatusOK {
		c.breaker.RecordFailure()
		return classifyNodeError(resp.StatusCode, string(data))
	}

	c.breaker.RecordSuccess()

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode node response: %w", err)
	}
	return nil
}

// classifyNodeError inspects a non-200 body for the text-only error reasons
// spec.md §4.3 says the chain library exposes only as message text
// (AlreadyInMempool, SequenceLockNotMet, MassExceeded).
func classifyNodeError(status int, body string) error {
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "already in mempool") || strings.Contains(lower, "already accepted"):
		return apperr.New(apperr.AlreadyInMempool, body)
	case strings.Contains(lower, "sequence lock") || strings.Contains(lower, "is not finalized"):
		return apperr.New(apperr.SequenceLockNotMet, body)
	case strings.Contains(lower, "mass") && strings.Contains(lower, "exceed"):
		return apperr.New(apperr.MassExceeded, body)
	case status >= 500:
		return apperr.New(apperr.NodeUnready, fmt.Sprintf("node error (HTTP %d): %s", status, body))
	default:
		return apperr.New(apperr.BadInput, fmt.Sprintf("node rejected request (HTTP %d): %s", status, body))
	}
}

type nodeUTXOEntry struct {
	Address string `json:"address"`
	Outpoint struct {
		TransactionID string `json:"transactionId"`
		Index         uint32 `json:"index"`
	} `json:"outpoint"`
	UTXOEntry struct {
		Amount          string `json:"amount"`
		ScriptPublicKey string `json:"scriptPublicKey"`
		BlockDAAScore   uint64 `json:"blockDaaScore"`
		IsCoinbase      bool   `json:"isCoinbase"`
	} `json:"utxoEntry"`
}

func (e nodeUTXOEntry) toModel() (models.UTXO, error) {
	amt, err := amount.FromString(e.UTXOEntry.Amount)
	if err != nil {
		return models.UTXO{}, fmt.Errorf("decode UTXO amount: %w", err)
	}
	return models.UTXO{
		TransactionID:   e.Outpoint.TransactionID,
		Index:           e.Outpoint.Index,
		Amount:          amt,
		ScriptPublicKey: e.UTXOEntry.ScriptPublicKey,
		Address:         e.Address,
		BlockDAAScore:   e.UTXOEntry.BlockDAAScore,
		IsCoinbase:      e.UTXOEntry.IsCoinbase,
	}, nil
}

// GetUTXOsByAddresses fetches confirmed+unconfirmed UTXOs for a batch of addresses.
func (c *HTTPClient) GetUTXOsByAddresses(ctx context.Context, addresses []string) ([]models.UTXO, error) {
	var raw []nodeUTXOEntry
	if err := c.do(ctx, http.MethodPost, "/addresses/utxos", map[string]any{"addresses": addresses}, &raw); err != nil {
		return nil, err
	}

	out := make([]models.UTXO, 0, len(raw))
	for _, e := range raw {
		u, err := e.toModel()
		if err != nil {
			slog.Warn("skipping UTXO with unparseable amount", "txid", e.Outpoint.TransactionID, "error", err)
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// GetBlockDAGInfo returns the virtual DAA score (spec.md §4.3).
func (c *HTTPClient) GetBlockDAGInfo(ctx context.Context) (*models.BlockDAGInfo, error) {
	var raw struct {
		VirtualDAAScore string `json:"virtualDaaScore"`
	}
	if err := c.do(ctx, http.MethodGet, "/info/blockdag", nil, &raw); err != nil {
		return nil, err
	}
	score, err := strconv.ParseUint(raw.VirtualDAAScore, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse virtualDaaScore: %w", err)
	}
	return &models.BlockDAGInfo{VirtualDAAScore: score}, nil
}

// GetFeeEstimate returns the priority-bucket feerate (spec.md §4.3).
func (c *HTTPClient) GetFeeEstimate(ctx context.Context) (*models.FeeEstimate, error) {
	var raw struct {
		Priority struct {
			Feerate float64 `json:"feerate"`
		} `json:"priorityBucket"`
	}
	if err := c.do(ctx, http.MethodGet, "/info/fee-estimate", nil, &raw); err != nil {
		return nil, err
	}
	return &models.FeeEstimate{PriorityFeerate: int64(raw.Priority.Feerate)}, nil
}

// SubmitTransaction submits a signed transaction and returns its id.
// AlreadyInMempool is mapped by the caller (internal/txbuilder) to success.
func (c *HTTPClient) SubmitTransaction(ctx context.Context, txHex string) (string, error) {
	var raw struct {
		TransactionID string `json:"transactionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/transactions", map[string]any{"transaction": txHex}, &raw); err != nil {
		return "", err
	}
	return raw.TransactionID, nil
}

// GetMempoolEntriesByAddresses returns unconfirmed UTXOs held in mempool.
func (c *HTTPClient) GetMempoolEntriesByAddresses(ctx context.Context, addresses []string) ([]models.UTXO, error) {
	var raw []nodeUTXOEntry
	if err := c.do(ctx, http.MethodPost, "/addresses/mempool-utxos", map[string]any{"addresses": addresses}, &raw); err != nil {
		return nil, err
	}
	out := make([]models.UTXO, 0, len(raw))
	for _, e := range raw {
		u, err := e.toModel()
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// GetTransaction is best-effort (spec.md §4.3): NotFound is expected while a
// transaction has not yet propagated and is not treated as a hard failure by
// callers.
func (c *HTTPClient) GetTransaction(ctx context.Context, txID string) (*TransactionInfo, error) {
	var raw struct {
		TransactionID string `json:"transactionId"`
		BlockDAAScore string `json:"blockDaaScore"`
		IsAccepted    bool   `json:"isAccepted"`
		Outputs       []struct {
			Amount          string `json:"amount"`
			ScriptPublicKey string `json:"scriptPublicKey"`
			Address         string `json:"verboseData,omitempty"`
		} `json:"outputs"`
	}
	if err := c.do(ctx, http.MethodGet, "/transactions/"+txID, nil, &raw); err != nil {
		return nil, err
	}
	score, _ := strconv.ParseUint(raw.BlockDAAScore, 10, 64)

	outputs := make([]TxOutput, 0, len(raw.Outputs))
	for i, o := range raw.Outputs {
		amt, err := amount.FromString(o.Amount)
		if err != nil {
			continue
		}
		outputs = append(outputs, TxOutput{
			Index:           uint32(i),
			Amount:          amt,
			ScriptPublicKey: o.ScriptPublicKey,
			Address:         o.Address,
		})
	}

	return &TransactionInfo{
		TransactionID: raw.TransactionID,
		BlockDAAScore: score,
		IsAccepted:    raw.IsAccepted,
		Outputs:       outputs,
	}, nil
}

// GetBlock is best-effort; no kasmix engine calls it.
func (c *HTTPClient) GetBlock(ctx context.Context, hash string) (*BlockInfo, error) {
	var raw struct {
		Hash           string   `json:"hash"`
		DAAScore       string   `json:"daaScore"`
		TransactionIDs []string `json:"transactionIds"`
	}
	if err := c.do(ctx, http.MethodGet, "/blocks/"+hash, nil, &raw); err != nil {
		return nil, err
	}
	score, _ := strconv.ParseUint(raw.DAAScore, 10, 64)
	return &BlockInfo{Hash: raw.Hash, DAAScore: score, TransactionIDs: raw.TransactionIDs}, nil
}
