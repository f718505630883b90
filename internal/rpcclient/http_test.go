package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opsnode/kasmix/internal/apperr"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.Client(), srv.URL)
}

func TestHTTPClient_GetUTXOsByAddresses(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/addresses/utxos" {
			t.Errorf("path = %q", r.URL.Path)
		}
		entries := []nodeUTXOEntry{{}}
		entries[0].Address = "kaspa:qzdest"
		entries[0].Outpoint.TransactionID = "abc"
		entries[0].Outpoint.Index = 0
		entries[0].UTXOEntry.Amount = "100000000"
		entries[0].UTXOEntry.BlockDAAScore = 42
		_ = json.NewEncoder(w).Encode(entries)
	})

	utxos, err := c.GetUTXOsByAddresses(context.Background(), []string{"kaspa:qzdest"})
	if err != nil {
		t.Fatalf("GetUTXOsByAddresses() error = %v", err)
	}
	if len(utxos) != 1 || utxos[0].TransactionID != "abc" {
		t.Fatalf("utxos = %+v", utxos)
	}
	if utxos[0].Amount.Int64() != 100000000 {
		t.Errorf("Amount = %v, want 100000000", utxos[0].Amount)
	}
}

func TestHTTPClient_GetBlockDAGInfo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"virtualDaaScore": "123456"})
	})

	info, err := c.GetBlockDAGInfo(context.Background())
	if err != nil {
		t.Fatalf("GetBlockDAGInfo() error = %v", err)
	}
	if info.VirtualDAAScore != 123456 {
		t.Errorf("VirtualDAAScore = %d, want 123456", info.VirtualDAAScore)
	}
}

func TestHTTPClient_GetTransaction_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such transaction", http.StatusNotFound)
	})

	_, err := c.GetTransaction(context.Background(), "missing")
	if !apperr.HasTag(err, apperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestHTTPClient_SubmitTransaction_AlreadyInMempool(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "transaction already in mempool", http.StatusBadRequest)
	})

	_, err := c.SubmitTransaction(context.Background(), "deadbeef")
	if !apperr.HasTag(err, apperr.AlreadyInMempool) {
		t.Fatalf("expected AlreadyInMempool, got %v", err)
	}
}

func TestHTTPClient_SubmitTransaction_SequenceLockNotMet(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "transaction sequence lock conditions not met", http.StatusBadRequest)
	})

	_, err := c.SubmitTransaction(context.Background(), "deadbeef")
	if !apperr.HasTag(err, apperr.SequenceLockNotMet) {
		t.Fatalf("expected SequenceLockNotMet, got %v", err)
	}
}

func TestHTTPClient_SubmitTransaction_MassExceeded(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "transaction mass would exceed maximum", http.StatusBadRequest)
	})

	_, err := c.SubmitTransaction(context.Background(), "deadbeef")
	if !apperr.HasTag(err, apperr.MassExceeded) {
		t.Fatalf("expected MassExceeded, got %v", err)
	}
}

func TestHTTPClient_ServerError_MapsToNodeUnready(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})

	_, err := c.GetBlockDAGInfo(context.Background())
	if !apperr.HasTag(err, apperr.NodeUnready) {
		t.Fatalf("expected NodeUnready, got %v", err)
	}
}

func TestHTTPClient_CircuitBreaker_OpensAfterFailures(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "internal error", http.StatusInternalServerError)
	})

	for i := 0; i < 10; i++ {
		_, _ = c.GetBlockDAGInfo(context.Background())
	}

	_, err := c.GetBlockDAGInfo(context.Background())
	if !apperr.HasTag(err, apperr.NodeUnready) {
		t.Fatalf("expected NodeUnready once circuit opens, got %v", err)
	}
	if calls >= 10 {
		t.Errorf("expected circuit breaker to stop calling the server, got %d calls", calls)
	}
}
