package utxoutil

import (
	"context"
	"testing"
	"time"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/models"
	"github.com/opsnode/kasmix/internal/rpcclient"
)

type fakeClient struct {
	daaScore    uint64
	daaScoreErr error
	utxos       []models.UTXO
	utxosErr    error
	callCount   int
}

func (f *fakeClient) GetUTXOsByAddresses(ctx context.Context, addresses []string) ([]models.UTXO, error) {
	f.callCount++
	return f.utxos, f.utxosErr
}
func (f *fakeClient) GetBlockDAGInfo(ctx context.Context) (*models.BlockDAGInfo, error) {
	if f.daaScoreErr != nil {
		return nil, f.daaScoreErr
	}
	return &models.BlockDAGInfo{VirtualDAAScore: f.daaScore}, nil
}
func (f *fakeClient) GetFeeEstimate(ctx context.Context) (*models.FeeEstimate, error) {
	return &models.FeeEstimate{PriorityFeerate: 1}, nil
}
func (f *fakeClient) SubmitTransaction(ctx context.Context, txHex string) (string, error) {
	return "txid", nil
}
func (f *fakeClient) GetMempoolEntriesByAddresses(ctx context.Context, addresses []string) ([]models.UTXO, error) {
	return nil, nil
}
func (f *fakeClient) GetTransaction(ctx context.Context, txID string) (*rpcclient.TransactionInfo, error) {
	return nil, nil
}
func (f *fakeClient) GetBlock(ctx context.Context, hash string) (*rpcclient.BlockInfo, error) {
	return nil, nil
}

var _ rpcclient.Client = (*fakeClient)(nil)

func TestCurrentDAAScore_MemoizesWithinTTL(t *testing.T) {
	client := &fakeClient{daaScore: 100}
	h := NewHelper(client, time.Minute)

	score, err := h.CurrentDAAScore(context.Background())
	if err != nil || score != 100 {
		t.Fatalf("CurrentDAAScore() = %d, %v", score, err)
	}

	client.daaScore = 200
	score, err = h.CurrentDAAScore(context.Background())
	if err != nil || score != 100 {
		t.Fatalf("expected memoized 100, got %d, %v", score, err)
	}
}

func TestCurrentDAAScore_FailsNodeUnready(t *testing.T) {
	client := &fakeClient{daaScoreErr: errTestRPC}
	h := NewHelper(client, time.Minute)
	_, err := h.CurrentDAAScore(context.Background())
	if !apperr.HasTag(err, apperr.NodeUnready) {
		t.Fatalf("expected NodeUnready, got %v", err)
	}
}

func TestConfirmedUTXOs_FiltersByDepth(t *testing.T) {
	client := &fakeClient{
		daaScore: 1000,
		utxos: []models.UTXO{
			{TransactionID: "a", Index: 0, Amount: amount.FromInt64(100), BlockDAAScore: 900},  // depth 100, confirmed
			{TransactionID: "b", Index: 0, Amount: amount.FromInt64(200), BlockDAAScore: 990},  // depth 10, not confirmed (needs 20)
			{TransactionID: "c", Index: 0, Amount: amount.FromInt64(300), BlockDAAScore: 0},     // unconfirmed mempool entry
		},
	}
	h := NewHelper(client, time.Minute)
	result, err := h.ConfirmedUTXOs(context.Background(), "kaspa:addr", 20)
	if err != nil {
		t.Fatalf("ConfirmedUTXOs() error = %v", err)
	}
	if len(result.UTXOs) != 1 || result.UTXOs[0].TransactionID != "a" {
		t.Fatalf("UTXOs = %+v, want only txid a", result.UTXOs)
	}
	if result.Sum.Int64() != 100 {
		t.Errorf("Sum = %v, want 100", result.Sum)
	}
}

var errTestRPC = apperr.New(apperr.Disconnected, "rpc unavailable")
