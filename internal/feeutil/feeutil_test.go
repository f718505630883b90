package feeutil

import (
	"context"
	"testing"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/models"
	"github.com/opsnode/kasmix/internal/rpcclient"
)

type fakeClient struct {
	feerate int64
}

func (f *fakeClient) GetUTXOsByAddresses(ctx context.Context, addresses []string) ([]models.UTXO, error) {
	return nil, nil
}
func (f *fakeClient) GetBlockDAGInfo(ctx context.Context) (*models.BlockDAGInfo, error) {
	return &models.BlockDAGInfo{}, nil
}
func (f *fakeClient) GetFeeEstimate(ctx context.Context) (*models.FeeEstimate, error) {
	return &models.FeeEstimate{PriorityFeerate: f.feerate}, nil
}
func (f *fakeClient) SubmitTransaction(ctx context.Context, txHex string) (string, error) {
	return "tx1", nil
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

func TestEstimateFee_FloorsAtMinFee(t *testing.T) {
	client := &fakeClient{feerate: 1}
	fee, err := EstimateFee(context.Background(), client, 1, 2, amount.FromInt64(10_000))
	if err != nil {
		t.Fatalf("EstimateFee() error = %v", err)
	}
	if fee.Int64() != 10_000 {
		t.Errorf("fee = %v, want floor of 10000", fee)
	}
}

func TestEstimateFee_AboveMinFeeUsesFeerate(t *testing.T) {
	client := &fakeClient{feerate: 10}
	fee, err := EstimateFee(context.Background(), client, 2, 2, amount.FromInt64(10_000))
	if err != nil {
		t.Fatalf("EstimateFee() error = %v", err)
	}
	// mass = 2*4000 + 2*150 = 8300; fee = 10*8300 = 83000
	if fee.Int64() != 83_000 {
		t.Errorf("fee = %v, want 83000", fee)
	}
}

func TestAllocateProportional_SplitsExactlyAndSumsToAvailable(t *testing.T) {
	destinations := []models.Destination{
		{Address: "a", Amount: amount.FromInt64(30)},
		{Address: "b", Amount: amount.FromInt64(70)},
	}
	out, err := AllocateProportional(destinations, amount.FromInt64(1_000_000), amount.FromInt64(1_000))
	if err != nil {
		t.Fatalf("AllocateProportional() error = %v", err)
	}
	sum := amount.Zero()
	for _, o := range out {
		sum = sum.Add(o)
	}
	if sum.Int64() != 1_000_000 {
		t.Fatalf("sum = %v, want 1000000", sum)
	}
	if out[0].Int64() != 300_000 {
		t.Errorf("out[0] = %v, want 300000", out[0])
	}
}

func TestAllocateProportional_RaisesDustFromExcess(t *testing.T) {
	destinations := []models.Destination{
		{Address: "a", Amount: amount.FromInt64(1)},
		{Address: "b", Amount: amount.FromInt64(999_999)},
	}
	out, err := AllocateProportional(destinations, amount.FromInt64(1_000_000), amount.FromInt64(1_000))
	if err != nil {
		t.Fatalf("AllocateProportional() error = %v", err)
	}
	if out[0].Int64() != 1_000 {
		t.Errorf("out[0] = %v, want raised to dust 1000", out[0])
	}
	sum := out[0].Add(out[1])
	if sum.Int64() != 1_000_000 {
		t.Fatalf("sum = %v, want 1000000", sum)
	}
}

func TestBalance_AddsDifferenceToLastOutput(t *testing.T) {
	outputs := []amount.Amount{amount.FromInt64(100), amount.FromInt64(200)}
	balanced, err := Balance(amount.FromInt64(310), outputs, amount.FromInt64(5))
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balanced[1].Int64() != 205 {
		t.Errorf("balanced[1] = %v, want 205", balanced[1])
	}
}

func TestBalance_FailsInsufficientFunds(t *testing.T) {
	outputs := []amount.Amount{amount.FromInt64(100), amount.FromInt64(200)}
	_, err := Balance(amount.FromInt64(50), outputs, amount.FromInt64(5))
	if err == nil {
		t.Fatal("expected InsufficientFunds error")
	}
}

func TestRecomputePayout_BalancesExactly(t *testing.T) {
	client := &fakeClient{feerate: 1}
	destinations := []models.Destination{
		{Address: "a", Amount: amount.FromInt64(500_000)},
		{Address: "b", Amount: amount.FromInt64(500_000)},
	}
	result, err := RecomputePayout(context.Background(), client, destinations, amount.FromInt64(1_100_000), amount.FromInt64(10_000), amount.FromInt64(1_000), amount.FromInt64(10_000))
	if err != nil {
		t.Fatalf("RecomputePayout() error = %v", err)
	}
	sum := amount.Zero()
	for _, o := range result.Outputs {
		sum = sum.Add(o)
	}
	if sum.Add(result.Fee).Int64() != 1_100_000 {
		t.Fatalf("sum+fee = %v, want 1100000", sum.Add(result.Fee))
	}
}
