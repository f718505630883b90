package coinjoin

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/models"
)

func TestForwardToPool_EntersOnMatchingDeposit(t *testing.T) {
	client := &fakeClient{
		daaScore: 1000,
		byAddr: map[string][]models.UTXO{
			"deposit1": {{TransactionID: "a", Index: 0, Amount: amount.FromInt64(100_000_000), Address: "deposit1", BlockDAAScore: 900}},
		},
	}
	e, _ := newTestEngine(t, client)

	c := &models.CoinJoinSession{
		Session:           models.Session{ID: "c1"},
		Status:            models.CoinJoinWaitingDeposit,
		DepositAddress:    "deposit1",
		DepositPrivateKey: poolKeyHex,
	}
	if err := e.forwardToPool(context.Background(), c); err != nil {
		t.Fatalf("forwardToPool() error = %v", err)
	}
	if c.Status != models.CoinJoinEntered {
		t.Fatalf("status = %v, want entered", c.Status)
	}
	if c.PoolContribution.IsZero() {
		t.Fatalf("pool contribution not recorded")
	}
}

func TestForwardToPool_StaysOutsideTolerance(t *testing.T) {
	client := &fakeClient{
		daaScore: 1000,
		byAddr: map[string][]models.UTXO{
			"deposit1": {{TransactionID: "a", Index: 0, Amount: amount.FromInt64(50_000_000), Address: "deposit1", BlockDAAScore: 900}},
		},
	}
	e, _ := newTestEngine(t, client)

	c := &models.CoinJoinSession{
		Session:           models.Session{ID: "c1"},
		Status:            models.CoinJoinWaitingDeposit,
		DepositAddress:    "deposit1",
		DepositPrivateKey: poolKeyHex,
	}
	if err := e.forwardToPool(context.Background(), c); err != nil {
		t.Fatalf("forwardToPool() error = %v", err)
	}
	if c.Status != models.CoinJoinWaitingDeposit {
		t.Fatalf("status = %v, want unchanged waiting_deposit", c.Status)
	}
}

func TestRunSubBatch_PaysEveryDestinationEqually(t *testing.T) {
	client := &fakeClient{
		daaScore: 1000,
		byAddr: map[string][]models.UTXO{
			"pool1": {{TransactionID: "pooltx", Index: 0, Amount: amount.FromInt64(300_000_000), Address: "pool1", BlockDAAScore: 900}},
		},
	}
	e, s := newTestEngine(t, client)

	ids := []string{"c1", "c2", "c3"}
	for i, id := range ids {
		c := &models.CoinJoinSession{
			Session:            models.Session{ID: id},
			Status:             models.CoinJoinEntered,
			DestinationAddress: "dest" + string(rune('1'+i)),
		}
		if err := s.SetCoinJoin(c); err != nil {
			t.Fatalf("SetCoinJoin(%s) error = %v", id, err)
		}
	}

	if err := e.runSubBatch(context.Background(), ids, mustDecodeKey(t, poolKeyHex), amount.MustFromString("1000")); err != nil {
		t.Fatalf("runSubBatch() error = %v", err)
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
	}
}

func mustDecodeKey(t *testing.T, hexKey string) *btcec.PrivateKey {
	t.Helper()
	key, err := decodePrivateKey(hexKey)
	if err != nil {
		t.Fatalf("decodePrivateKey() error = %v", err)
	}
	return key
}
