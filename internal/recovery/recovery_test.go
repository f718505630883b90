package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/config"
	"github.com/opsnode/kasmix/internal/mix"
	"github.com/opsnode/kasmix/internal/models"
	"github.com/opsnode/kasmix/internal/rpcclient"
	"github.com/opsnode/kasmix/internal/store"
	"github.com/opsnode/kasmix/internal/utxoutil"
)

type fakeClient struct {
	daaScore uint64
	byAddr   map[string][]models.UTXO
	feerate  int64
	submitID string
}

func (f *fakeClient) GetUTXOsByAddresses(ctx context.Context, addresses []string) ([]models.UTXO, error) {
	var out []models.UTXO
	for _, a := range addresses {
		out = append(out, f.byAddr[a]...)
	}
	return out, nil
}
func (f *fakeClient) GetBlockDAGInfo(ctx context.Context) (*models.BlockDAGInfo, error) {
	return &models.BlockDAGInfo{VirtualDAAScore: f.daaScore}, nil
}
func (f *fakeClient) GetFeeEstimate(ctx context.Context) (*models.FeeEstimate, error) {
	return &models.FeeEstimate{PriorityFeerate: f.feerate}, nil
}
func (f *fakeClient) SubmitTransaction(ctx context.Context, txHex string) (string, error) {
	id := f.submitID
	if id == "" {
		id = "tx1"
	}
	return id, nil
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

func testConfig() *config.Config {
	return &config.Config{
		MinConfirmations: 20,
		MinFee:           "10000",
		DustThreshold:    "1000",
		MixMinDelayMs:    60000,
		MixMaxDelayMs:    120000,
		MixMonitorEvery:  10,
	}
}

func newTestEngines(t *testing.T, client *fakeClient) (*Engine, *store.SessionStore) {
	t.Helper()
	s, err := store.NewSessionStore(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("NewSessionStore() error = %v", err)
	}
	helper := utxoutil.NewHelper(client, time.Minute)
	mixEngine := mix.NewEngine(s, client, helper, testConfig())
	return NewEngine(s, mixEngine), s
}

func TestRunStartupSweep_BumpsLaggingStatusToIntermediateConfirmed(t *testing.T) {
	client := &fakeClient{
		daaScore: 1000,
		byAddr: map[string][]models.UTXO{
			"intermediate1": {{TransactionID: "b", Index: 0, Amount: amount.FromInt64(990_000), BlockDAAScore: 900}},
		},
	}
	e, s := newTestEngines(t, client)

	m := &models.MixSession{
		Session:                models.Session{ID: "lag", Type: models.SessionMix},
		Status:                 models.MixSentToIntermediate,
		DepositAddress:         "deposit1",
		IntermediateAddress:    "intermediate1",
		IntermediatePrivateKey: "aabbccdd",
	}
	if err := s.SetMix(m); err != nil {
		t.Fatal(err)
	}

	if err := e.RunStartupSweep(context.Background()); err != nil {
		t.Fatalf("RunStartupSweep() error = %v", err)
	}

	reloaded, err := s.GetMix("lag")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != models.MixIntermediateConfirmed || !reloaded.IntermediateConfirmed {
		t.Fatalf("status = %v, confirmed = %v", reloaded.Status, reloaded.IntermediateConfirmed)
	}
}

func TestRecoverOne_TerminalErrorWhenKeyMissing(t *testing.T) {
	client := &fakeClient{
		daaScore: 1000,
		byAddr: map[string][]models.UTXO{
			"intermediate1": {{TransactionID: "b", Index: 0, Amount: amount.FromInt64(990_000), BlockDAAScore: 900}},
		},
	}
	e, s := newTestEngines(t, client)

	m := &models.MixSession{
		Session:             models.Session{ID: "stuck", Type: models.SessionMix},
		Status:              models.MixSentToIntermediate,
		DepositAddress:       "deposit1",
		IntermediateAddress:  "intermediate1",
	}
	if err := s.SetMix(m); err != nil {
		t.Fatal(err)
	}

	if err := e.RecoverOne(context.Background(), "stuck"); err == nil {
		t.Fatal("expected [E_RECOVERY] error when intermediate private key is missing")
	}

	reloaded, err := s.GetMix("stuck")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != models.MixError {
		t.Fatalf("status = %v, want error", reloaded.Status)
	}
}

func TestRecoverOne_GeneratesIntermediateWhenDepositFundedButMissing(t *testing.T) {
	client := &fakeClient{
		daaScore: 1000,
		byAddr: map[string][]models.UTXO{
			"deposit1": {{TransactionID: "a", Index: 0, Amount: amount.FromInt64(1_000_000), BlockDAAScore: 900}},
		},
	}
	e, s := newTestEngines(t, client)

	m := &models.MixSession{
		Session:        models.Session{ID: "nointermediate", Type: models.SessionMix},
		Status:         models.MixWaitingDeposit,
		Amount:         amount.FromInt64(1_000_000),
		DepositAddress: "deposit1",
	}
	if err := s.SetMix(m); err != nil {
		t.Fatal(err)
	}

	if err := e.RecoverOne(context.Background(), "nointermediate"); err != nil {
		t.Fatalf("RecoverOne() error = %v", err)
	}

	reloaded, err := s.GetMix("nointermediate")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != models.MixDepositReceived || reloaded.IntermediateAddress == "" {
		t.Fatalf("status = %v, intermediateAddress = %q", reloaded.Status, reloaded.IntermediateAddress)
	}
}

func TestRunStartupSweep_SkipsTerminalSessions(t *testing.T) {
	client := &fakeClient{daaScore: 1000}
	e, s := newTestEngines(t, client)

	m := &models.MixSession{
		Session: models.Session{ID: "done", Type: models.SessionMix},
		Status:  models.MixConfirmed,
	}
	if err := s.SetMix(m); err != nil {
		t.Fatal(err)
	}

	if err := e.RunStartupSweep(context.Background()); err != nil {
		t.Fatalf("RunStartupSweep() error = %v", err)
	}

	reloaded, err := s.GetMix("done")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != models.MixConfirmed {
		t.Fatalf("status = %v, want unchanged confirmed", reloaded.Status)
	}
}
