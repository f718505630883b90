package coinjoin

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/config"
	"github.com/opsnode/kasmix/internal/models"
	"github.com/opsnode/kasmix/internal/rpcclient"
	"github.com/opsnode/kasmix/internal/store"
	"github.com/opsnode/kasmix/internal/utxoutil"
)

type fakeClient struct {
	daaScore  uint64
	byAddr    map[string][]models.UTXO
	feerate   int64
	submitID  string
	submitErr error
	// submitErrs, when set, is consumed one error per SubmitTransaction call
	// (nil entries succeed) before falling back to submitID/submitErr —
	// lets a test script a transient failure followed by eventual success.
	submitErrs []error
	submitCall int
	txByID     map[string]*rpcclient.TransactionInfo
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
	call := f.submitCall
	f.submitCall++
	if call < len(f.submitErrs) {
		if err := f.submitErrs[call]; err != nil {
			return "", err
		}
	} else if f.submitErr != nil {
		return "", f.submitErr
	}
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
	if info, ok := f.txByID[txID]; ok {
		return info, nil
	}
	return nil, nil
}
func (f *fakeClient) GetBlock(ctx context.Context, hash string) (*rpcclient.BlockInfo, error) {
	return nil, nil
}

var _ rpcclient.Client = (*fakeClient)(nil)

func testConfig() *config.Config {
	return &config.Config{
		MinConfirmations:        20,
		MinFee:                  "10000",
		DustThreshold:           "1000",
		CoinJoinFixedEntry:      "100000000",
		CoinJoinEntryTolerance:  "10000",
		CoinJoinMinTrusted:      2,
		CoinJoinMinZeroTrust:    2,
		CoinJoinMaxOutputsPerTx: 20,
		CoinJoinFeeBps:          100,
		CoinJoinCommitWindowSec: 300,
		CoinJoinMonitorEvery:    10,
		CoinJoinMaxStandardMass: 100000,
	}
}

func newTestEngine(t *testing.T, client *fakeClient) (*Engine, *store.SessionStore) {
	t.Helper()
	s, err := store.NewSessionStore(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("NewSessionStore() error = %v", err)
	}
	helper := utxoutil.NewHelper(client, time.Minute)
	return NewEngine(s, client, helper, testConfig(), "pool1", poolKeyHex), s
}

// poolKeyHex is a fixed 32-byte scalar (0x11 repeated, last byte 0x1a),
// valid for secp256k1 and stable across test runs.
const poolKeyHex = "111111111111111111111111111111111111111111111111111111111111111a"
