// Package coinjoin implements both CoinJoin sub-protocols of spec.md §4.9:
// the trusted pool (deposit → operator pool address → batched payout) and
// the zero-trust commit/reveal/build/sign/submit protocol. Grounded on the
// teacher's internal/poller/watcher orchestrator shape (periodic monitor,
// per-session mutex) and internal/tx's builder/signer split, generalized
// from single-party sends to multi-party cooperative transactions.
package coinjoin

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/audit"
	"github.com/opsnode/kasmix/internal/config"
	"github.com/opsnode/kasmix/internal/feeutil"
	"github.com/opsnode/kasmix/internal/models"
	"github.com/opsnode/kasmix/internal/rpcclient"
	"github.com/opsnode/kasmix/internal/store"
	"github.com/opsnode/kasmix/internal/txbuilder"
	"github.com/opsnode/kasmix/internal/utxoutil"
	"github.com/opsnode/kasmix/internal/walletkey"
)

// BatchRecorder mirrors a completed CoinJoin round into the audit store's
// coinjoin_batches table (SPEC_FULL.md supplemented feature 5). Optional;
// satisfied structurally by *audit.Store.
type BatchRecorder interface {
	RecordBatch(b audit.BatchRecord)
}

// RoundNotifier pushes a live round-status snapshot to waiting participants
// (SPEC_FULL.md's supplemented lobby feature). Optional; satisfied
// structurally by *lobby.Hub's Broadcast method.
type RoundNotifier interface {
	Broadcast(v any)
}

// Engine drives both CoinJoin sub-protocols against a session store, the
// chain RPC client, and the shared UTXO helper.
type Engine struct {
	store  *store.SessionStore
	client rpcclient.Client
	utxo   *utxoutil.Helper
	cfg    *config.Config

	// PoolAddress and PoolPrivateKeyHex configure the trusted-mode pool
	// wallet the operator holds (spec.md §9 Open Question 4: how the pool
	// key is held is out of scope here; kasmix takes it as configuration).
	PoolAddress       string
	PoolPrivateKeyHex string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	buildMu sync.Mutex // serializes zero-trust build/sign/submit windows (spec.md §5)

	batchRecorder BatchRecorder
	notifier      RoundNotifier
}

// SetBatchRecorder attaches the optional audit sink every completed round
// (trusted sub-batch or zero-trust submission) is mirrored into.
func (e *Engine) SetBatchRecorder(r BatchRecorder) {
	e.batchRecorder = r
}

// SetNotifier attaches the optional lobby broadcaster every commit, reveal,
// and completed round pushes a fresh Stats snapshot to.
func (e *Engine) SetNotifier(n RoundNotifier) {
	e.notifier = n
}

// notify pushes a current Stats snapshot to the lobby, if one is attached.
// Stats errors are swallowed here: a failed notification is never worth
// failing the request that triggered it.
func (e *Engine) notify() {
	if e.notifier == nil {
		return
	}
	stats, err := e.Stats()
	if err != nil {
		slog.Warn("coinjoin: failed to gather stats for lobby notification", "error", err)
		return
	}
	e.notifier.Broadcast(stats)
}

// NewEngine constructs a CoinJoin engine.
func NewEngine(s *store.SessionStore, client rpcclient.Client, utxo *utxoutil.Helper, cfg *config.Config, poolAddress, poolPrivateKeyHex string) *Engine {
	return &Engine{
		store:             s,
		client:            client,
		utxo:              utxo,
		cfg:               cfg,
		PoolAddress:       poolAddress,
		PoolPrivateKeyHex: poolPrivateKeyHex,
		locks:             make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// lockSessions acquires every id's per-session lock via TryLock, in sorted
// order (so two callers locking overlapping sets can't deadlock against
// each other), and returns apperr.SessionBusy the moment any id is already
// held — never blocking, matching spec.md's "the set of participating
// sessions is locked for the duration of build/sign/submit; any external
// mutation attempt during this window yields SessionBusy". On failure,
// every lock already acquired in this call is released before returning.
func (e *Engine) lockSessions(ids []string) (unlock func(), err error) {
	ordered := append([]string(nil), ids...)
	sort.Strings(ordered)

	held := make([]*sync.Mutex, 0, len(ordered))
	for i, id := range ordered {
		if i > 0 && ordered[i-1] == id {
			continue // dedup: locking the same id twice in one call deadlocks
		}
		lock := e.lockFor(id)
		if !lock.TryLock() {
			for _, l := range held {
				l.Unlock()
			}
			return nil, apperr.New(apperr.SessionBusy, "session "+id+" has a request already in flight")
		}
		held = append(held, lock)
	}

	return func() {
		for _, l := range held {
			l.Unlock()
		}
	}, nil
}

// Run ticks the trusted-mode monitor every cfg.CoinJoinMonitorEvery seconds
// until ctx is cancelled (spec.md §5: "10s period for mix/CoinJoin
// monitors").
func (e *Engine) Run(ctx context.Context) {
	e.RunOnce(ctx)

	ticker := time.NewTicker(time.Duration(e.cfg.CoinJoinMonitorEvery) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps every trusted-mode session once: forwards matured
// deposits, then batches entered sessions once enough have accumulated
// (spec.md §4.9 trusted sub-protocol).
func (e *Engine) RunOnce(ctx context.Context) {
	sessions, err := e.store.EnumerateCoinJoin()
	if err != nil {
		slog.Error("coinjoin monitor: failed to enumerate sessions", "error", err)
		return
	}

	var entered []string
	for _, snapshot := range sessions {
		if snapshot.ZeroTrustMode || snapshot.IsTerminal() {
			continue
		}
		if snapshot.Status == models.CoinJoinWaitingDeposit {
			e.advanceWaitingDeposit(ctx, snapshot.ID)
			continue
		}
		if snapshot.Status == models.CoinJoinEntered {
			entered = append(entered, snapshot.ID)
		}
	}

	if len(entered) >= e.cfg.CoinJoinMinTrusted {
		e.runBatch(ctx, entered)
	}
}

// advanceWaitingDeposit reloads session id and forwards a matching deposit
// from deposit_address to the pool address, net of fee.
func (e *Engine) advanceWaitingDeposit(ctx context.Context, id string) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	c, err := e.store.GetCoinJoin(id)
	if err != nil {
		slog.Error("coinjoin monitor: failed to reload session", "id", id, "error", err)
		return
	}
	if c.IsTerminal() || c.Status != models.CoinJoinWaitingDeposit {
		return
	}

	if err := e.forwardToPool(ctx, c); err != nil {
		if apperr.IsTransient(err) {
			slog.Warn("coinjoin monitor: transient error forwarding deposit", "id", id, "error", err)
			return
		}
		c.Error = err.Error()
		c.Status = models.CoinJoinError
		if perr := e.store.SetCoinJoin(c); perr != nil {
			slog.Error("coinjoin monitor: failed to persist error state", "id", id, "error", perr)
		}
		return
	}

	if err := e.store.SetCoinJoin(c); err != nil {
		slog.Error("coinjoin monitor: failed to persist session; no automatic retry of any submitted transaction", "id", id, "error", err)
		return
	}
	e.notify()
}

// forwardToPool implements the trusted-mode entry step: a deposit matching
// FIXED_ENTRY ± ENTRY_TOLERANCE is forwarded to the pool address net of fee.
func (e *Engine) forwardToPool(ctx context.Context, c *models.CoinJoinSession) error {
	fixedEntry := amount.MustFromString(e.cfg.CoinJoinFixedEntry)
	tolerance := amount.MustFromString(e.cfg.CoinJoinEntryTolerance)
	minFee := amount.MustFromString(e.cfg.MinFee)
	dustThreshold := amount.MustFromString(e.cfg.DustThreshold)

	confirmed, err := e.utxo.ConfirmedUTXOs(ctx, c.DepositAddress, e.cfg.MinConfirmations)
	if err != nil {
		return err
	}
	if len(confirmed.UTXOs) == 0 {
		return nil
	}
	if !confirmed.Sum.WithinTolerance(fixedEntry, tolerance) {
		return nil
	}

	fee, err := feeutil.EstimateFee(ctx, e.client, len(confirmed.UTXOs), 1, minFee)
	if err != nil {
		return err
	}
	sendAmount := confirmed.Sum.Sub(fee)
	if sendAmount.Sign() <= 0 {
		return apperr.New(apperr.InsufficientFunds, "deposit does not cover the pool-forward fee")
	}

	depositKey, err := decodePrivateKey(c.DepositPrivateKey)
	if err != nil {
		return apperr.Wrap(apperr.Recovery, err, "decode deposit private key")
	}
	defer walletkey.Zero(depositKey)

	tx, err := txbuilder.BuildWithChange(e.PoolAddress, sendAmount, c.DepositAddress, confirmed.UTXOs, fee, dustThreshold, nil)
	if err != nil {
		return err
	}
	if _, err := txbuilder.Sign(tx, map[string]*btcec.PrivateKey{c.DepositAddress: depositKey}); err != nil {
		return apperr.Wrap(apperr.IntermediateSend, err, "sign pool forward")
	}
	txHex, err := txbuilder.Serialize(tx)
	if err != nil {
		return apperr.Wrap(apperr.IntermediateSend, err, "serialize pool forward")
	}
	if _, err := txbuilder.Submit(ctx, e.client, txHex); err != nil {
		return apperr.Wrap(apperr.IntermediateSend, err, "submit pool forward")
	}

	c.PoolContribution = sendAmount
	c.Status = models.CoinJoinEntered
	return nil
}

// runBatch groups entered session ids into sub-batches of at most
// MAX_OUTPUTS_PER_TX and pays each destination floor((pool − 1% fee) / N),
// the fee share and rounding remainder accumulating at the pool address
// (spec.md §4.9 trusted sub-protocol batcher).
func (e *Engine) runBatch(ctx context.Context, ids []string) {
	poolKey, err := decodePrivateKey(e.PoolPrivateKeyHex)
	if err != nil {
		slog.Error("coinjoin batcher: pool private key unavailable, skipping batch", "error", err)
		return
	}
	defer walletkey.Zero(poolKey)

	dustThreshold := amount.MustFromString(e.cfg.DustThreshold)

	for start := 0; start < len(ids); start += e.cfg.CoinJoinMaxOutputsPerTx {
		end := start + e.cfg.CoinJoinMaxOutputsPerTx
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		if err := e.runSubBatch(ctx, batch, poolKey, dustThreshold); err != nil {
			slog.Error("coinjoin batcher: sub-batch failed", "sessionCount", len(batch), "error", err)
			continue
		}
		e.notify()
	}
}

func (e *Engine) runSubBatch(ctx context.Context, ids []string, poolKey *btcec.PrivateKey, dustThreshold amount.Amount) error {
	sessions := make([]*models.CoinJoinSession, 0, len(ids))
	for _, id := range ids {
		c, err := e.store.GetCoinJoin(id)
		if err != nil {
			return err
		}
		if c.Status != models.CoinJoinEntered {
			continue
		}
		sessions = append(sessions, c)
	}
	if len(sessions) == 0 {
		return nil
	}

	confirmed, err := e.utxo.ConfirmedUTXOs(ctx, e.PoolAddress, e.cfg.MinConfirmations)
	if err != nil {
		return err
	}
	if len(confirmed.UTXOs) == 0 {
		return apperr.New(apperr.NoConfirmed, "no confirmed funds at pool address for batch payout")
	}

	mass := txbuilder.EstimateMass(len(confirmed.UTXOs), len(sessions))
	if mass > e.cfg.CoinJoinMaxStandardMass {
		return apperr.New(apperr.MassExceeded, "batch sub-transaction exceeds the standard mass limit; reduce MAX_OUTPUTS_PER_TX and rebatch")
	}

	n := int64(len(sessions))
	feeShare := confirmed.Sum.MulDiv(int64(e.cfg.CoinJoinFeeBps), 10_000)
	available := confirmed.Sum.Sub(feeShare)
	perDestination := available.MulDiv(1, n)
	if perDestination.LessThan(dustThreshold) {
		return apperr.New(apperr.InsufficientFunds, "pool balance too small to pay every destination above dust")
	}

	tx := &txbuilder.Transaction{}
	for _, u := range confirmed.UTXOs {
		tx.Inputs = append(tx.Inputs, txbuilder.InputFromUTXO(u))
	}
	for _, c := range sessions {
		tx.Outputs = append(tx.Outputs, txbuilder.Output{Address: c.DestinationAddress, Amount: perDestination})
	}
	// The fee share and the division remainder return to the pool address as
	// change, less the network fee for this payout.
	networkFee, err := feeutil.EstimateFee(ctx, e.client, len(tx.Inputs), len(tx.Outputs)+1, amount.MustFromString(e.cfg.MinFee))
	if err != nil {
		return apperr.Wrap(apperr.Payout, err, "estimate batch payout fee")
	}
	change := confirmed.Sum.Sub(perDestination.Mul(n)).Sub(networkFee)
	if !change.LessThan(dustThreshold) {
		tx.Outputs = append(tx.Outputs, txbuilder.Output{Address: e.PoolAddress, Amount: change})
	}

	if _, err := txbuilder.Sign(tx, map[string]*btcec.PrivateKey{e.PoolAddress: poolKey}); err != nil {
		return apperr.Wrap(apperr.Payout, err, "sign batch payout")
	}
	txHex, err := txbuilder.Serialize(tx)
	if err != nil {
		return apperr.Wrap(apperr.Payout, err, "serialize batch payout")
	}
	txID, err := txbuilder.Submit(ctx, e.client, txHex)
	if err != nil {
		return apperr.Wrap(apperr.Payout, err, "submit batch payout")
	}
	completedAt := time.Now().Unix()
	for _, c := range sessions {
		c.Status = models.CoinJoinCompleted
		c.CoinJoinTxID = txID
		c.CompletedAt = completedAt
		if err := e.store.SetCoinJoin(c); err != nil {
			slog.Error("coinjoin batcher: failed to persist completed session; no automatic retry of the submitted transaction", "id", c.ID, "error", err)
		}
	}
	if e.batchRecorder != nil {
		e.batchRecorder.RecordBatch(audit.BatchRecord{
			TxID:             txID,
			Mode:             "trusted",
			ParticipantCount: len(sessions),
			TotalAmount:      confirmed.Sum.String(),
			FeeAmount:        feeShare.String(),
			CompletedAt:      completedAt,
		})
	}
	return nil
}

// decodePrivateKey parses a hex-encoded secp256k1 private key.
func decodePrivateKey(hexKey string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key, nil
}
