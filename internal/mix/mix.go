// Package mix implements the mix-session state machine and payout engine
// (spec.md §4.7): a periodic monitor sweep over every non-terminal mix
// session, advancing each one step at a time. Grounded on the teacher's
// internal/poller/watcher orchestrator, generalized from a goroutine-per-
// watch model to a single periodic sweep, matching spec.md's "monitor
// (period 10s)" framing.
package mix

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/config"
	"github.com/opsnode/kasmix/internal/feeutil"
	"github.com/opsnode/kasmix/internal/models"
	"github.com/opsnode/kasmix/internal/rpcclient"
	"github.com/opsnode/kasmix/internal/store"
	"github.com/opsnode/kasmix/internal/txbuilder"
	"github.com/opsnode/kasmix/internal/utxoutil"
	"github.com/opsnode/kasmix/internal/walletkey"
)

// Engine drives the mix state machine against a session store, a chain RPC
// client, and the shared UTXO helper.
type Engine struct {
	store  *store.SessionStore
	client rpcclient.Client
	utxo   *utxoutil.Helper
	cfg    *config.Config

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewEngine constructs a mix engine.
func NewEngine(s *store.SessionStore, client rpcclient.Client, utxo *utxoutil.Helper, cfg *config.Config) *Engine {
	return &Engine{
		store:  s,
		client: client,
		utxo:   utxo,
		cfg:    cfg,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-session mutex for id, creating it on first use.
// Serializes the monitor sweep against concurrent API-triggered recovery
// for the same session (spec.md §4.8 shares this engine).
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

// Run ticks the monitor every cfg.MixMonitorEvery seconds until ctx is
// cancelled, sweeping once immediately on start.
func (e *Engine) Run(ctx context.Context) {
	e.RunOnce(ctx)

	ticker := time.NewTicker(time.Duration(e.cfg.MixMonitorEvery) * time.Second)
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

// RunOnce sweeps every mix session once, advancing non-terminal ones a
// single state transition (spec.md §4.7's monitor body).
func (e *Engine) RunOnce(ctx context.Context) {
	sessions, err := e.store.EnumerateMix()
	if err != nil {
		slog.Error("mix monitor: failed to enumerate sessions", "error", err)
		return
	}

	for _, snapshot := range sessions {
		if snapshot.IsTerminal() {
			continue
		}
		e.AdvanceSession(ctx, snapshot.ID)
	}
}

// AdvanceSession reloads session id fresh from the store, advances it one
// step, and persists the result. Used by both the periodic monitor and
// session recovery (internal/recovery).
func (e *Engine) AdvanceSession(ctx context.Context, id string) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.store.GetMix(id)
	if err != nil {
		slog.Error("mix monitor: failed to reload session", "id", id, "error", err)
		return
	}
	if m.IsTerminal() {
		return
	}

	if err := e.advance(ctx, m); err != nil {
		if apperr.IsTransient(err) {
			slog.Warn("mix monitor: transient error, will retry", "id", id, "status", m.Status, "error", err)
			return
		}
		m.Error = err.Error()
		m.Status = models.MixError
		if perr := e.store.SetMix(m); perr != nil {
			slog.Error("mix monitor: failed to persist error state", "id", id, "error", perr)
		}
		return
	}

	if err := e.store.SetMix(m); err != nil {
		slog.Error("mix monitor: failed to persist session; no automatic retry of any submitted transaction", "id", id, "error", err)
	}
}

// advance mutates m in place by exactly one state transition, per spec.md
// §4.7. It never persists; the caller owns that.
func (e *Engine) advance(ctx context.Context, m *models.MixSession) error {
	switch m.Status {
	case models.MixWaitingDeposit:
		return e.handleWaitingDeposit(ctx, m)
	case models.MixDepositReceived:
		return e.handleDepositReceived(ctx, m)
	case models.MixSentToIntermediate:
		return e.handleSentToIntermediate(ctx, m)
	case models.MixIntermediateConfirmed:
		return e.handleIntermediateConfirmed(ctx, m)
	default:
		return nil
	}
}

// handleWaitingDeposit checks for confirmed funds at deposit_address; once
// Σ ≥ amount it mints the intermediate key pair and advances. The private
// key is set on m before the caller's single SetMix call, so it is never
// persisted separately from the transition that depends on it.
func (e *Engine) handleWaitingDeposit(ctx context.Context, m *models.MixSession) error {
	confirmed, err := e.utxo.ConfirmedUTXOs(ctx, m.DepositAddress, e.cfg.MinConfirmations)
	if err != nil {
		return err
	}
	if confirmed.Sum.LessThan(m.Amount) {
		return nil
	}

	key, addr, err := walletkey.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("mint intermediate key: %w", err)
	}
	m.IntermediateAddress = addr
	m.IntermediatePrivateKey = hex.EncodeToString(key.Serialize())
	walletkey.Zero(key)
	m.ReceivedAmount = confirmed.Sum
	m.Status = models.MixDepositReceived
	return nil
}

// handleDepositReceived sweeps deposit_address to intermediate_address,
// subtracting the fee from the send amount so intermediate receives
// amount − fee.
func (e *Engine) handleDepositReceived(ctx context.Context, m *models.MixSession) error {
	confirmed, err := e.utxo.ConfirmedUTXOs(ctx, m.DepositAddress, e.cfg.MinConfirmations)
	if err != nil {
		return err
	}
	if len(confirmed.UTXOs) == 0 {
		return apperr.New(apperr.NoConfirmed, "no confirmed funds at deposit address")
	}

	minFee := amount.MustFromString(e.cfg.MinFee)
	dustThreshold := amount.MustFromString(e.cfg.DustThreshold)

	fee, err := feeutil.EstimateFee(ctx, e.client, len(confirmed.UTXOs), 1, minFee)
	if err != nil {
		return err
	}
	sendAmount := m.ReceivedAmount.Sub(fee)
	if sendAmount.Sign() <= 0 {
		return apperr.New(apperr.InsufficientFunds, "deposit does not cover the intermediate-send fee")
	}

	depositKey, err := decodePrivateKey(m.DepositPrivateKey)
	if err != nil {
		return apperr.Wrap(apperr.Recovery, err, "decode deposit private key")
	}
	defer walletkey.Zero(depositKey)

	tx, err := txbuilder.BuildWithChange(m.IntermediateAddress, sendAmount, m.DepositAddress, confirmed.UTXOs, fee, dustThreshold, nil)
	if err != nil {
		return err
	}
	if _, err := txbuilder.Sign(tx, map[string]*btcec.PrivateKey{m.DepositAddress: depositKey}); err != nil {
		return apperr.Wrap(apperr.IntermediateSend, err, "sign intermediate send")
	}
	txHex, err := txbuilder.Serialize(tx)
	if err != nil {
		return apperr.Wrap(apperr.IntermediateSend, err, "serialize intermediate send")
	}

	txID, err := txbuilder.Submit(ctx, e.client, txHex)
	if err != nil {
		return apperr.Wrap(apperr.IntermediateSend, err, "submit intermediate send")
	}

	m.IntermediateTxID = txID
	m.Status = models.MixSentToIntermediate
	return nil
}

// handleSentToIntermediate waits for a confirmed UTXO at intermediate_address,
// then arms the randomized payout delay.
func (e *Engine) handleSentToIntermediate(ctx context.Context, m *models.MixSession) error {
	confirmed, err := e.utxo.ConfirmedUTXOs(ctx, m.IntermediateAddress, e.cfg.MinConfirmations)
	if err != nil {
		return err
	}
	if len(confirmed.UTXOs) == 0 {
		return nil
	}

	m.IntermediateConfirmed = true
	m.IntermediateDelayUntil = randomDelayUntil(e.cfg.MixMinDelayMs, e.cfg.MixMaxDelayMs)
	m.Status = models.MixIntermediateConfirmed
	return nil
}

// handleIntermediateConfirmed waits out the randomized delay then runs the
// payout engine.
func (e *Engine) handleIntermediateConfirmed(ctx context.Context, m *models.MixSession) error {
	if !m.IntermediateConfirmed {
		return nil
	}
	if len(m.PayoutTxIDs) > 0 {
		m.Status = models.MixConfirmed
		return nil
	}
	if time.Now().UnixMilli() < m.IntermediateDelayUntil {
		return nil
	}
	return e.runPayout(ctx, m)
}

// runPayout is the payout engine of spec.md §4.7: refetch confirmed funds,
// estimate and recompute the fee, allocate proportionally, sign with
// intermediate_private_key, submit, and transition to confirmed.
func (e *Engine) runPayout(ctx context.Context, m *models.MixSession) error {
	confirmed, err := e.utxo.ConfirmedUTXOs(ctx, m.IntermediateAddress, e.cfg.MinConfirmations)
	if err != nil {
		return err
	}
	if len(confirmed.UTXOs) == 0 {
		return apperr.New(apperr.NoConfirmed, "no confirmed funds at intermediate address for payout")
	}

	minFee := amount.MustFromString(e.cfg.MinFee)
	dustThreshold := amount.MustFromString(e.cfg.DustThreshold)

	initialFee, err := feeutil.EstimateFee(ctx, e.client, len(confirmed.UTXOs), len(m.Destinations), minFee)
	if err != nil {
		return err
	}

	result, err := feeutil.RecomputePayout(ctx, e.client, m.Destinations, confirmed.Sum, initialFee, dustThreshold, minFee)
	if err != nil {
		return apperr.Wrap(apperr.Payout, err, "recompute payout")
	}

	intermediateKey, err := decodePrivateKey(m.IntermediatePrivateKey)
	if err != nil {
		return apperr.Wrap(apperr.Recovery, err, "decode intermediate private key")
	}
	defer walletkey.Zero(intermediateKey)

	tx := &txbuilder.Transaction{}
	for _, u := range confirmed.UTXOs {
		tx.Inputs = append(tx.Inputs, txbuilder.InputFromUTXO(u))
	}
	for i, dest := range m.Destinations {
		tx.Outputs = append(tx.Outputs, txbuilder.Output{Address: dest.Address, Amount: result.Outputs[i]})
	}

	if _, err := txbuilder.Sign(tx, map[string]*btcec.PrivateKey{m.IntermediateAddress: intermediateKey}); err != nil {
		return apperr.Wrap(apperr.Payout, err, "sign payout")
	}
	txHex, err := txbuilder.Serialize(tx)
	if err != nil {
		return apperr.Wrap(apperr.Payout, err, "serialize payout")
	}

	txID, err := txbuilder.Submit(ctx, e.client, txHex)
	if err != nil {
		return apperr.Wrap(apperr.Payout, err, "submit payout")
	}

	m.PayoutTxIDs = []string{txID}
	m.Status = models.MixConfirmed
	return nil
}

// Recover reconstructs session id's state by inspecting the chain directly,
// rather than trusting the stored status (spec.md §4.8). It is invoked for
// an arbitrary session id — typically one an operator flags as stuck, or
// every non-terminal session on process startup ([[internal-recovery]]) —
// and is safe to call on a session that is already perfectly in sync: every
// branch first checks whether its corrective action is still needed.
func (e *Engine) Recover(ctx context.Context, id string) error {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.store.GetMix(id)
	if err != nil {
		return err
	}
	if m.IsTerminal() {
		return nil
	}

	if err := e.recover(ctx, m); err != nil {
		if apperr.IsTransient(err) {
			return err
		}
		m.Error = err.Error()
		m.Status = models.MixError
		if perr := e.store.SetMix(m); perr != nil {
			slog.Error("mix recovery: failed to persist error state", "id", id, "error", perr)
		}
		return err
	}

	if err := e.store.SetMix(m); err != nil {
		slog.Error("mix recovery: failed to persist recovered session", "id", id, "error", err)
		return err
	}
	return nil
}

// recover implements spec.md §4.8's four reconstruction rules in order of
// how far the session has progressed on-chain.
func (e *Engine) recover(ctx context.Context, m *models.MixSession) error {
	if m.IntermediateAddress == "" {
		confirmed, err := e.utxo.ConfirmedUTXOs(ctx, m.DepositAddress, e.cfg.MinConfirmations)
		if err != nil {
			return err
		}
		if confirmed.Sum.LessThan(m.Amount) {
			return nil
		}
		return e.handleWaitingDeposit(ctx, m)
	}

	confirmedAtIntermediate, err := e.utxo.ConfirmedUTXOs(ctx, m.IntermediateAddress, e.cfg.MinConfirmations)
	if err != nil {
		return err
	}
	if len(confirmedAtIntermediate.UTXOs) == 0 {
		return nil
	}

	if m.IntermediatePrivateKey == "" {
		return apperr.New(apperr.Recovery, "funds stuck, key missing")
	}

	if !m.IntermediateConfirmed || m.Status == models.MixDepositReceived || m.Status == models.MixSentToIntermediate {
		m.IntermediateConfirmed = true
		m.IntermediateDelayUntil = randomDelayUntil(e.cfg.MixMinDelayMs, e.cfg.MixMaxDelayMs)
		m.Status = models.MixIntermediateConfirmed
		return nil
	}

	if len(m.PayoutTxIDs) > 0 {
		m.Status = models.MixConfirmed
		return nil
	}
	if time.Now().UnixMilli() < m.IntermediateDelayUntil {
		return nil
	}
	return e.runPayout(ctx, m)
}

// decodePrivateKey parses a hex-encoded secp256k1 private key, as persisted
// on MixSession.DepositPrivateKey / IntermediatePrivateKey.
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

// randomDelayUntil returns the unix-millisecond deadline now + a uniform
// random delay in [minMs, maxMs] (spec.md §4.7: MIN=60_000, MAX=120_000).
func randomDelayUntil(minMs, maxMs int) int64 {
	span := maxMs - minMs
	delay := minMs
	if span > 0 {
		delay += rand.Intn(span + 1)
	}
	return time.Now().Add(time.Duration(delay) * time.Millisecond).UnixMilli()
}
