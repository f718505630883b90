package coinjoin

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/models"
	"github.com/opsnode/kasmix/internal/walletkey"
)

// CreateTrusted implements spec.md §6's coinjoin.create for the trusted
// sub-protocol: a fresh single-use deposit address is minted; the session
// starts at waiting_deposit awaiting a FIXED_ENTRY ± ENTRY_TOLERANCE
// deposit (spec.md §4.9).
func (e *Engine) CreateTrusted(ctx context.Context, destinationAddress string) (*models.CoinJoinSession, error) {
	if destinationAddress == "" {
		return nil, apperr.New(apperr.BadInput, "destination address is required")
	}

	key, address, err := walletkey.GenerateKeyPair()
	if err != nil {
		return nil, apperr.Wrap(apperr.BadInput, err, "generate deposit key pair")
	}
	keyHex := hex.EncodeToString(key.Serialize())
	walletkey.Zero(key)

	now := time.Now().Unix()
	c := &models.CoinJoinSession{
		Session: models.Session{
			ID:        uuid.NewString(),
			Type:      models.SessionCoinJoin,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Status:             models.CoinJoinWaitingDeposit,
		ZeroTrustMode:      false,
		DepositAddress:     address,
		DepositPrivateKey:  keyHex,
		DestinationAddress: destinationAddress,
	}
	if err := e.store.SetCoinJoin(c); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateZeroTrust implements spec.md §6's coinjoin.create for the
// zero-trust sub-protocol: the session starts at committed, awaiting the
// caller's own Commit call with the UTXOs it intends to contribute
// (spec.md §4.9 Commit).
func (e *Engine) CreateZeroTrust(ctx context.Context) (*models.CoinJoinSession, error) {
	now := time.Now().Unix()
	c := &models.CoinJoinSession{
		Session: models.Session{
			ID:        uuid.NewString(),
			Type:      models.SessionCoinJoin,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Status:        models.CoinJoinCommitted,
		ZeroTrustMode: true,
	}
	if err := e.store.SetCoinJoin(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Stats implements spec.md §6's coinjoin.stats: counts of sessions by
// sub-protocol and status, useful to an operator dashboard or a lobby
// waiting-room display.
type Stats struct {
	TrustedWaiting    int `json:"trusted_waiting"`
	TrustedEntered    int `json:"trusted_entered"`
	TrustedCompleted  int `json:"trusted_completed"`
	ZeroTrustCommitted int `json:"zero_trust_committed"`
	ZeroTrustRevealed  int `json:"zero_trust_revealed"`
	ZeroTrustCompleted int `json:"zero_trust_completed"`
	Errored            int `json:"errored"`
}

func (e *Engine) Stats() (*Stats, error) {
	sessions, err := e.store.EnumerateCoinJoin()
	if err != nil {
		return nil, err
	}
	stats := &Stats{}
	for _, c := range sessions {
		if c.Status == models.CoinJoinError {
			stats.Errored++
			continue
		}
		if c.ZeroTrustMode {
			switch c.Status {
			case models.CoinJoinCommitted:
				stats.ZeroTrustCommitted++
			case models.CoinJoinRevealed:
				stats.ZeroTrustRevealed++
			case models.CoinJoinCompleted:
				stats.ZeroTrustCompleted++
			}
			continue
		}
		switch c.Status {
		case models.CoinJoinWaitingDeposit:
			stats.TrustedWaiting++
		case models.CoinJoinEntered, models.CoinJoinReadyForBatch:
			stats.TrustedEntered++
		case models.CoinJoinCompleted:
			stats.TrustedCompleted++
		}
	}
	return stats, nil
}
