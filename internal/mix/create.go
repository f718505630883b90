package mix

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/models"
	"github.com/opsnode/kasmix/internal/walletkey"
)

// maxDestinations is spec.md §7's BadInput bound: a mix session may pay out
// to at most 10 destinations.
const maxDestinations = 10

// Create implements spec.md §6's mix.create: validates 1-10 destinations
// whose amounts sum exactly to total, mints a fresh single-use deposit
// address, and starts the session at waiting_deposit.
func (e *Engine) Create(destinations []models.Destination, total amount.Amount) (*models.MixSession, error) {
	if len(destinations) == 0 || len(destinations) > maxDestinations {
		return nil, apperr.New(apperr.BadInput, "mix requires 1-10 destinations")
	}

	sum := amount.Zero()
	for _, d := range destinations {
		if err := walletkey.ValidateAddress(d.Address); err != nil {
			return nil, err
		}
		if d.Amount.Sign() <= 0 {
			return nil, apperr.New(apperr.BadInput, "destination amount must be positive")
		}
		sum = sum.Add(d.Amount)
	}
	if sum.Cmp(total) != 0 {
		return nil, apperr.New(apperr.BadInput, "destination amounts do not sum to total")
	}

	key, address, err := walletkey.GenerateKeyPair()
	if err != nil {
		return nil, apperr.Wrap(apperr.BadInput, err, "generate deposit key pair")
	}
	keyHex := hex.EncodeToString(key.Serialize())
	walletkey.Zero(key)

	now := time.Now().Unix()
	m := &models.MixSession{
		Session: models.Session{
			ID:        uuid.NewString(),
			Type:      models.SessionMix,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Status:            models.MixWaitingDeposit,
		Amount:            total,
		Destinations:      destinations,
		DepositAddress:    address,
		DepositPrivateKey: keyHex,
	}
	if err := e.store.SetMix(m); err != nil {
		return nil, err
	}
	return m, nil
}
