// Package wallet implements the operator wallet operations of spec.md §6:
// importing a key or mnemonic, reading balance, sending, and estimating
// fees. Grounded on internal/mix's payout engine (same fee-estimate →
// proportional-or-single allocation → sign → submit → record shape,
// generalized from a session's fixed destinations to a single caller-given
// destination) and on the teacher's internal/wallet mnemonic derivation,
// now delegated to internal/walletkey.
package wallet

import (
	"context"
	"encoding/hex"
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

// Service implements the wallet.* operations against the single persisted
// wallet record.
type Service struct {
	store  *store.WalletStore
	client rpcclient.Client
	utxo   *utxoutil.Helper
	cfg    *config.Config
}

// NewService constructs a wallet service.
func NewService(s *store.WalletStore, client rpcclient.Client, utxo *utxoutil.Helper, cfg *config.Config) *Service {
	return &Service{store: s, client: client, utxo: utxo, cfg: cfg}
}

// ImportKey implements wallet.import_key: a raw hex private key is adopted
// as the operator's wallet, replacing any existing import.
func (s *Service) ImportKey(hexKey string) (*models.Wallet, error) {
	key, address, err := walletkey.ImportPrivateKeyHex(hexKey)
	if err != nil {
		return nil, err
	}
	defer walletkey.Zero(key)

	w := &models.Wallet{
		Address:       address,
		PrivateKeyHex: hexKey,
		ImportedAt:    time.Now().Unix(),
	}
	if err := s.store.Set(w); err != nil {
		return nil, err
	}
	return w, nil
}

// ImportMnemonic implements wallet.import_mnemonic: a BIP-39 phrase is
// derived along the fixed account path and adopted as the operator's wallet.
func (s *Service) ImportMnemonic(phrase, passphrase string) (*models.Wallet, error) {
	master, err := walletkey.MasterKeyFromMnemonic(phrase, passphrase)
	if err != nil {
		return nil, err
	}
	key, err := walletkey.DeriveAccountKey(master)
	if err != nil {
		return nil, apperr.Wrap(apperr.BadInput, err, "derive account key from mnemonic")
	}
	defer walletkey.Zero(key)

	kpub, err := walletkey.ExtendedPublicKey(master)
	if err != nil {
		return nil, apperr.Wrap(apperr.BadInput, err, "derive extended public key from mnemonic")
	}

	w := &models.Wallet{
		Address:        walletkey.AddressFromPrivateKey(key),
		PrivateKeyHex:  hex.EncodeToString(key.Serialize()),
		ImportedAt:     time.Now().Unix(),
		Kpub:           kpub,
		DerivationPath: walletkey.DerivationPath,
	}
	if err := s.store.Set(w); err != nil {
		return nil, err
	}
	return w, nil
}

// Remove implements wallet.remove: deletes the wallet record entirely.
func (s *Service) Remove() error {
	return s.store.Remove()
}

// Balance implements wallet.balance: confirmed/unconfirmed/total/mature
// amounts and UTXO count for the imported wallet's address.
func (s *Service) Balance(ctx context.Context) (*models.Balance, error) {
	w, err := s.store.Get()
	if err != nil {
		return nil, err
	}

	all, err := s.utxo.FetchUTXOs(ctx, w.Address)
	if err != nil {
		return nil, err
	}
	confirmed, err := s.utxo.ConfirmedUTXOs(ctx, w.Address, s.cfg.MinConfirmations)
	if err != nil {
		return nil, err
	}

	total := amount.Zero()
	for _, u := range all {
		total = total.Add(u.Amount)
	}
	unconfirmed := total.Sub(confirmed.Sum)

	return &models.Balance{
		Confirmed:   confirmed.Sum,
		Unconfirmed: unconfirmed,
		Total:       total,
		Mature:      confirmed.Sum,
		UTXOCount:   len(all),
	}, nil
}

// SendResult is the wallet.send response shape.
type SendResult struct {
	TxID   string        `json:"tx_id"`
	Amount amount.Amount `json:"amount"`
	Fee    amount.Amount `json:"fee"`
	Change amount.Amount `json:"change"`
}

// Send implements wallet.send: builds a single send-with-change transaction
// from the wallet's confirmed UTXOs, signs with the imported key, submits,
// and records the transfer in the transaction-history ring.
func (s *Service) Send(ctx context.Context, to string, sendAmount amount.Amount) (*SendResult, error) {
	if err := walletkey.ValidateAddress(to); err != nil {
		return nil, err
	}
	if sendAmount.Sign() <= 0 {
		return nil, apperr.New(apperr.BadInput, "send amount must be positive")
	}

	w, err := s.store.Get()
	if err != nil {
		return nil, err
	}

	confirmed, err := s.utxo.ConfirmedUTXOs(ctx, w.Address, s.cfg.MinConfirmations)
	if err != nil {
		return nil, err
	}
	if len(confirmed.UTXOs) == 0 {
		return nil, apperr.New(apperr.NoConfirmed, "no confirmed funds available to send")
	}

	minFee := amount.MustFromString(s.cfg.MinFee)
	dustThreshold := amount.MustFromString(s.cfg.DustThreshold)

	fee, err := feeutil.EstimateFee(ctx, s.client, len(confirmed.UTXOs), 2, minFee)
	if err != nil {
		return nil, err
	}

	tx, err := txbuilder.BuildWithChange(to, sendAmount, w.Address, confirmed.UTXOs, fee, dustThreshold, nil)
	if err != nil {
		return nil, err
	}

	key, err := decodePrivateKey(w.PrivateKeyHex)
	if err != nil {
		return nil, apperr.Wrap(apperr.BadInput, err, "decode wallet private key")
	}
	defer walletkey.Zero(key)

	if _, err := txbuilder.Sign(tx, map[string]*btcec.PrivateKey{w.Address: key}); err != nil {
		return nil, apperr.Wrap(apperr.BadInput, err, "sign send transaction")
	}
	txHex, err := txbuilder.Serialize(tx)
	if err != nil {
		return nil, apperr.Wrap(apperr.BadInput, err, "serialize send transaction")
	}

	txID, err := txbuilder.Submit(ctx, s.client, txHex)
	if err != nil {
		return nil, err
	}

	change := amount.Zero()
	if len(tx.Outputs) == 2 {
		change = tx.Outputs[1].Amount
	}

	_ = s.store.AppendTxHistory(models.WalletTransaction{
		TxID:         txID,
		Direction:    "send",
		Amount:       sendAmount,
		Fee:          fee,
		Counterparty: to,
		CreatedAt:    time.Now().Unix(),
	})

	return &SendResult{TxID: txID, Amount: sendAmount, Fee: fee, Change: change}, nil
}

// FeeBreakdown is the wallet.estimate_fee response shape.
type FeeBreakdown struct {
	Fee           amount.Amount `json:"fee"`
	EstimatedSend amount.Amount `json:"estimated_send"`
	Change        amount.Amount `json:"change"`
}

// EstimateFee implements wallet.estimate_fee: runs the same build path as
// Send but stops short of signing or submitting.
func (s *Service) EstimateFee(ctx context.Context, to string, sendAmount amount.Amount) (*FeeBreakdown, error) {
	if err := walletkey.ValidateAddress(to); err != nil {
		return nil, err
	}
	if sendAmount.Sign() <= 0 {
		return nil, apperr.New(apperr.BadInput, "send amount must be positive")
	}

	w, err := s.store.Get()
	if err != nil {
		return nil, err
	}

	confirmed, err := s.utxo.ConfirmedUTXOs(ctx, w.Address, s.cfg.MinConfirmations)
	if err != nil {
		return nil, err
	}
	if len(confirmed.UTXOs) == 0 {
		return nil, apperr.New(apperr.NoConfirmed, "no confirmed funds available to estimate against")
	}

	minFee := amount.MustFromString(s.cfg.MinFee)
	dustThreshold := amount.MustFromString(s.cfg.DustThreshold)

	fee, err := feeutil.EstimateFee(ctx, s.client, len(confirmed.UTXOs), 2, minFee)
	if err != nil {
		return nil, err
	}

	tx, err := txbuilder.BuildWithChange(to, sendAmount, w.Address, confirmed.UTXOs, fee, dustThreshold, nil)
	if err != nil {
		return nil, err
	}

	change := amount.Zero()
	if len(tx.Outputs) == 2 {
		change = tx.Outputs[1].Amount
	}

	return &FeeBreakdown{Fee: fee, EstimatedSend: sendAmount, Change: change}, nil
}

// ListTransactions implements the supplemented wallet.transactions.list
// operation (SPEC_FULL.md): a page of the bounded transaction-history ring.
func (s *Service) ListTransactions(page, pageSize int) ([]models.WalletTransaction, int, error) {
	return s.store.ListTransactions(page, pageSize)
}

// AddAddressBookEntry implements wallet.address_book.add.
func (s *Service) AddAddressBookEntry(address, label, category string) (*models.AddressBookEntry, error) {
	if err := walletkey.ValidateAddress(address); err != nil {
		return nil, err
	}
	return s.store.AddAddressBookEntry(address, label, category, time.Now().Unix())
}

// ListAddressBook implements wallet.address_book.list.
func (s *Service) ListAddressBook() ([]models.AddressBookEntry, error) {
	return s.store.ListAddressBook()
}

// RemoveAddressBookEntry implements wallet.address_book.remove.
func (s *Service) RemoveAddressBookEntry(id string) error {
	return s.store.RemoveAddressBookEntry(id)
}

func decodePrivateKey(hexKey string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key, nil
}
