package store

import (
	"encoding/json"
	"errors"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/config"
	"github.com/opsnode/kasmix/internal/models"
)

// WalletStore is the durable single-record wallet.json file (spec.md §4.2):
// imported key, derived address, bounded transaction history, address book.
// Same atomicity guarantee as SessionStore.
type WalletStore struct {
	mu   sync.Mutex
	path string
}

// NewWalletStore opens the wallet store at path. The file need not exist yet;
// Get returns NotFound until Set is called.
func NewWalletStore(path string) *WalletStore {
	return &WalletStore{path: path}
}

// Get reads the current wallet record.
func (s *WalletStore) Get() (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *WalletStore) readLocked() (*models.Wallet, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.New(apperr.NotFound, "no wallet imported")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreCorrupt, err, "read wallet store")
	}
	var w models.Wallet
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, apperr.Wrap(apperr.StoreCorrupt, err, "wallet store is not valid JSON")
	}
	return &w, nil
}

// Set replaces the wallet record and persists it atomically.
func (s *WalletStore) Set(w *models.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(w)
}

func (s *WalletStore) writeLocked(w *models.Wallet) error {
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.StoreWriteFailed, err, "marshal wallet store")
	}
	if err := atomicWriteFile(s.path, data, 0o600); err != nil {
		return apperr.Wrap(apperr.StoreWriteFailed, err, "write wallet store")
	}
	return nil
}

// Remove deletes the wallet file entirely (spec.md §4.2).
func (s *WalletStore) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperr.Wrap(apperr.StoreWriteFailed, err, "remove wallet store")
	}
	return nil
}

// AppendTxHistory prepends a transaction to the history ring, capping it at
// config.TxHistoryRingCap entries newest-first (spec.md §3, §4.2).
func (s *WalletStore) AppendTxHistory(tx models.WalletTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.readLocked()
	if err != nil {
		return err
	}

	w.TransactionHistory = append([]models.WalletTransaction{tx}, w.TransactionHistory...)
	if len(w.TransactionHistory) > config.TxHistoryRingCap {
		w.TransactionHistory = w.TransactionHistory[:config.TxHistoryRingCap]
	}

	return s.writeLocked(w)
}

// ListTransactions returns a page of the transaction history, newest-first.
func (s *WalletStore) ListTransactions(page, pageSize int) ([]models.WalletTransaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.readLocked()
	if err != nil {
		return nil, 0, err
	}

	total := len(w.TransactionHistory)
	start := (page - 1) * pageSize
	if start >= total || start < 0 {
		return []models.WalletTransaction{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return w.TransactionHistory[start:end], total, nil
}

// AddAddressBookEntry appends a new address book entry (supplemented
// feature 3, SPEC_FULL.md).
func (s *WalletStore) AddAddressBookEntry(address, label, category string, now int64) (*models.AddressBookEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.readLocked()
	if err != nil {
		return nil, err
	}

	entry := models.AddressBookEntry{
		ID:      uuid.New().String(),
		Address: address,
		Label:   label,
		Category: category,
		AddedAt: now,
	}
	w.AddressBook = append(w.AddressBook, entry)

	if err := s.writeLocked(w); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListAddressBook returns all saved address book entries.
func (s *WalletStore) ListAddressBook() ([]models.AddressBookEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	return w.AddressBook, nil
}

// RemoveAddressBookEntry removes the entry with the given id.
func (s *WalletStore) RemoveAddressBookEntry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.readLocked()
	if err != nil {
		return err
	}

	filtered := w.AddressBook[:0]
	found := false
	for _, e := range w.AddressBook {
		if e.ID == id {
			found = true
			continue
		}
		filtered = append(filtered, e)
	}
	if !found {
		return apperr.New(apperr.NotFound, "address book entry "+id+" not found")
	}
	w.AddressBook = filtered

	return s.writeLocked(w)
}
