package store

import (
	"encoding/json"
	"errors"
	"os"
	"sync"

	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/models"
)

// SettingsStore is the durable settings.json file (spec.md §6): node mode
// and last-updated timestamp. Same atomicity guarantee as the other stores.
type SettingsStore struct {
	mu   sync.Mutex
	path string
}

// NewSettingsStore opens the settings store at path.
func NewSettingsStore(path string) *SettingsStore {
	return &SettingsStore{path: path}
}

// Get reads the current settings, defaulting to "public" node mode if the
// file has never been written.
func (s *SettingsStore) Get() (*models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &models.Settings{NodeMode: "public"}, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreCorrupt, err, "read settings store")
	}
	var set models.Settings
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, apperr.Wrap(apperr.StoreCorrupt, err, "settings store is not valid JSON")
	}
	return &set, nil
}

// Set replaces the settings record and persists it atomically.
func (s *SettingsStore) Set(set *models.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.StoreWriteFailed, err, "marshal settings store")
	}
	if err := atomicWriteFile(s.path, data, 0o600); err != nil {
		return apperr.Wrap(apperr.StoreWriteFailed, err, "write settings store")
	}
	return nil
}
