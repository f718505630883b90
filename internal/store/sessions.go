package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/models"
)

// sessionEnvelope carries only enough to discriminate the session type
// before unmarshalling the rest into the concrete record.
type sessionEnvelope struct {
	Type models.SessionType `json:"type"`
}

// statusEnvelope reads just the status field, common to both session
// kinds under the same json tag, so the store can report a transition's
// "from" state to an Auditor without fully decoding the concrete type.
type statusEnvelope struct {
	Status string `json:"status"`
}

// Auditor receives a best-effort notification of every session write, so
// the store can mirror state transitions into a queryable side index
// (spec.md supplemented feature 5, `internal/audit`) without the store
// itself depending on sqlite, and without any engine call site having to
// remember to audit its own transitions.
type Auditor interface {
	RecordTransition(sessionID string, sessionType models.SessionType, fromStatus, toStatus, effect string, occurredAt int64)
}

// SessionStore is the durable map of session id -> session record
// (spec.md §4.1): a single sessions.json file holding both mix and
// CoinJoin sessions, discriminated by their `type` field, written
// atomically on every mutation.
type SessionStore struct {
	mu      sync.RWMutex
	path    string
	cache   map[string]json.RawMessage
	auditor Auditor
}

// NewSessionStore opens (or lazily creates) the session store at path.
func NewSessionStore(path string) (*SessionStore, error) {
	s := &SessionStore{path: path, cache: map[string]json.RawMessage{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetAuditor attaches the side index that every subsequent SetMix/
// SetCoinJoin transition is mirrored into. Optional; a nil auditor (the
// default) means no audit trail is kept, matching the teacher's pattern
// of an optional sqlite sink alongside the file store of record.
func (s *SessionStore) SetAuditor(a Auditor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditor = a
}

func (s *SessionStore) priorStatus(id string) string {
	raw, ok := s.cache[id]
	if !ok {
		return ""
	}
	var env statusEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return env.Status
}

func (s *SessionStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.StoreCorrupt, err, "read sessions store")
	}
	if len(data) == 0 {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return apperr.Wrap(apperr.StoreCorrupt, err, "sessions store is not valid JSON")
	}
	s.cache = raw
	return nil
}

// persist writes the full in-memory snapshot atomically. Caller must hold s.mu.
func (s *SessionStore) persist() error {
	data, err := json.MarshalIndent(s.cache, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.StoreWriteFailed, err, "marshal sessions store")
	}
	if err := atomicWriteFile(s.path, data, 0o600); err != nil {
		return apperr.Wrap(apperr.StoreWriteFailed, err, "write sessions store")
	}
	return nil
}

// GetMix returns the mix session with the given id.
func (s *SessionStore) GetMix(id string) (*models.MixSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.cache[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("mix session %s not found", id))
	}
	var m models.MixSession
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperr.Wrap(apperr.StoreCorrupt, err, "decode mix session "+id)
	}
	return &m, nil
}

// GetCoinJoin returns the CoinJoin session with the given id.
func (s *SessionStore) GetCoinJoin(id string) (*models.CoinJoinSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.cache[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("coinjoin session %s not found", id))
	}
	var c models.CoinJoinSession
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, apperr.Wrap(apperr.StoreCorrupt, err, "decode coinjoin session "+id)
	}
	return &c, nil
}

// TypeOf reports the session type for id without decoding the full record.
func (s *SessionStore) TypeOf(id string) (models.SessionType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.cache[id]
	if !ok {
		return "", apperr.New(apperr.NotFound, fmt.Sprintf("session %s not found", id))
	}
	var env sessionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", apperr.Wrap(apperr.StoreCorrupt, err, "decode session envelope "+id)
	}
	return env.Type, nil
}

// SetMix inserts or replaces a mix session and persists the store.
func (s *SessionStore) SetMix(m *models.MixSession) error {
	data, err := json.Marshal(m)
	if err != nil {
		return apperr.Wrap(apperr.StoreWriteFailed, err, "marshal mix session "+m.ID)
	}

	s.mu.Lock()
	from := s.priorStatus(m.ID)
	s.cache[m.ID] = data
	err = s.persist()
	auditor := s.auditor
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if auditor != nil {
		auditor.RecordTransition(m.ID, models.SessionMix, from, string(m.Status), m.Error, m.UpdatedAt)
	}
	return nil
}

// SetCoinJoin inserts or replaces a CoinJoin session and persists the store.
func (s *SessionStore) SetCoinJoin(c *models.CoinJoinSession) error {
	data, err := json.Marshal(c)
	if err != nil {
		return apperr.Wrap(apperr.StoreWriteFailed, err, "marshal coinjoin session "+c.ID)
	}

	s.mu.Lock()
	from := s.priorStatus(c.ID)
	s.cache[c.ID] = data
	err = s.persist()
	auditor := s.auditor
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if auditor != nil {
		auditor.RecordTransition(c.ID, models.SessionCoinJoin, from, string(c.Status), c.Error, c.UpdatedAt)
	}
	return nil
}

// Delete removes a session by id. Returns NotFound if absent.
func (s *SessionStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[id]; !ok {
		return apperr.New(apperr.NotFound, fmt.Sprintf("session %s not found", id))
	}
	delete(s.cache, id)
	return s.persist()
}

// EnumerateMix returns a consistent snapshot of every mix session.
func (s *SessionStore) EnumerateMix() ([]*models.MixSession, error) {
	s.mu.RLock()
	snapshot := make(map[string]json.RawMessage, len(s.cache))
	for k, v := range s.cache {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	out := make([]*models.MixSession, 0, len(snapshot))
	for id, raw := range snapshot {
		var env sessionEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, apperr.Wrap(apperr.StoreCorrupt, err, "decode session envelope "+id)
		}
		if env.Type != models.SessionMix {
			continue
		}
		var m models.MixSession
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, apperr.Wrap(apperr.StoreCorrupt, err, "decode mix session "+id)
		}
		out = append(out, &m)
	}
	return out, nil
}

// EnumerateCoinJoin returns a consistent snapshot of every CoinJoin session.
func (s *SessionStore) EnumerateCoinJoin() ([]*models.CoinJoinSession, error) {
	s.mu.RLock()
	snapshot := make(map[string]json.RawMessage, len(s.cache))
	for k, v := range s.cache {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	out := make([]*models.CoinJoinSession, 0, len(snapshot))
	for id, raw := range snapshot {
		var env sessionEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, apperr.Wrap(apperr.StoreCorrupt, err, "decode session envelope "+id)
		}
		if env.Type != models.SessionCoinJoin {
			continue
		}
		var c models.CoinJoinSession
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, apperr.Wrap(apperr.StoreCorrupt, err, "decode coinjoin session "+id)
		}
		out = append(out, &c)
	}
	return out, nil
}
