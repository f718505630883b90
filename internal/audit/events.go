package audit

import (
	"fmt"
	"log/slog"

	"github.com/opsnode/kasmix/internal/models"
)

// Event is one recorded session state transition.
type Event struct {
	ID          int64
	SessionID   string
	SessionType string
	FromStatus  string
	ToStatus    string
	Effect      string
	OccurredAt  int64
	RecordedAt  string
}

// RecordTransition implements internal/store.Auditor: it appends one row
// per transition, the same append-only shape as the teacher's tx_state
// table but generalized from one sweep's lifecycle to either session
// kind's. Best-effort — a failure to audit a transition is logged but
// never propagated, since the audit store is a side index, not the
// store of record (SPEC_FULL.md supplemented feature 5).
func (s *Store) RecordTransition(sessionID string, sessionType models.SessionType, fromStatus, toStatus, effect string, occurredAt int64) {
	slog.Debug("audit: recording session transition",
		"sessionID", sessionID,
		"sessionType", sessionType,
		"from", fromStatus,
		"to", toStatus,
	)

	_, err := s.conn.Exec(
		`INSERT INTO session_events (session_id, session_type, from_status, to_status, effect, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, string(sessionType), fromStatus, toStatus, effect, occurredAt,
	)
	if err != nil {
		slog.Warn("audit: failed to record session transition", "sessionID", sessionID, "error", err)
	}
}

// ListEvents returns every recorded transition for one session, oldest first.
func (s *Store) ListEvents(sessionID string) ([]Event, error) {
	rows, err := s.conn.Query(
		`SELECT id, session_id, session_type, from_status, to_status, effect, occurred_at, recorded_at
		 FROM session_events WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session events for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.SessionType, &e.FromStatus, &e.ToStatus, &e.Effect, &e.OccurredAt, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session events for %s: %w", sessionID, err)
	}
	return events, nil
}
