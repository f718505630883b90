package audit

import (
	"fmt"
	"log/slog"
)

// BatchRecord is one completed CoinJoin round, trusted or zero-trust.
type BatchRecord struct {
	TxID             string
	Mode             string // "trusted" | "zero_trust"
	ParticipantCount int
	TotalAmount      string
	FeeAmount        string
	CompletedAt      int64
}

// BatchStats aggregates coinjoin_batches for an operator dashboard
// (spec.md §6 coinjoin.stats only counts live sessions by status; this
// adds historical throughput on top).
type BatchStats struct {
	TrustedBatches    int `json:"trusted_batches"`
	ZeroTrustBatches  int `json:"zero_trust_batches"`
	TotalParticipants int `json:"total_participants"`
}

// RecordBatch appends one completed batch row. Best-effort, like
// RecordTransition: a coordinator that already broadcast a transaction
// must not fail the caller over a side-index write.
func (s *Store) RecordBatch(b BatchRecord) {
	slog.Debug("audit: recording coinjoin batch", "txID", b.TxID, "mode", b.Mode, "participants", b.ParticipantCount)

	_, err := s.conn.Exec(
		`INSERT INTO coinjoin_batches (tx_id, mode, participant_count, total_amount, fee_amount, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.TxID, b.Mode, b.ParticipantCount, b.TotalAmount, b.FeeAmount, b.CompletedAt,
	)
	if err != nil {
		slog.Warn("audit: failed to record coinjoin batch", "txID", b.TxID, "error", err)
	}
}

// BatchStats summarizes every recorded batch.
func (s *Store) BatchStats() (*BatchStats, error) {
	stats := &BatchStats{}

	rows, err := s.conn.Query(`SELECT mode, COUNT(*), COALESCE(SUM(participant_count), 0) FROM coinjoin_batches GROUP BY mode`)
	if err != nil {
		return nil, fmt.Errorf("query coinjoin batch stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var mode string
		var count, participants int
		if err := rows.Scan(&mode, &count, &participants); err != nil {
			return nil, fmt.Errorf("scan coinjoin batch stats: %w", err)
		}
		switch mode {
		case "trusted":
			stats.TrustedBatches = count
		case "zero_trust":
			stats.ZeroTrustBatches = count
		}
		stats.TotalParticipants += participants
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate coinjoin batch stats: %w", err)
	}
	return stats, nil
}
