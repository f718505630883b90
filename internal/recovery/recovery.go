// Package recovery runs the startup-time reconciliation sweep over every
// non-terminal mix session (spec.md §4.8), plus the on-demand single-session
// entrypoint an operator can trigger via the API. Grounded on the teacher's
// internal/poller/watcher/recovery.go RunRecovery: a synchronous,
// blocks-before-serving-traffic pass with bounded per-item retries and a
// summary log line.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/mix"
	"github.com/opsnode/kasmix/internal/store"
)

const (
	// pendingRetries bounds how many times a single session's recovery is
	// re-attempted against transient node errors during the startup sweep.
	pendingRetries = 3
	// pendingInterval is the backoff between retries.
	pendingInterval = 5 * time.Second
)

// Engine reconciles mix sessions against the chain, independent of (and
// correcting for) whatever their last-persisted status claims.
type Engine struct {
	store *store.SessionStore
	mix   *mix.Engine
}

// NewEngine constructs a recovery engine over the shared session store and
// mix engine.
func NewEngine(s *store.SessionStore, m *mix.Engine) *Engine {
	return &Engine{store: s, mix: m}
}

// RunStartupSweep must be called once before the server starts accepting
// new sessions (spec.md §4.8, mirroring the teacher's RunRecovery). It
// blocks until every non-terminal mix session has been reconciled or
// exhausted its retries.
func (e *Engine) RunStartupSweep(ctx context.Context) error {
	slog.Info("starting mix session recovery sweep")

	sessions, err := e.store.EnumerateMix()
	if err != nil {
		return fmt.Errorf("recovery: failed to enumerate mix sessions: %w", err)
	}

	pending := 0
	resolved := 0
	unresolved := 0

	for _, s := range sessions {
		if s.IsTerminal() {
			continue
		}
		pending++

		if ctx.Err() != nil {
			return fmt.Errorf("recovery: cancelled: %w", ctx.Err())
		}

		if e.recoverWithRetries(ctx, s.ID) {
			resolved++
		} else {
			unresolved++
		}
	}

	slog.Info("mix session recovery sweep complete",
		"pending", pending,
		"resolved", resolved,
		"unresolved", unresolved,
	)
	return nil
}

// recoverWithRetries calls mix.Engine.Recover for id, retrying on transient
// node errors up to pendingRetries times. A permanent error (including the
// terminal [E_RECOVERY] funds-stuck case) is not retried — mix.Engine.Recover
// has already persisted it to the error state.
func (e *Engine) recoverWithRetries(ctx context.Context, id string) bool {
	for attempt := 1; attempt <= pendingRetries; attempt++ {
		err := e.mix.Recover(ctx, id)
		if err == nil {
			return true
		}
		if !apperr.IsTransient(err) {
			slog.Warn("recovery: session moved to permanent error state", "id", id, "error", err)
			return false
		}

		slog.Warn("recovery: transient error reconciling session", "id", id, "attempt", attempt, "maxAttempts", pendingRetries, "error", err)
		if attempt < pendingRetries {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(pendingInterval):
			}
		}
	}
	slog.Warn("recovery: session still unresolved after all retries", "id", id, "retries", pendingRetries)
	return false
}

// RecoverOne runs spec.md §4.8's reconciliation for a single arbitrary
// session id, for the API's on-demand recovery endpoint.
func (e *Engine) RecoverOne(ctx context.Context, id string) error {
	return e.mix.Recover(ctx, id)
}
