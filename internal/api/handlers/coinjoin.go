package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opsnode/kasmix/internal/coinjoin"
	"github.com/opsnode/kasmix/internal/models"
)

type createCoinJoinRequest struct {
	ZeroTrust          bool   `json:"zero_trust"`
	DestinationAddress string `json:"destination_address"`
}

// CreateCoinJoin handles POST /api/coinjoin (coinjoin.create). The trusted
// and zero-trust sub-protocols take different entry shapes (spec.md §4.9),
// so the request body picks which engine constructor runs.
func CreateCoinJoin(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createCoinJoinRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var (
			c   *models.CoinJoinSession
			err error
		)
		if req.ZeroTrust {
			c, err = d.CoinJoin.CreateZeroTrust(r.Context())
		} else {
			c, err = d.CoinJoin.CreateTrusted(r.Context(), req.DestinationAddress)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, models.APIResponse{Data: c})
	}
}

type commitRequest struct {
	UTXOs              []coinjoin.UTXORef `json:"utxos"`
	DestinationAddress string             `json:"destination_address"`
}

// CommitCoinJoin handles POST /api/coinjoin/{id}/commit (coinjoin.commit).
func CommitCoinJoin(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req commitRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		unlock, ok := tryLockSession(w, d, id)
		if !ok {
			return
		}
		defer unlock()

		if err := d.CoinJoin.Commit(r.Context(), id, req.UTXOs, req.DestinationAddress); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, map[string]bool{"ok": true})
	}
}

type revealRequest struct {
	UTXOs              []coinjoin.RevealedUTXOClaim `json:"utxos"`
	DestinationAddress string                       `json:"destination_address"`
}

// RevealCoinJoin handles POST /api/coinjoin/{id}/reveal (coinjoin.reveal).
func RevealCoinJoin(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req revealRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		unlock, ok := tryLockSession(w, d, id)
		if !ok {
			return
		}
		defer unlock()

		if err := d.CoinJoin.Reveal(r.Context(), id, req.UTXOs, req.DestinationAddress); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, map[string]bool{"ok": true})
	}
}

type buildRequest struct {
	SessionIDs []string `json:"session_ids"`
}

// BuildCoinJoin handles POST /api/coinjoin/build (coinjoin.build): assembles
// the shared zero-trust transaction across every revealed session supplied.
func BuildCoinJoin(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req buildRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		unlock, ok := tryLockSessions(w, d, req.SessionIDs)
		if !ok {
			return
		}
		defer unlock()

		if err := d.CoinJoin.BuildZeroTrust(r.Context(), req.SessionIDs); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, map[string]bool{"ok": true})
	}
}

type signInputsRequest struct {
	PrivateKeyHex string `json:"private_key_hex"`
}

// SignCoinJoinInputs handles POST /api/coinjoin/{id}/sign (coinjoin.sign_inputs).
// The engine already tracks the unsigned transaction against the session, so
// the caller only supplies the key that signs its own input(s).
func SignCoinJoinInputs(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req signInputsRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		unlock, ok := tryLockSession(w, d, id)
		if !ok {
			return
		}
		defer unlock()

		if err := d.CoinJoin.SignInputs(r.Context(), id, req.PrivateKeyHex); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, map[string]bool{"ok": true})
	}
}

// SubmitCoinJoin handles POST /api/coinjoin/{id}/submit (coinjoin.submit).
func SubmitCoinJoin(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		unlock, ok := tryLockSession(w, d, id)
		if !ok {
			return
		}
		defer unlock()

		if err := d.CoinJoin.SubmitSigned(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		c, err := d.Sessions.GetCoinJoin(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, c)
	}
}

// GetCoinJoin handles GET /api/coinjoin/{id} (coinjoin.get).
func GetCoinJoin(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		c, err := d.Sessions.GetCoinJoin(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, c)
	}
}

// ListCoinJoin handles GET /api/coinjoin (coinjoin.list).
func ListCoinJoin(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := d.Sessions.EnumerateCoinJoin()
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, sessions)
	}
}

// CoinJoinStats handles GET /api/coinjoin/stats (coinjoin.stats).
func CoinJoinStats(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := d.CoinJoin.Stats()
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, stats)
	}
}
