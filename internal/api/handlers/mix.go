package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/config"
	"github.com/opsnode/kasmix/internal/models"
)

type createMixRequest struct {
	Destinations []models.Destination `json:"destinations"`
	Total        amount.Amount        `json:"total"`
}

// CreateMix handles POST /api/mix (mix.create).
func CreateMix(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createMixRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		m, err := d.MixEngine.Create(req.Destinations, req.Total)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, models.APIResponse{Data: m})
	}
}

// GetMix handles GET /api/mix/{id} (mix.get).
func GetMix(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		m, err := d.Sessions.GetMix(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, m)
	}
}

// ListMix handles GET /api/mix (mix.list).
func ListMix(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := d.Sessions.EnumerateMix()
		if err != nil {
			writeError(w, err)
			return
		}

		page := parseIntParam(r, "page", config.DefaultPage)
		pageSize := parseIntParam(r, "pageSize", config.DefaultPageSize)
		if pageSize > config.MaxPageSize {
			pageSize = config.MaxPageSize
		}
		if pageSize < 1 {
			pageSize = config.DefaultPageSize
		}
		if page < 1 {
			page = config.DefaultPage
		}

		total := len(sessions)
		start := (page - 1) * pageSize
		end := start + pageSize
		if start > total {
			start = total
		}
		if end > total {
			end = total
		}

		writeList(w, sessions[start:end], page, pageSize, int64(total))
	}
}

// DeleteMix handles DELETE /api/mix/{id} (mix.delete).
func DeleteMix(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		unlock, ok := tryLockSession(w, d, id)
		if !ok {
			return
		}
		defer unlock()

		if err := d.Sessions.Delete(id); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, map[string]bool{"ok": true})
	}
}

// RecoverMix handles POST /api/mix/{id}/recover (mix.recover).
func RecoverMix(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		unlock, ok := tryLockSession(w, d, id)
		if !ok {
			return
		}
		defer unlock()

		if err := d.Recovery.RecoverOne(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		m, err := d.Sessions.GetMix(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, m)
	}
}

// ExportMixKeys handles GET /api/mix/{id}/keys (mix.export_keys). The
// deposit/intermediate private keys already live on the session record
// (spec.md §3); this only ever exposes the current owner's own session.
func ExportMixKeys(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		m, err := d.Sessions.GetMix(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, map[string]string{
			"deposit_private_key":      m.DepositPrivateKey,
			"intermediate_private_key": m.IntermediatePrivateKey,
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
