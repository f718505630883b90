package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/models"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

// writeOK writes a 200 response wrapping data in the standard envelope.
func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, models.APIResponse{Data: data})
}

// writeList writes a 200 response with pagination metadata.
func writeList(w http.ResponseWriter, data any, page, pageSize int, total int64) {
	writeJSON(w, http.StatusOK, models.APIResponse{
		Data: data,
		Meta: &models.APIMeta{Page: page, PageSize: pageSize, Total: total},
	})
}

// writeError renders err as the standard APIError envelope, classifying its
// apperr.Tag into an HTTP status code (spec.md §7).
func writeError(w http.ResponseWriter, err error) {
	tag, ok := apperr.TagOf(err)
	if !ok {
		slog.Error("untagged error reached API boundary", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.APIError{
			Error: models.APIErrorDetail{Code: "INTERNAL", Message: err.Error()},
		})
		return
	}

	status := statusForTag(tag)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "tag", tag, "error", err)
	} else {
		slog.Warn("request rejected", "tag", tag, "error", err)
	}

	writeJSON(w, status, models.APIError{
		Error: models.APIErrorDetail{Code: string(tag), Message: err.Error()},
	})
}

// statusForTag maps kasmix's error taxonomy onto HTTP status codes.
func statusForTag(tag apperr.Tag) int {
	switch tag {
	case apperr.BadInput, apperr.ContributionMismatch, apperr.CommitmentInvalid, apperr.KeyUtxoMismatch, apperr.MassExceeded:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.SessionBusy, apperr.AlreadyRevealed:
		return http.StatusConflict
	case apperr.InsufficientFunds, apperr.NoConfirmed, apperr.UtxoUnresolved:
		return http.StatusUnprocessableEntity
	case apperr.NodeUnready, apperr.Disconnected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes the request body into v, or writes a BadInput error and
// reports false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, apperr.Wrap(apperr.BadInput, err, "malformed JSON body"))
		return false
	}
	return true
}
