package handlers

import (
	"log/slog"
	"net/http"

	"github.com/opsnode/kasmix/internal/config"
)

// Health handles GET /api/health.
func Health(cfg *config.Config, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("health check requested", "remoteAddr", r.RemoteAddr)
		writeOK(w, map[string]string{
			"status":  "ok",
			"version": version,
			"network": cfg.Network,
		})
	}
}
