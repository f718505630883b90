package handlers

import "net/http"

// LobbySubscribe handles GET /api/lobby/ws: upgrades the connection and
// hands it straight to the hub, which owns the connection's lifetime from
// here on.
func LobbySubscribe(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Lobby.Subscribe(w, r)
	}
}
