// Package api assembles kasmixd's chi router: the middleware stack plus the
// full operation table, grounded on the teacher's internal/api/router.go.
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/opsnode/kasmix/internal/api/handlers"
	"github.com/opsnode/kasmix/internal/api/middleware"
)

// Version is set at build time via ldflags.
var Version = "dev"

// NewRouter constructs the chi router with the full middleware stack and
// route table wired against d.
func NewRouter(d *handlers.Deps) chi.Router {
	r := chi.NewRouter()

	// Middleware stack (order matters). No CSRF: kasmixd has no browser
	// session/cookie of its own to forge against (DESIGN.md).
	r.Use(middleware.RequestLogging)
	r.Use(middleware.HostCheck)
	r.Use(middleware.CORS)

	slog.Info("router initialized", "middleware", []string{"requestLogging", "hostCheck", "cors"})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handlers.Health(d.Config, Version))

		r.Route("/mix", func(r chi.Router) {
			r.Post("/", handlers.CreateMix(d))
			r.Get("/", handlers.ListMix(d))
			r.Get("/{id}", handlers.GetMix(d))
			r.Delete("/{id}", handlers.DeleteMix(d))
			r.Post("/{id}/recover", handlers.RecoverMix(d))
			r.Get("/{id}/keys", handlers.ExportMixKeys(d))
		})

		r.Route("/coinjoin", func(r chi.Router) {
			r.Post("/", handlers.CreateCoinJoin(d))
			r.Get("/", handlers.ListCoinJoin(d))
			r.Get("/stats", handlers.CoinJoinStats(d))
			r.Post("/build", handlers.BuildCoinJoin(d))
			r.Get("/{id}", handlers.GetCoinJoin(d))
			r.Post("/{id}/commit", handlers.CommitCoinJoin(d))
			r.Post("/{id}/reveal", handlers.RevealCoinJoin(d))
			r.Post("/{id}/sign", handlers.SignCoinJoinInputs(d))
			r.Post("/{id}/submit", handlers.SubmitCoinJoin(d))
		})

		r.Route("/wallet", func(r chi.Router) {
			r.Post("/import_key", handlers.ImportWalletKey(d))
			r.Post("/import_mnemonic", handlers.ImportWalletMnemonic(d))
			r.Delete("/", handlers.RemoveWallet(d))
			r.Get("/balance", handlers.WalletBalance(d))
			r.Post("/send", handlers.SendWallet(d))
			r.Post("/estimate_fee", handlers.EstimateWalletFee(d))
			r.Get("/transactions", handlers.ListWalletTransactions(d))

			r.Route("/address_book", func(r chi.Router) {
				r.Post("/", handlers.AddAddressBookEntry(d))
				r.Get("/", handlers.ListAddressBook(d))
				r.Delete("/{id}", handlers.RemoveAddressBookEntry(d))
			})
		})

		r.Get("/lobby/ws", handlers.LobbySubscribe(d))
	})

	return r
}
