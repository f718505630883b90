package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/config"
	"github.com/opsnode/kasmix/internal/models"
)

type importKeyRequest struct {
	PrivateKeyHex string `json:"private_key_hex"`
}

// ImportWalletKey handles POST /api/wallet/import_key (wallet.import_key).
func ImportWalletKey(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req importKeyRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		wlt, err := d.Wallet.ImportKey(req.PrivateKeyHex)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, models.APIResponse{Data: wlt})
	}
}

type importMnemonicRequest struct {
	Mnemonic   string `json:"mnemonic"`
	Passphrase string `json:"passphrase"`
}

// ImportWalletMnemonic handles POST /api/wallet/import_mnemonic
// (wallet.import_mnemonic).
func ImportWalletMnemonic(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req importMnemonicRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		wlt, err := d.Wallet.ImportMnemonic(req.Mnemonic, req.Passphrase)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, models.APIResponse{Data: wlt})
	}
}

// RemoveWallet handles DELETE /api/wallet (wallet.remove).
func RemoveWallet(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Wallet.Remove(); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, map[string]bool{"ok": true})
	}
}

// WalletBalance handles GET /api/wallet/balance (wallet.balance).
func WalletBalance(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bal, err := d.Wallet.Balance(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, bal)
	}
}

type sendRequest struct {
	To        string `json:"to"`
	AmountKAS string `json:"amount_kas"`
}

// SendWallet handles POST /api/wallet/send (wallet.send). amount_kas arrives
// as a decimal string and is converted to base units at this boundary, same
// as every other amount field decoded straight off the wire.
func SendWallet(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		amt, err := amount.FromKAS(req.AmountKAS)
		if err != nil {
			writeError(w, err)
			return
		}
		result, err := d.Wallet.Send(r.Context(), req.To, amt)
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, result)
	}
}

// EstimateWalletFee handles POST /api/wallet/estimate_fee (wallet.estimate_fee).
func EstimateWalletFee(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		amt, err := amount.FromKAS(req.AmountKAS)
		if err != nil {
			writeError(w, err)
			return
		}
		breakdown, err := d.Wallet.EstimateFee(r.Context(), req.To, amt)
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, breakdown)
	}
}

// ListWalletTransactions handles GET /api/wallet/transactions
// (wallet.transactions).
func ListWalletTransactions(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := parseIntParam(r, "page", config.DefaultPage)
		pageSize := parseIntParam(r, "pageSize", config.DefaultPageSize)
		if pageSize > config.MaxPageSize {
			pageSize = config.MaxPageSize
		}

		txs, total, err := d.Wallet.ListTransactions(page, pageSize)
		if err != nil {
			writeError(w, err)
			return
		}
		writeList(w, txs, page, pageSize, int64(total))
	}
}

type addressBookRequest struct {
	Address  string `json:"address"`
	Label    string `json:"label"`
	Category string `json:"category"`
}

// AddAddressBookEntry handles POST /api/wallet/address_book
// (wallet.address_book.add).
func AddAddressBookEntry(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addressBookRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		entry, err := d.Wallet.AddAddressBookEntry(req.Address, req.Label, req.Category)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, models.APIResponse{Data: entry})
	}
}

// ListAddressBook handles GET /api/wallet/address_book
// (wallet.address_book.list).
func ListAddressBook(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := d.Wallet.ListAddressBook()
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, entries)
	}
}

// RemoveAddressBookEntry handles DELETE /api/wallet/address_book/{id}
// (wallet.address_book.remove).
func RemoveAddressBookEntry(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, apperr.New(apperr.BadInput, "address book entry id is required"))
			return
		}
		if err := d.Wallet.RemoveAddressBookEntry(id); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, map[string]bool{"ok": true})
	}
}
