package coinjoin

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/opsnode/kasmix/internal/amount"
	"github.com/opsnode/kasmix/internal/apperr"
	"github.com/opsnode/kasmix/internal/models"
)

// UTXORef is the caller-supplied identity of one UTXO a participant commits
// to spending in a zero-trust CoinJoin round.
type UTXORef struct {
	TransactionID string `json:"transactionId"`
	Index         uint32 `json:"index"`
	Amount        amount.Amount `json:"amount"`
}

// Commit implements spec.md §4.9's zero-trust Commit step: for every UTXO
// the participant intends to contribute, store commitment = SHA-256(
// canonical_json(utxo) || salt); store the destination address only as
// (hash(dest||dest_salt), dest_salt), never the address itself.
func (e *Engine) Commit(ctx context.Context, id string, utxos []UTXORef, destinationAddress string) error {
	lock := e.lockFor(id)
	if !lock.TryLock() {
		return apperr.New(apperr.SessionBusy, "session "+id+" has a request already in flight")
	}
	defer lock.Unlock()

	c, err := e.store.GetCoinJoin(id)
	if err != nil {
		return err
	}
	if c.IsTerminal() {
		return apperr.New(apperr.SessionBusy, "session already terminal")
	}
	if c.Status != "" && c.Status != models.CoinJoinCommitted {
		return apperr.New(apperr.BadInput, "session has already progressed past commit")
	}
	if len(utxos) == 0 {
		return apperr.New(apperr.BadInput, "no UTXOs supplied to commit")
	}

	commitments := make([]models.UTXOCommitment, 0, len(utxos))
	for _, u := range utxos {
		salt, err := randomSaltHex()
		if err != nil {
			return apperr.Wrap(apperr.BadInput, err, "generate commitment salt")
		}
		commitments = append(commitments, models.UTXOCommitment{
			Commitment: commitmentHash(u, salt),
			Salt:       salt,
		})
	}

	destSalt, err := randomSaltHex()
	if err != nil {
		return apperr.Wrap(apperr.BadInput, err, "generate destination salt")
	}

	c.ZeroTrustMode = true
	c.UTXOCommitments = commitments
	c.DestinationHash = destinationHash(destinationAddress, destSalt)
	c.DestinationSalt = destSalt
	c.Status = models.CoinJoinCommitted
	c.UpdatedAt = time.Now().Unix()

	if err := e.store.SetCoinJoin(c); err != nil {
		return err
	}
	e.notify()
	return nil
}

// Reveal implements spec.md §4.9's Reveal step: recompute each committed
// hash from the revealed UTXO + stored salt and byte-compare. A reveal that
// exactly matches an already-recorded reveal is idempotent success; any
// divergence from the stored commitment fails CommitmentInvalid, and a
// second, different reveal attempt fails AlreadyRevealed. The 5-minute
// amount-policing window requires this session's total contribution to
// exactly match every other already-revealed session's contribution within
// the window (spec.md §9 Open Question 1: the window length and minimum
// participant count are both configuration, not hardcoded).
func (e *Engine) Reveal(ctx context.Context, id string, utxos []RevealedUTXOClaim, destinationAddress string) error {
	lock := e.lockFor(id)
	if !lock.TryLock() {
		return apperr.New(apperr.SessionBusy, "session "+id+" has a request already in flight")
	}
	defer lock.Unlock()

	c, err := e.store.GetCoinJoin(id)
	if err != nil {
		return err
	}
	if c.IsTerminal() {
		return apperr.New(apperr.SessionBusy, "session already terminal")
	}

	if c.Status == models.CoinJoinRevealed {
		if revealMatches(c, utxos, destinationAddress) {
			return nil // idempotent replay
		}
		return apperr.New(apperr.AlreadyRevealed, "session already revealed with a different payload")
	}
	if c.Status != models.CoinJoinCommitted {
		return apperr.New(apperr.BadInput, "session has not committed")
	}
	if len(utxos) != len(c.UTXOCommitments) {
		return apperr.New(apperr.CommitmentInvalid, "revealed UTXO count does not match committed count")
	}

	revealed := make([]models.RevealedUTXO, len(utxos))
	total := amount.Zero()
	for i, claim := range utxos {
		ref := UTXORef{TransactionID: claim.TransactionID, Index: claim.Index, Amount: claim.Amount}
		want := c.UTXOCommitments[i].Commitment
		got := commitmentHash(ref, c.UTXOCommitments[i].Salt)
		if got != want {
			return apperr.New(apperr.CommitmentInvalid, "revealed UTXO does not match its commitment")
		}
		revealed[i] = models.RevealedUTXO{TransactionID: claim.TransactionID, Index: claim.Index, Amount: claim.Amount}
		total = total.Add(claim.Amount)
	}

	if destinationHash(destinationAddress, c.DestinationSalt) != c.DestinationHash {
		return apperr.New(apperr.CommitmentInvalid, "revealed destination does not match its commitment")
	}

	if err := e.policeContribution(id, total); err != nil {
		return err
	}

	c.RevealedUTXOs = revealed
	c.DestinationAddress = destinationAddress
	c.Amount = total
	c.Status = models.CoinJoinRevealed
	c.UpdatedAt = time.Now().Unix()

	if err := e.store.SetCoinJoin(c); err != nil {
		return err
	}
	e.notify()
	return nil
}

// RevealedUTXOClaim is the caller-supplied reveal payload for one committed
// UTXO: the plaintext identity the commitment hid.
type RevealedUTXOClaim struct {
	TransactionID string
	Index         uint32
	Amount        amount.Amount
}

// revealMatches reports whether a repeated reveal call carries exactly the
// same payload as what's already stored, making it a safe no-op retry.
func revealMatches(c *models.CoinJoinSession, utxos []RevealedUTXOClaim, destinationAddress string) bool {
	if c.DestinationAddress != destinationAddress {
		return false
	}
	if len(c.RevealedUTXOs) != len(utxos) {
		return false
	}
	for i, u := range utxos {
		r := c.RevealedUTXOs[i]
		if r.TransactionID != u.TransactionID || r.Index != u.Index || r.Amount.Cmp(u.Amount) != 0 {
			return false
		}
	}
	return true
}

// policeContribution enforces spec.md §4.9's amount-policing rule: within
// CoinJoinCommitWindowSec of now, every other already-revealed zero-trust
// session's total contribution must exactly equal this session's, else the
// round is not homogeneous enough to mix anonymously.
func (e *Engine) policeContribution(excludeID string, total amount.Amount) error {
	sessions, err := e.store.EnumerateCoinJoin()
	if err != nil {
		return err
	}
	window := time.Duration(e.cfg.CoinJoinCommitWindowSec) * time.Second
	cutoff := time.Now().Add(-window).Unix()

	for _, s := range sessions {
		if s.ID == excludeID || !s.ZeroTrustMode || s.Status != models.CoinJoinRevealed {
			continue
		}
		if s.UpdatedAt < cutoff {
			continue
		}
		if s.Amount.Cmp(total) != 0 {
			return apperr.New(apperr.ContributionMismatch, "contribution does not match other sessions revealed within the policing window")
		}
	}
	return nil
}

// commitmentHash computes SHA-256(canonical_json(u) || salt), hex-encoded.
func commitmentHash(u UTXORef, saltHex string) string {
	canon, _ := json.Marshal(struct {
		TxID  string `json:"transactionId"`
		Index uint32 `json:"index"`
		Amount string `json:"amount"`
	}{u.TransactionID, u.Index, u.Amount.String()})

	salt, _ := hex.DecodeString(saltHex)
	h := sha256.New()
	h.Write(canon)
	h.Write(salt)
	return hex.EncodeToString(h.Sum(nil))
}

// destinationHash computes hash(dest||dest_salt), hex-encoded, so the
// destination address is never stored in plaintext before reveal.
func destinationHash(address, saltHex string) string {
	salt, _ := hex.DecodeString(saltHex)
	h := sha256.New()
	h.Write([]byte(address))
	h.Write(salt)
	return hex.EncodeToString(h.Sum(nil))
}

func randomSaltHex() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
