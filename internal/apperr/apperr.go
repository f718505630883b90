// Package apperr defines kasmix's error taxonomy: a tagged error type that
// renders as "[E_CODE] message" at the session/API boundary (spec.md §7),
// plus tag-only matching so callers can classify with errors.Is (against
// New(tag, "")), TagOf, or HasTag.
package apperr

import (
	"errors"
	"fmt"
)

// Tag identifies one of the error kinds in spec.md §7.
type Tag string

const (
	BadInput             Tag = "BAD_INPUT"
	NotFound             Tag = "NOT_FOUND"
	InsufficientFunds    Tag = "INSUFFICIENT_FUNDS"
	NodeUnready          Tag = "NODE_UNREADY"
	NoConfirmed          Tag = "NO_CONFIRMED"
	UtxoUnresolved       Tag = "UTXO_UNRESOLVED"
	ContributionMismatch Tag = "CONTRIBUTION_MISMATCH"
	CommitmentInvalid    Tag = "COMMITMENT_INVALID"
	KeyUtxoMismatch      Tag = "KEY_UTXO_MISMATCH"
	SequenceLockNotMet   Tag = "SEQUENCE_LOCK_NOT_MET"
	AlreadyInMempool     Tag = "ALREADY_IN_MEMPOOL"
	MassExceeded         Tag = "MASS_EXCEEDED"
	StoreCorrupt         Tag = "STORE_CORRUPT"
	StoreWriteFailed     Tag = "STORE_WRITE_FAILED"
	Recovery             Tag = "RECOVERY"
	Payout               Tag = "PAYOUT"
	IntermediateSend     Tag = "INTERMEDIATE_SEND"
	SessionBusy          Tag = "SESSION_BUSY"
	Disconnected         Tag = "DISCONNECTED"
	AlreadyRevealed      Tag = "ALREADY_REVEALED"
)

// Tagged is a tagged application error. Its wire format is "[E_CODE] message",
// matching spec.md §3's requirement for the session `error` field.
type Tagged struct {
	tag   Tag
	msg   string
	cause error
}

// New creates a Tagged error with the given tag and message.
func New(tag Tag, msg string) *Tagged {
	return &Tagged{tag: tag, msg: msg}
}

// Wrap creates a Tagged error that wraps cause, preserving errors.Is/As.
func Wrap(tag Tag, cause error, msg string) *Tagged {
	return &Tagged{tag: tag, msg: msg, cause: cause}
}

func (e *Tagged) Error() string {
	return fmt.Sprintf("[E_%s] %s", e.tag, e.msg)
}

func (e *Tagged) Unwrap() error {
	return e.cause
}

// Tag returns the error's classification tag.
func (e *Tagged) Tag() Tag {
	return e.tag
}

// Is supports errors.Is(err, apperr.New(tag, "")) to match by tag alone.
func (e *Tagged) Is(target error) bool {
	t, ok := target.(*Tagged)
	if !ok {
		return false
	}
	return e.tag == t.tag
}

// TagOf extracts the Tag from err if it (or something it wraps) is a *Tagged.
// Returns ("", false) otherwise.
func TagOf(err error) (Tag, bool) {
	var t *Tagged
	if errors.As(err, &t) {
		return t.tag, true
	}
	return "", false
}

// HasTag reports whether err is tagged with the given Tag.
func HasTag(err error, tag Tag) bool {
	t, ok := TagOf(err)
	return ok && t == tag
}
