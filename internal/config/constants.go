package config

import "time"

// Server
const (
	ServerPort         = 8080
	ServerReadTimeout  = 30 * time.Second
	ServerWriteTimeout = 60 * time.Second
	ServerIdleTimeout  = 120 * time.Second
	APITimeout         = 30 * time.Second
	ShutdownTimeout    = 15 * time.Second
)

// Logging
const (
	LogDir         = "./logs"
	LogFilePattern = "kasmixd-%s-%s.log" // date, level
	LogMaxAgeDays  = 30
)

// Node RPC client behavior (internal/rpcutil, internal/rpcclient).
const (
	RPCRequestTimeout  = 15 * time.Second
	RPCRateLimitRPS    = 20
	RPCCircuitFailures = 5
	RPCCircuitCooldown = 30 * time.Second
	RPCMaxRetries      = 3
	RPCRetryBaseDelay  = 1 * time.Second
)

// DAA score memoization (internal/utxoutil).
const (
	DAAScoreTTL = 5 * time.Second
)

// UTXO matching / creation tunables, spec.md §4.5. No package references
// them: internal/utxoutil has no matching or creation helpers.
const (
	UTXOMatchTolerancePct  = 10
	CreateUTXORetries      = 3
	CreateUTXORetryBase    = 3 * time.Second
	ConfirmationPollEvery  = 2 * time.Second
	ConfirmationPollTimeout = 60 * time.Second
)

// Sequence-lock retry for CoinJoin submission, spec.md §4.9.
const (
	SequenceLockMaxRetries  = 3
	SequenceLockBaseDelay   = 1 * time.Second
	SequenceLockMaxDelay    = 5 * time.Second
)

// Wallet transaction history ring buffer (spec.md §3).
const (
	TxHistoryRingCap = 1000
)

// Address book / pagination (supplemented API).
const (
	DefaultPage     = 1
	DefaultPageSize = 50
	MaxPageSize     = 500
)
