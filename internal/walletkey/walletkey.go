// Package walletkey derives and generates the private keys kasmix needs:
// the operator's imported wallet key, and the single-use deposit and
// intermediate keys minted per mix/CoinJoin session. Grounded on the
// teacher's internal/wallet (mnemonic handling) and internal/tx
// (on-demand key derivation, explicit key-zeroing discipline).
package walletkey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/opsnode/kasmix/internal/apperr"
)

const (
	// BIP44Purpose is the derivation purpose kasmix uses for mnemonic imports.
	BIP44Purpose = 44
	// CoinType is an unassigned BIP-44 coin type reserved for this deployment.
	CoinType = 111111

	addressHRP = "kaspa"
)

// ValidateMnemonic checks that phrase is a well-formed BIP-39 mnemonic.
func ValidateMnemonic(phrase string) error {
	if !bip39.IsMnemonicValid(phrase) {
		return apperr.New(apperr.BadInput, "invalid mnemonic phrase")
	}
	return nil
}

// ReadMnemonicFromFile reads and validates a mnemonic stored at path.
func ReadMnemonicFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read mnemonic file %q: %w", path, err)
	}
	phrase := strings.TrimSpace(string(data))
	if err := ValidateMnemonic(phrase); err != nil {
		return "", err
	}
	return phrase, nil
}

// MasterKeyFromMnemonic derives the BIP-32 master extended key for phrase
// (with an optional BIP-39 passphrase).
func MasterKeyFromMnemonic(phrase, passphrase string) (*hdkeychain.ExtendedKey, error) {
	if err := ValidateMnemonic(phrase); err != nil {
		return nil, err
	}
	seed, err := bip39.NewSeedWithErrorChecking(phrase, passphrase)
	if err != nil {
		return nil, fmt.Errorf("mnemonic to seed: %w", err)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	return master, nil
}

// DerivationPath is the fixed account path used for every mnemonic import:
// m/44'/111111'/0'/0/0.
const DerivationPath = "m/44'/111111'/0'/0/0"

// DeriveAccountKey walks DerivationPath from master and returns the account
// private key.
func DeriveAccountKey(master *hdkeychain.ExtendedKey) (*btcec.PrivateKey, error) {
	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + BIP44Purpose)
	if err != nil {
		return nil, fmt.Errorf("derive purpose key: %w", err)
	}
	coin, err := purpose.Derive(hdkeychain.HardenedKeyStart + CoinType)
	if err != nil {
		return nil, fmt.Errorf("derive coin key: %w", err)
	}
	account, err := coin.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, fmt.Errorf("derive account key: %w", err)
	}
	change, err := account.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("derive change key: %w", err)
	}
	child, err := change.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("derive child key: %w", err)
	}
	return child.ECPrivKey()
}

// ExtendedPublicKey returns the serialized account-level extended public
// key (kpub), recorded on the wallet record for mnemonic imports so future
// addresses can be audited without re-deriving the private key.
func ExtendedPublicKey(master *hdkeychain.ExtendedKey) (string, error) {
	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + BIP44Purpose)
	if err != nil {
		return "", fmt.Errorf("derive purpose key: %w", err)
	}
	coin, err := purpose.Derive(hdkeychain.HardenedKeyStart + CoinType)
	if err != nil {
		return "", fmt.Errorf("derive coin key: %w", err)
	}
	account, err := coin.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return "", fmt.Errorf("derive account key: %w", err)
	}
	pub, err := account.Neuter()
	if err != nil {
		return "", fmt.Errorf("neuter account key: %w", err)
	}
	return pub.String(), nil
}

// GenerateKeyPair mints a fresh random secp256k1 key, used for every
// single-use deposit/intermediate/participant address (spec.md §3's
// invariant that a session's deposit key is generated once and never
// re-derived).
func GenerateKeyPair() (*btcec.PrivateKey, string, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, "", fmt.Errorf("generate key pair: %w", err)
	}
	return key, AddressFromPrivateKey(key), nil
}

// ImportPrivateKeyHex parses a hex-encoded secp256k1 private key and
// returns its address.
func ImportPrivateKeyHex(hexKey string) (*btcec.PrivateKey, string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, "", apperr.Wrap(apperr.BadInput, err, "invalid private key hex")
	}
	if len(raw) != 32 {
		return nil, "", apperr.New(apperr.BadInput, "private key must be 32 bytes")
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key, AddressFromPrivateKey(key), nil
}

// AddressFromPrivateKey derives the single-signature address for key.
func AddressFromPrivateKey(key *btcec.PrivateKey) string {
	return AddressFromPubKey(key.PubKey())
}

// ValidateAddress checks that addr decodes as a bech32 string whose
// human-readable part is "kaspa" (so it reads "kaspa1..."; spec.md §7's
// BadInput "malformed address").
func ValidateAddress(addr string) error {
	hrp, _, err := bech32.Decode(addr)
	if err != nil {
		return apperr.Wrap(apperr.BadInput, err, "malformed address: "+addr)
	}
	if hrp != addressHRP {
		return apperr.New(apperr.BadInput, "address has unexpected prefix: "+addr)
	}
	return nil
}

// AddressFromPubKey encodes the SHA-256 hash of a compressed public key as a
// bech32 address with human-readable part "kaspa" ("kaspa1...").
func AddressFromPubKey(pub *btcec.PublicKey) string {
	hash := sha256.Sum256(pub.SerializeCompressed())
	converted, err := bech32.ConvertBits(hash[:], 8, 5, true)
	if err != nil {
		// hash is a fixed 32-byte input; ConvertBits cannot fail for it.
		panic(fmt.Sprintf("walletkey: unexpected ConvertBits failure: %v", err))
	}
	encoded, err := bech32.Encode(addressHRP, converted)
	if err != nil {
		panic(fmt.Sprintf("walletkey: unexpected bech32 encode failure: %v", err))
	}
	return encoded
}

// Zero wipes a private key's scalar material from memory once it is no
// longer needed, matching the teacher's explicit key-zeroing discipline.
func Zero(key *btcec.PrivateKey) {
	if key != nil {
		key.Zero()
	}
}

// SeedRandomness is a process-wide crypto/rand source for non-key
// randomness; no kasmix code reads it (payout delay jitter in internal/mix
// uses math/rand). Keys themselves always come from crypto/rand via
// btcec.NewPrivateKey.
var SeedRandomness = rand.Reader
