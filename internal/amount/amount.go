// Package amount defines the base-unit integer type used for every monetary
// field in kasmix. Values are base units (10^-8 of a coin, matching the
// chain's native denomination) represented as an arbitrary-precision integer
// so that proportional payout splits and fee arithmetic never lose precision
// to float rounding, and serialised as decimal strings at storage and wire
// boundaries (spec.md §3, §9).
package amount

import (
	"database/sql/driver"
	"fmt"
	"math/big"
	"strings"
)

// kasDecimals is 8: the chain's native denomination has 8 decimal places
// (10^8 base units per KAS), matching the doc comment above (spec.md §3's
// amount_kas fields).
const kasDecimals = 8

// Amount wraps math/big.Int. The zero value is not a valid Amount; use Zero()
// or one of the constructors.
type Amount struct {
	v *big.Int
}

// Zero returns the additive identity.
func Zero() Amount {
	return Amount{v: big.NewInt(0)}
}

// FromInt64 builds an Amount from a base-unit int64.
func FromInt64(n int64) Amount {
	return Amount{v: big.NewInt(n)}
}

// FromString parses a base-10 integer string of base units.
func FromString(s string) (Amount, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("amount: invalid decimal string %q", s)
	}
	if v.Sign() < 0 {
		return Amount{}, fmt.Errorf("amount: negative amount %q", s)
	}
	return Amount{v: v}, nil
}

// MustFromString is FromString but panics on error; for constants and tests.
func MustFromString(s string) Amount {
	a, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return a
}

// BigInt returns a defensive copy of the underlying big.Int, for callers
// that need wider fixed-point arithmetic than MulDiv provides (e.g.
// internal/feeutil's proportional-split formula).
func (a Amount) BigInt() *big.Int {
	return new(big.Int).Set(a.bigOrZero())
}

// MustFromBigInt wraps v as an Amount; v must be non-negative. Intended for
// internal arithmetic results that are already known-safe, not untrusted
// input (use FromString for that).
func MustFromBigInt(v *big.Int) Amount {
	if v.Sign() < 0 {
		panic("amount: MustFromBigInt of negative value")
	}
	return Amount{v: new(big.Int).Set(v)}
}

func (a Amount) bigOrZero() *big.Int {
	if a.v == nil {
		return big.NewInt(0)
	}
	return a.v
}

// String renders the amount as a base-10 integer string.
func (a Amount) String() string {
	return a.bigOrZero().String()
}

// Int64 returns the amount as an int64. Callers must ensure the value fits;
// this is only used for values already bounds-checked against the supply
// (fee-rate multipliers, mass units), never for raw untrusted input.
func (a Amount) Int64() int64 {
	return a.bigOrZero().Int64()
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a.bigOrZero().Sign() == 0
}

// Sign returns -1, 0, or 1.
func (a Amount) Sign() int {
	return a.bigOrZero().Sign()
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.bigOrZero(), b.bigOrZero())}
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	return Amount{v: new(big.Int).Sub(a.bigOrZero(), b.bigOrZero())}
}

// Mul returns a * n.
func (a Amount) Mul(n int64) Amount {
	return Amount{v: new(big.Int).Mul(a.bigOrZero(), big.NewInt(n))}
}

// MulDiv returns floor(a * num / den), used for proportional allocation.
func (a Amount) MulDiv(num, den int64) Amount {
	if den == 0 {
		panic("amount: MulDiv by zero denominator")
	}
	r := new(big.Int).Mul(a.bigOrZero(), big.NewInt(num))
	r.Quo(r, big.NewInt(den))
	return Amount{v: r}
}

// Cmp compares a to b: -1, 0, 1.
func (a Amount) Cmp(b Amount) int {
	return a.bigOrZero().Cmp(b.bigOrZero())
}

// LessThan reports whether a < b.
func (a Amount) LessThan(b Amount) bool {
	return a.Cmp(b) < 0
}

// GreaterThan reports whether a > b.
func (a Amount) GreaterThan(b Amount) bool {
	return a.Cmp(b) > 0
}

// WithinTolerance reports whether |a-b| <= tolerance.
func (a Amount) WithinTolerance(b, tolerance Amount) bool {
	diff := a.Sub(b)
	if diff.Sign() < 0 {
		diff = diff.Mul(-1)
	}
	return !diff.GreaterThan(tolerance)
}

// MarshalJSON renders the amount as a quoted decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON parses a quoted decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// FromKAS parses a decimal KAS string (at most 8 fractional digits, as
// accepted on the wallet.send/estimate_fee amount_kas fields) into base
// units.
func FromKAS(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("amount: empty amount_kas value")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if !hasFrac {
		frac = ""
	}
	if len(frac) > kasDecimals {
		return Amount{}, fmt.Errorf("amount: amount_kas %q has more than %d fractional digits", s, kasDecimals)
	}
	frac = frac + strings.Repeat("0", kasDecimals-len(frac))
	if whole == "" {
		whole = "0"
	}
	combined := whole + frac
	v, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return Amount{}, fmt.Errorf("amount: invalid amount_kas value %q", s)
	}
	if neg {
		if v.Sign() != 0 {
			return Amount{}, fmt.Errorf("amount: amount_kas must not be negative: %q", s)
		}
	}
	return Amount{v: v}, nil
}

// Value implements driver.Valuer for the sqlite audit store.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for the sqlite audit store.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := FromString(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		return a.Scan(string(v))
	case int64:
		*a = FromInt64(v)
		return nil
	default:
		return fmt.Errorf("amount: cannot scan %T", src)
	}
}
