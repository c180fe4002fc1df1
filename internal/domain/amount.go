package domain

import (
	"fmt"
	"math/big"
)

// Amount is an arbitrary-precision non-negative integer denominated in the
// smallest unit of the settlement currency. Amount values are immutable: every
// arithmetic method returns a new value and never touches its receiver, so an
// Amount can be shared between snapshots without copying.
type Amount struct {
	v *big.Int
}

// NewAmount returns an Amount holding a copy of x. A nil x yields zero.
func NewAmount(x *big.Int) Amount {
	if x == nil {
		return Amount{}
	}
	return Amount{v: new(big.Int).Set(x)}
}

// AmountFromInt64 is a convenience constructor used mostly by tests.
func AmountFromInt64(n int64) Amount {
	return Amount{v: big.NewInt(n)}
}

// ParseAmount parses a base-10 integer string. Negative values are rejected.
func ParseAmount(s string) (Amount, error) {
	if s == "" {
		return Amount{}, nil
	}
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("domain: parse amount %q", s)
	}
	if x.Sign() < 0 {
		return Amount{}, fmt.Errorf("domain: negative amount %q", s)
	}
	return Amount{v: x}, nil
}

// MustParseAmount is ParseAmount for constants; it panics on bad input.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// Big returns a copy of the underlying integer.
func (a Amount) Big() *big.Int {
	return new(big.Int).Set(a.big())
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.big(), b.big())}
}

// Sub returns a - b. Callers must ensure the result is non-negative.
func (a Amount) Sub(b Amount) Amount {
	return Amount{v: new(big.Int).Sub(a.big(), b.big())}
}

// MulInt64 returns a * n.
func (a Amount) MulInt64(n int64) Amount {
	return Amount{v: new(big.Int).Mul(a.big(), big.NewInt(n))}
}

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	return a.big().Cmp(b.big())
}

// Equal reports whether a and b hold the same value.
func (a Amount) Equal(b Amount) bool {
	return a.Cmp(b) == 0
}

// Sign returns -1, 0 or +1.
func (a Amount) Sign() int {
	return a.big().Sign()
}

// IsZero reports whether a == 0.
func (a Amount) IsZero() bool {
	return a.Sign() == 0
}

// String returns the base-10 representation.
func (a Amount) String() string {
	return a.big().String()
}

// MarshalText encodes the amount as a decimal string so JSON clients never
// lose precision to float64.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// SumAmounts adds all values.
func SumAmounts(values ...Amount) Amount {
	total := new(big.Int)
	for _, v := range values {
		total.Add(total, v.big())
	}
	return Amount{v: total}
}
