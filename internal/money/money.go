package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a fixed-point EUR amount in cents.
// All balance and price arithmetic is performed on int64 cents to avoid
// floating-point drift inside transactions.
type Amount int64

var (
	// ErrInvalidFormat occurs when parsing a major-unit string fails.
	ErrInvalidFormat = errors.New("money: invalid format")

	// ErrNegativeAmount occurs when a negative amount is not allowed.
	ErrNegativeAmount = errors.New("money: negative amount not allowed")

	// ErrOverflow occurs when an operation would exceed int64 capacity.
	ErrOverflow = errors.New("money: arithmetic overflow")
)

// Zero is the zero EUR amount.
const Zero Amount = 0

// FromCents creates an Amount from an integer number of cents.
func FromCents(cents int64) Amount {
	return Amount(cents)
}

// FromMajor parses a major-unit string such as "10.50" into cents.
// At most two fractional digits are accepted; "10.5" means 10.50.
func FromMajor(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidFormat
	}
	// Users paste amounts with a comma decimal separator.
	s = strings.ReplaceAll(s, ",", ".")

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, fmt.Errorf("%w: too many decimal points", ErrInvalidFormat)
	}

	whole, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	var frac int64
	if len(parts) == 2 {
		f := parts[1]
		if len(f) == 0 || len(f) > 2 {
			return 0, fmt.Errorf("%w: expected at most 2 fractional digits", ErrInvalidFormat)
		}
		if len(f) == 1 {
			f += "0"
		}
		frac, err = strconv.ParseInt(f, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
	}

	cents := whole*100 + frac
	if neg {
		cents = -cents
	}
	return Amount(cents), nil
}

// MustFromMajor parses a major-unit string and panics on error.
// Intended for constants in tests and seed data.
func MustFromMajor(s string) Amount {
	a, err := FromMajor(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Cents returns the amount as int64 cents.
func (a Amount) Cents() int64 {
	return int64(a)
}

// Major returns the amount formatted in major units with two decimals,
// e.g. "10.50". No currency symbol is attached.
func (a Amount) Major() string {
	c := int64(a)
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

// String implements fmt.Stringer as "<major> EUR".
func (a Amount) String() string {
	return a.Major() + " EUR"
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a == 0 }

// IsNegative reports whether the amount is below zero.
func (a Amount) IsNegative() bool { return a < 0 }

// Add returns a+b.
func (a Amount) Add(b Amount) Amount { return a + b }

// Sub returns a-b.
func (a Amount) Sub(b Amount) Amount { return a - b }

// Decimal returns the amount as a decimal in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -2)
}

// FromDecimal converts a major-unit decimal to cents, rounding half-up.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount(d.Shift(2).Round(0).IntPart())
}

// FromDecimalFloor converts a major-unit decimal to cents, rounding down.
// Over/underpayment credits round in the house's favour.
func FromDecimalFloor(d decimal.Decimal) Amount {
	return Amount(d.Shift(2).Floor().IntPart())
}

// WithinCents reports whether a and b differ by at most tolerance cents.
func WithinCents(a, b Amount, tolerance int64) bool {
	d := int64(a) - int64(b)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// Sum adds the given amounts.
func Sum(amounts ...Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total += a
	}
	return total
}
