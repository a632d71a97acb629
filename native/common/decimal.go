package common

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// DecimalPlaces is the number of fractional digits carried by every fixed-point
// amount handled by the native modules.
const DecimalPlaces = 18

// maxDecPowExponent caps DecPow at 1000 years expressed in minutes. Beyond that
// the result is indistinguishable from zero for any factor in use.
const maxDecPowExponent = 525_600_000

var (
	ErrArithmeticOverflow  = errors.New("decimal: arithmetic overflow")
	ErrArithmeticUnderflow = errors.New("decimal: arithmetic underflow")
	ErrDivisionByZero      = errors.New("decimal: division by zero")
	ErrInvalidDecimal      = errors.New("decimal: invalid amount")
)

var (
	unit        = uint256.NewInt(1_000_000_000_000_000_000)
	halfUnit    = uint256.NewInt(500_000_000_000_000_000)
	scaleFactor = uint256.NewInt(1_000_000_000)
)

// Unit returns 1.0 in fixed-point representation (10^18).
func Unit() *uint256.Int { return new(uint256.Int).Set(unit) }

// ScaleFactor returns the 10^9 rescale step applied to running products that
// approach the precision floor.
func ScaleFactor() *uint256.Int { return new(uint256.Int).Set(scaleFactor) }

// Zero returns a freshly allocated zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// Clone copies x, treating nil as zero.
func Clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}

// IsZero reports whether x is nil or zero.
func IsZero(x *uint256.Int) bool {
	return x == nil || x.IsZero()
}

// Min returns a copy of the smaller operand.
func Min(a, b *uint256.Int) *uint256.Int {
	a, b = Clone(a), Clone(b)
	if a.Lt(b) {
		return a
	}
	return b
}

// Add returns a+b or ErrArithmeticOverflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(Clone(a), Clone(b))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return sum, nil
}

// Sub returns a-b or ErrArithmeticUnderflow when b exceeds a.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	diff, underflow := new(uint256.Int).SubOverflow(Clone(a), Clone(b))
	if underflow {
		return nil, ErrArithmeticUnderflow
	}
	return diff, nil
}

// Mul returns a*b or ErrArithmeticOverflow.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(Clone(a), Clone(b))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return product, nil
}

// Div returns the truncated quotient a/d.
func Div(a, d *uint256.Int) (*uint256.Int, error) {
	if IsZero(d) {
		return nil, ErrDivisionByZero
	}
	return new(uint256.Int).Div(Clone(a), d), nil
}

// MulDiv computes a*b/d with a 512-bit intermediate product, truncating the
// result. It fails only when d is zero or the quotient itself overflows.
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if IsZero(d) {
		return nil, ErrDivisionByZero
	}
	quotient, overflow := new(uint256.Int).MulDivOverflow(Clone(a), Clone(b), d)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return quotient, nil
}

// DecMul multiplies two fixed-point values, rounding half up.
func DecMul(x, y *uint256.Int) (*uint256.Int, error) {
	product, err := Mul(x, y)
	if err != nil {
		return nil, err
	}
	product, err = Add(product, halfUnit)
	if err != nil {
		return nil, err
	}
	return product.Div(product, unit), nil
}

// DecPow raises a fixed-point base to an integer exponent using exponentiation
// by squaring. Exponents above 1000 years of minutes are capped.
func DecPow(base *uint256.Int, exponent uint64) (*uint256.Int, error) {
	if exponent > maxDecPowExponent {
		exponent = maxDecPowExponent
	}
	if exponent == 0 {
		return Unit(), nil
	}
	y := Unit()
	x := Clone(base)
	n := exponent
	var err error
	for n > 1 {
		if n%2 == 0 {
			if x, err = DecMul(x, x); err != nil {
				return nil, err
			}
			n /= 2
			continue
		}
		if y, err = DecMul(x, y); err != nil {
			return nil, err
		}
		if x, err = DecMul(x, x); err != nil {
			return nil, err
		}
		n = (n - 1) / 2
	}
	return DecMul(x, y)
}

// ParseDecimal converts a human readable amount such as "12.5" into its
// fixed-point integer representation. Plain integers without a fractional part
// are interpreted as whole units.
func ParseDecimal(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDecimal)
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDecimal, err)
	}
	if parsed.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount", ErrInvalidDecimal)
	}
	shifted := parsed.Shift(DecimalPlaces)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: more than %d fractional digits", ErrInvalidDecimal, DecimalPlaces)
	}
	out, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

// ParseRaw parses a base-10 integer already expressed in fixed-point units.
func ParseRaw(value string) (*uint256.Int, error) {
	out, err := uint256.FromDecimal(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDecimal, err)
	}
	return out, nil
}

// FormatDecimal renders a fixed-point integer as a human readable decimal
// string with trailing zeros removed.
func FormatDecimal(x *uint256.Int) string {
	return decimal.NewFromBigInt(Clone(x).ToBig(), -DecimalPlaces).String()
}

// ToFloat64 renders a fixed-point value as a float in whole units. Precision is
// lost beyond 53 bits; use only for telemetry.
func ToFloat64(x *uint256.Int) float64 {
	return decimal.NewFromBigInt(Clone(x).ToBig(), -DecimalPlaces).InexactFloat64()
}
