package common

import (
	"errors"
	"strings"
	"testing"

	"github.com/holiman/uint256"
)

func TestParseAndFormatDecimal(t *testing.T) {
	cases := []struct {
		in   string
		raw  string
		back string
	}{
		{"1", "1000000000000000000", "1"},
		{"12.5", "12500000000000000000", "12.5"},
		{" 0.000000000000000001 ", "1", "0.000000000000000001"},
		{"0", "0", "0"},
	}
	for _, tc := range cases {
		got, err := ParseDecimal(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got.Dec() != tc.raw {
			t.Fatalf("parse %q = %s, want %s", tc.in, got.Dec(), tc.raw)
		}
		if formatted := FormatDecimal(got); formatted != tc.back {
			t.Fatalf("format %s = %q, want %q", tc.raw, formatted, tc.back)
		}
	}
}

func TestParseDecimalRejects(t *testing.T) {
	for _, in := range []string{"", "abc", "-1", "0.0000000000000000001"} {
		if _, err := ParseDecimal(in); !errors.Is(err, ErrInvalidDecimal) {
			t.Fatalf("parse %q: expected ErrInvalidDecimal, got %v", in, err)
		}
	}
	huge := "1" + strings.Repeat("0", 69)
	if _, err := ParseDecimal(huge); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestCheckedArithmetic(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	if _, err := Add(max, uint256.NewInt(1)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected add overflow, got %v", err)
	}
	if _, err := Sub(uint256.NewInt(1), uint256.NewInt(2)); !errors.Is(err, ErrArithmeticUnderflow) {
		t.Fatalf("expected underflow, got %v", err)
	}
	if _, err := Mul(max, uint256.NewInt(2)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected mul overflow, got %v", err)
	}
	if _, err := Div(uint256.NewInt(1), nil); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected division by zero, got %v", err)
	}
	// 512-bit intermediate: max*2/4 fits.
	got, err := MulDiv(max, uint256.NewInt(2), uint256.NewInt(4))
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	want := new(uint256.Int).Rsh(max, 1)
	if !got.Eq(want) {
		t.Fatalf("muldiv = %s, want %s", got.Dec(), want.Dec())
	}
	if Min(nil, uint256.NewInt(3)).Sign() != 0 {
		t.Fatalf("nil should compare as zero")
	}
}

func TestDecPow(t *testing.T) {
	half, _ := ParseDecimal("0.5")
	got, err := DecPow(half, 3)
	if err != nil {
		t.Fatalf("decpow: %v", err)
	}
	if FormatDecimal(got) != "0.125" {
		t.Fatalf("0.5^3 = %s", FormatDecimal(got))
	}
	one, err := DecPow(half, 0)
	if err != nil || !one.Eq(Unit()) {
		t.Fatalf("x^0 should be one, got %v %v", one, err)
	}
}

func TestGuard(t *testing.T) {
	if err := Guard(nil, "stability"); err != nil {
		t.Fatalf("nil view should not pause: %v", err)
	}
	pauses := NewPauseSet(" Stability ", "")
	if err := Guard(pauses, "stability"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	if err := Guard(pauses, "lending"); err != nil {
		t.Fatalf("other modules should run: %v", err)
	}
	if len(pauses) != 1 {
		t.Fatalf("blank names should be ignored: %v", pauses)
	}
}
