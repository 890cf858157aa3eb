package domain

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Units is an amount in micro-units: 1 whole unit equals 1_000_000 Units.
type Units uint64

const (
	// UnitScale is the number of decimal places carried by Units.
	UnitScale = 6

	// DisplayPlaces is the number of decimals used for human-facing balances.
	DisplayPlaces = 2

	// DefaultDepositAmount is deposited when a caller does not name an amount.
	DefaultDepositAmount Units = 10_000_000

	// MaxUnits bounds every amount and running total so it still fits a
	// signed BIGINT column.
	MaxUnits Units = math.MaxInt64

	maxAmountLen   = 40
	minAmountScale = -30
	maxAmountScale = 20
)

// ParseAmount converts a decimal string into Units, truncating anything past
// six decimal places.
// Input length and exponent are bounded before scaling, since scaling
// materialises 10^|exponent|.
func ParseAmount(s string) (Units, error) {
	s = strings.TrimSpace(s)
	if len(s) > maxAmountLen {
		return 0, fmt.Errorf("%w: longer than %d characters", ErrInvalidAmount, maxAmountLen)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	if exp := d.Exponent(); exp < minAmountScale || exp > maxAmountScale {
		return 0, fmt.Errorf("%w: %q is out of range", ErrInvalidAmount, s)
	}

	scaled := d.Shift(UnitScale).Truncate(0).BigInt()
	if !scaled.IsUint64() || Units(scaled.Uint64()) > MaxUnits {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidAmount, s)
	}
	return Units(scaled.Uint64()), nil
}

// Decimal returns the amount as a decimal value in whole units.
func (u Units) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(u)), -UnitScale)
}

// String renders the exact amount without trailing zeros, e.g. "12.5".
func (u Units) String() string {
	return u.Decimal().String()
}

// Format renders the amount with a fixed number of decimals for display.
// The result is never parsed back for accounting.
func (u Units) Format() string {
	return u.Decimal().StringFixed(DisplayPlaces)
}
