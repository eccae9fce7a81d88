// Package units converts between user-entered decimal amounts and on-chain
// base units.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("units: invalid amount")

// amountInput is what the amount field accepts while typing, so "", "1." and
// ".5" are all valid inputs.
var amountInput = regexp.MustCompile(`^\d*\.?\d*$`)

// IsAmountInput reports whether s may be held by the amount field.
func IsAmountInput(s string) bool {
	return amountInput.MatchString(s)
}

func parse(s string) (decimal.Decimal, error) {
	if !IsAmountInput(s) || s == "" || s == "." {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}

// IsPositive reports whether s parses to a number greater than zero.
func IsPositive(s string) bool {
	d, err := parse(s)
	return err == nil && d.Sign() > 0
}

// ParseUnits scales s by 10^decimals. Extra fractional digits are rounded
// half up.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	d, err := parse(s)
	if err != nil {
		return nil, err
	}
	return d.Shift(int32(decimals)).Round(0).BigInt(), nil
}

// FormatFixed renders raw base units with exactly places fractional digits.
// A nil raw value renders as zero.
func FormatFixed(raw *big.Int, decimals uint8, places int32) string {
	if raw == nil {
		raw = new(big.Int)
	}
	return decimal.NewFromBigInt(raw, -int32(decimals)).StringFixed(places)
}
