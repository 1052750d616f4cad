package facilitator

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount coerces a JSON number or decimal string into a decimal value.
func ParseAmount(raw interface{}) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case nil:
		return decimal.Decimal{}, fmt.Errorf("amount is required")
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return decimal.Decimal{}, fmt.Errorf("amount is required")
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("invalid amount format: %s", v)
		}
		return d, nil
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("invalid amount format: %s", v)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("amount must be a number or decimal string")
	}
}

// CanonicalAmount returns the normalized decimal string for an amount.
func CanonicalAmount(d decimal.Decimal) string {
	return d.String()
}

// ToBaseUnits converts a decimal amount string into the token's smallest unit.
func ToBaseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits formats a base-unit integer as a decimal string.
func FromBaseUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}
