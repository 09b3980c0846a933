// Package money holds settlement and fiat amount helpers.
//
// Settlement amounts are KAS with 8 fractional digits; the ledger reports
// integer sompi (1 KAS = 100,000,000 sompi).
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is a payment link denomination.
type Currency string

const (
	KAS Currency = "KAS"
	USD Currency = "USD"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code       Currency
	MinorUnits int32
	Symbol     string
	Fiat       bool
}

var currencies = map[Currency]CurrencyInfo{
	KAS: {Code: KAS, MinorUnits: 8, Symbol: "KAS"},
	USD: {Code: USD, MinorUnits: 2, Symbol: "$", Fiat: true},
}

// SettlementDecimals is the fractional precision of the settlement unit.
const SettlementDecimals = 8

// SompiPerKAS is the number of base units in one KAS.
const SompiPerKAS int64 = 100_000_000

var sompiFactor = decimal.NewFromInt(SompiPerKAS)

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidRate     = errors.New("invalid exchange rate")
)

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// ParseCurrency normalizes and validates a currency code.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := currencies[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
	}
	return c, nil
}

// IsFiat reports whether amounts in c must be converted before settlement.
func (c Currency) IsFiat() bool {
	return currencies[c].Fiat
}

func (c Currency) String() string {
	return string(c)
}

// ParseAmount parses a positive decimal string with at most 8 fractional digits.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if !d.Equal(d.Truncate(SettlementDecimals)) {
		return decimal.Zero, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, SettlementDecimals)
	}
	return d, nil
}

// ToSompi converts a KAS amount to integer sompi. Digits beyond the
// eighth decimal place are rounded half away from zero.
func ToSompi(kas decimal.Decimal) int64 {
	return kas.Round(SettlementDecimals).Mul(sompiFactor).IntPart()
}

// FromSompi converts integer sompi to a KAS amount.
func FromSompi(sompi int64) decimal.Decimal {
	return decimal.New(sompi, -SettlementDecimals)
}

// ConvertToSettlement converts a fiat amount to KAS given the fiat price of
// one KAS, rounding to settlement precision.
func ConvertToSettlement(amount, rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, ErrInvalidRate
	}
	return amount.DivRound(rate, SettlementDecimals), nil
}

// FormatKAS renders a KAS amount with exactly 8 fractional digits.
func FormatKAS(kas decimal.Decimal) string {
	return kas.StringFixed(SettlementDecimals)
}
