package entities

import (
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimalCurrencies are the ISO codes the processor bills in whole
// units rather than hundredths.
var zeroDecimalCurrencies = map[string]bool{
	"bif": true,
	"clp": true,
	"djf": true,
	"gnf": true,
	"jpy": true,
	"kmf": true,
	"krw": true,
	"mga": true,
	"pyg": true,
	"rwf": true,
	"vnd": true,
	"vuv": true,
	"xaf": true,
	"xof": true,
	"xpf": true,
}

// IsZeroDecimalCurrency reports whether the currency has no minor unit
func IsZeroDecimalCurrency(currency string) bool {
	return zeroDecimalCurrencies[strings.ToLower(currency)]
}

// AmountFromCents converts a processor integer amount into the decimal
// currency units stored locally.
func AmountFromCents(cents int64, currency string) decimal.Decimal {
	if IsZeroDecimalCurrency(currency) {
		return decimal.NewFromInt(cents)
	}
	return decimal.New(cents, -2)
}

// AmountToCents converts a local decimal amount into the integer form the
// processor API expects.
func AmountToCents(amount decimal.Decimal, currency string) int64 {
	if IsZeroDecimalCurrency(currency) {
		return amount.IntPart()
	}
	return amount.Shift(2).IntPart()
}
