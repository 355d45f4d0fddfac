package checkout

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tabletap/tabletap-client/internal/cart"
)

// currencyExponents lists minor-unit exponents for currencies where it is
// not 2.
var currencyExponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
}

func exponentFor(currency string) int32 {
	if exp, ok := currencyExponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// Totals is the client-side order total. It is advisory: the server
// recomputes and is authoritative for what is actually charged.
type Totals struct {
	Subtotal    decimal.Decimal
	Tax         decimal.Decimal
	Total       decimal.Decimal
	AmountMinor int64
	Currency    string
}

// ComputeTotals prices a cart snapshot with the given tax fraction
// (0.18 for 18%) and converts to the currency's minor unit, rounding
// half away from zero.
func ComputeTotals(snapshot *cart.Cart, taxRate decimal.Decimal, currency string) (Totals, error) {
	if snapshot == nil || snapshot.IsEmpty() {
		return Totals{}, fmt.Errorf("cannot price an empty cart")
	}
	subtotal := snapshot.Subtotal()
	tax := subtotal.Mul(taxRate)
	total := subtotal.Add(tax)

	exp := exponentFor(currency)
	minor := total.Shift(exp).Round(0)
	if !minor.IsInteger() || minor.IsNegative() {
		return Totals{}, fmt.Errorf("total %s does not convert to %s minor units", total, currency)
	}
	return Totals{
		Subtotal:    subtotal,
		Tax:         tax,
		Total:       total,
		AmountMinor: minor.IntPart(),
		Currency:    strings.ToUpper(currency),
	}, nil
}
