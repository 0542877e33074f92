package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"fundcard/services/redeemd/offers"
)

var hundred = decimal.NewFromInt(100)

// ComputeDiscount returns the discount granted on purchase. The result is
// rounded to cents half away from zero and never exceeds the purchase.
func ComputeDiscount(kind offers.DiscountType, value, purchase decimal.Decimal) (decimal.Decimal, error) {
	if purchase.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: purchase amount %s", ErrInvalidAmount, purchase)
	}
	if value.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: discount value %s", ErrInvalidAmount, value)
	}
	var discount decimal.Decimal
	switch kind {
	case offers.DiscountPercentage:
		discount = percentageDiscount(value, purchase)
	case offers.DiscountFixedAmount:
		discount = fixedDiscount(value, purchase)
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownDiscountType, kind)
	}
	return decimal.Min(discount, purchase).Round(2), nil
}

func percentageDiscount(percent, purchase decimal.Decimal) decimal.Decimal {
	if percent.GreaterThan(hundred) {
		percent = hundred
	}
	return purchase.Mul(percent).Div(hundred).Round(2)
}

func fixedDiscount(amount, purchase decimal.Decimal) decimal.Decimal {
	return decimal.Min(amount, purchase)
}
