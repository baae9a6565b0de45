// Package pricing turns base prices and discounts into charged amounts.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"subscription-service/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPrice  = errors.New("invalid price")
	ErrNegativePrice = errors.New("price must not be negative")
)

const maxDiscount = 100

var (
	hundred       = decimal.NewFromInt(100)
	minIntegerAmt = decimal.NewFromInt(1)
	minFractional = decimal.New(1, -2)
)

// integerCurrencies are settled in whole units only
var integerCurrencies = map[models.Currency]bool{
	models.CurrencyXTR: true,
}

// IsIntegerCurrency reports whether the currency has no fractional unit
func IsIntegerCurrency(currency models.Currency) bool {
	return integerCurrencies[currency]
}

// EffectiveDiscount picks the larger of the personal and purchase discounts, clamped to [0,100]
func EffectiveDiscount(personal, purchase int) int {
	d := personal
	if purchase > d {
		d = purchase
	}
	return clampDiscount(d)
}

// Calculate applies a discount and the currency rounding rule to a base price
func Calculate(basePrice decimal.Decimal, discountPercent int, currency models.Currency) models.PriceDetails {
	if basePrice.LessThanOrEqual(decimal.Zero) {
		return models.PriceDetails{
			OriginalAmount:  decimal.Zero,
			DiscountPercent: 0,
			FinalAmount:     decimal.Zero,
		}
	}

	discount := clampDiscount(discountPercent)
	if discount == maxDiscount {
		return models.PriceDetails{
			OriginalAmount:  basePrice,
			DiscountPercent: maxDiscount,
			FinalAmount:     decimal.Zero,
		}
	}

	multiplier := hundred.Sub(decimal.NewFromInt(int64(discount))).Div(hundred)
	final := roundForCurrency(basePrice.Mul(multiplier), currency)
	if final.GreaterThan(basePrice) {
		final = basePrice
	}

	if final.Equal(basePrice) {
		discount = 0
	}

	return models.PriceDetails{
		OriginalAmount:  basePrice,
		DiscountPercent: discount,
		FinalAmount:     final,
	}
}

// ParsePrice validates an admin-entered price; zero marks a free plan and skips the currency floor
func ParsePrice(input string, currency models.Currency) (decimal.Decimal, error) {
	raw := strings.ReplaceAll(strings.TrimSpace(input), ",", ".")
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: empty input", ErrInvalidPrice)
	}

	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidPrice, input)
	}
	if price.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNegativePrice, price)
	}
	if price.IsZero() {
		return decimal.Zero, nil
	}

	return roundForCurrency(price, currency), nil
}

func roundForCurrency(amount decimal.Decimal, currency models.Currency) decimal.Decimal {
	if IsIntegerCurrency(currency) {
		rounded := amount.Floor()
		if rounded.LessThan(minIntegerAmt) {
			return minIntegerAmt
		}
		return rounded
	}

	rounded := amount.Round(2)
	if rounded.LessThan(minFractional) {
		return minFractional
	}
	return rounded
}

func clampDiscount(d int) int {
	if d < 0 {
		return 0
	}
	if d > maxDiscount {
		return maxDiscount
	}
	return d
}
