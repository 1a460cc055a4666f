// Package rates holds the exchange-rate rules shared by negotiations and
// trades: the ±20% deviation band and the minimum rate.
package rates

import (
	"github.com/shopspring/decimal"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
)

var (
	// MaxDeviation is the largest allowed |proposed − original| / original.
	MaxDeviation = decimal.RequireFromString("0.20")

	// MinRate is the smallest rate that may be proposed.
	MinRate = decimal.RequireFromString("0.0001")

	hundred = decimal.NewFromInt(100)
)

// Validate checks proposed against original. The band is inclusive, so a
// change of exactly 20% is accepted.
func Validate(original, proposed decimal.Decimal) error {
	if !original.IsPositive() {
		return apperr.BadRequest("original rate must be positive")
	}
	if proposed.LessThan(MinRate) {
		return apperr.BadRequest("rate must be at least %s", MinRate.String())
	}
	// |Δ| ≤ 0.20 × original, compared without division to keep the boundary exact.
	delta := proposed.Sub(original).Abs()
	if delta.GreaterThan(original.Mul(MaxDeviation)) {
		return apperr.BadRequest("rate change of %s%% exceeds the allowed %s%%",
			ChangePercent(original, proposed).Abs().StringFixed(2),
			MaxDeviation.Mul(hundred).StringFixed(0))
	}
	return nil
}

// ChangePercent returns the signed change from original to proposed in
// percent, rounded to two decimal places.
func ChangePercent(original, proposed decimal.Decimal) decimal.Decimal {
	if original.IsZero() {
		return decimal.Zero
	}
	return proposed.Sub(original).Div(original).Mul(hundred).Round(2)
}

// Direction describes a rate change for notifications.
func Direction(original, proposed decimal.Decimal) string {
	switch proposed.Cmp(original) {
	case 1:
		return "increased"
	case -1:
		return "decreased"
	}
	return "unchanged"
}

// Convert returns amount × rate rounded to the settlement precision.
func Convert(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Round(2)
}
