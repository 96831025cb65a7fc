// Package pricing computes billing-grade token prices with exact decimals.
package pricing

import (
	"github.com/shopspring/decimal"
)

const (
	tokensPerUnitExp = -3 // prices are quoted per 1000 tokens
	unitPlaces       = 3
	totalPlaces      = 7
)

// TokenPrice returns round_half_up(tokens/1000, 3) * unitPrice, unrounded.
func TokenPrice(tokens int, unitPrice decimal.Decimal) decimal.Decimal {
	return roundHalfUp(decimal.New(int64(tokens), tokensPerUnitExp), unitPlaces).Mul(unitPrice)
}

// Total sums the prompt-side and completion-side contributions and rounds the
// result half-up to 7 decimal places.
func Total(promptTokens int, promptUnitPrice decimal.Decimal, completionTokens int, completionUnitPrice decimal.Decimal) decimal.Decimal {
	sum := TokenPrice(promptTokens, promptUnitPrice).Add(TokenPrice(completionTokens, completionUnitPrice))
	return roundHalfUp(sum, totalPlaces)
}

// Price is the single-sided form of Total.
func Price(tokens int, unitPrice decimal.Decimal) decimal.Decimal {
	return roundHalfUp(TokenPrice(tokens, unitPrice), totalPlaces)
}

// roundHalfUp rounds ties away from zero, matching the billing rounding mode
// of the stored prices.
func roundHalfUp(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}
