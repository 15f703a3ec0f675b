package orderbook

import (
	"depthbook/internal/domain"

	"github.com/shopspring/decimal"
)

// maxPlaces bounds DecimalPlaces for pathological inputs.
const maxPlaces = 28

// DecimalPlaces returns the number of significant fractional digits of d
// (0.01 -> 2, 0.010 -> 2, 5 -> 0).
func DecimalPlaces(d decimal.Decimal) int32 {
	var n int32
	for n < maxPlaces && !d.Shift(n).IsInteger() {
		n++
	}
	return n
}

// Spread derives the top-of-book spread from built depth. With either side empty both
// results are zero. A transiently crossed pair (sides commit independently) reports a
// zero spread rather than a negative one.
func Spread(bids, asks []domain.DisplayLevel, tickSize decimal.Decimal) (spread, percentage decimal.Decimal) {
	if len(bids) == 0 || len(asks) == 0 {
		return decimal.Zero, decimal.Zero
	}

	bestBid := bids[0].Price
	bestAsk := asks[0].Price

	spread = bestAsk.Sub(bestBid).Round(DecimalPlaces(tickSize))
	if spread.IsNegative() {
		spread = decimal.Zero
	}

	if bestAsk.IsZero() {
		return spread, decimal.Zero
	}
	return spread, spread.Div(bestAsk).Mul(hundred)
}
