package orderbook

import (
	"fmt"

	"depthbook/internal/domain"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// ValidateGrouping checks that grouping is at least one tick and an exact multiple of it.
func ValidateGrouping(grouping, tickSize decimal.Decimal) error {
	if !tickSize.IsPositive() {
		return fmt.Errorf("%w: tick size %s is not positive", domain.ErrInvalidGrouping, tickSize)
	}
	if grouping.LessThan(tickSize) {
		return fmt.Errorf("%w: %s is below tick size %s", domain.ErrInvalidGrouping, grouping, tickSize)
	}
	if !grouping.Mod(tickSize).IsZero() {
		return fmt.Errorf("%w: %s is not a multiple of tick size %s", domain.ErrInvalidGrouping, grouping, tickSize)
	}
	return nil
}

// BucketPrice maps price onto the grouping grid, rounding toward the worse price for
// side: bids floor, asks ceil. The quotient is exact, so tick-boundary prices never
// drift into the neighbouring bucket.
func BucketPrice(side domain.Side, price, grouping decimal.Decimal) decimal.Decimal {
	q, r := price.QuoRem(grouping, 0)
	switch {
	case side == domain.SideAsk && r.IsPositive():
		q = q.Add(one)
	case side == domain.SideBid && r.IsNegative():
		q = q.Sub(one)
	}
	return q.Mul(grouping)
}

// Group buckets one side's levels by grouping. levels must already be best-first; the
// output keeps that order. depth limits the number of buckets (0 = unlimited); levels
// falling into the last kept bucket are still summed into it.
func Group(side domain.Side, levels []domain.RawLevel, grouping, tickSize decimal.Decimal, depth int) ([]domain.GroupedLevel, error) {
	if err := ValidateGrouping(grouping, tickSize); err != nil {
		return nil, err
	}

	capacity := len(levels)
	if depth > 0 && depth < capacity {
		capacity = depth
	}
	out := make([]domain.GroupedLevel, 0, capacity)

	for _, l := range levels {
		bucket := BucketPrice(side, l.Price, grouping)

		if n := len(out); n > 0 && out[n-1].Price.Equal(bucket) {
			out[n-1].Size = out[n-1].Size.Add(l.Size)
			continue
		}
		if depth > 0 && len(out) == depth {
			break
		}
		out = append(out, domain.GroupedLevel{Price: bucket, Size: l.Size})
	}

	return out, nil
}
