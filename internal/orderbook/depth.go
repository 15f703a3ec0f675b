package orderbook

import (
	"depthbook/internal/domain"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// DefaultSizePercentFloor keeps thin levels visible as a sliver.
var DefaultSizePercentFloor = decimal.NewFromFloat(0.5)

// PriceSet is a set of exact prices. Keys are normalized so 100 and 100.00 collide.
type PriceSet map[string]struct{}

// NewPriceSet builds a set from prices.
func NewPriceSet(prices ...decimal.Decimal) PriceSet {
	s := make(PriceSet, len(prices))
	for _, p := range prices {
		s.Add(p)
	}
	return s
}

// Add inserts p.
func (s PriceSet) Add(p decimal.Decimal) {
	s[p.String()] = struct{}{}
}

// Contains reports whether p is in the set. A nil set contains nothing.
func (s PriceSet) Contains(p decimal.Decimal) bool {
	_, ok := s[p.String()]
	return ok
}

// OwnPrices holds the bucketed prices of the caller's resting orders, one set per side.
// A crossed book can show the same price on both sides; only the order's own side is marked.
type OwnPrices struct {
	Bids PriceSet
	Asks PriceSet
}

// Side returns the set for side.
func (o OwnPrices) Side(side domain.Side) PriceSet {
	if side == domain.SideAsk {
		return o.Asks
	}
	return o.Bids
}

// OwnOrderPrices buckets the caller's resting orders with their side's rounding so
// they line up with grouped levels.
func OwnOrderPrices(orders []domain.OpenOrder, grouping decimal.Decimal) OwnPrices {
	own := OwnPrices{Bids: make(PriceSet), Asks: make(PriceSet)}
	if !grouping.IsPositive() {
		return own
	}
	for _, o := range orders {
		own.Side(o.Side).Add(BucketPrice(o.Side, o.Price, grouping))
	}
	return own
}

// BuildDepth annotates grouped bids and asks for rendering. Both slices must already be
// truncated to the depth window: the largest level and the total size are taken across
// both sides together, so bar widths compare across the whole book.
func BuildDepth(bids, asks []domain.GroupedLevel, own OwnPrices, sizePercentFloor decimal.Decimal) ([]domain.DisplayLevel, []domain.DisplayLevel) {
	maxSize := decimal.Zero
	total := decimal.Zero
	for _, side := range [][]domain.GroupedLevel{bids, asks} {
		for _, l := range side {
			if l.Size.GreaterThan(maxSize) {
				maxSize = l.Size
			}
			total = total.Add(l.Size)
		}
	}

	return buildSide(bids, own.Bids, maxSize, total, sizePercentFloor),
		buildSide(asks, own.Asks, maxSize, total, sizePercentFloor)
}

func buildSide(levels []domain.GroupedLevel, own PriceSet, maxSize, total, floor decimal.Decimal) []domain.DisplayLevel {
	out := make([]domain.DisplayLevel, 0, len(levels))
	cumSize := decimal.Zero
	cumValue := decimal.Zero

	for _, l := range levels {
		cumSize = cumSize.Add(l.Size)
		cumValue = cumValue.Add(l.Price.Mul(l.Size))

		d := domain.DisplayLevel{
			GroupedLevel:    l,
			CumulativeSize:  cumSize,
			CumulativeValue: cumValue,
			IsUsersOrder:    own.Contains(l.Price),
		}
		if cumSize.IsPositive() {
			d.AveragePrice = cumValue.Div(cumSize)
		}

		pct := decimal.Zero
		if maxSize.IsPositive() {
			pct = l.Size.Div(maxSize).Mul(hundred)
		}
		d.SizePercent = decimal.Min(decimal.Max(pct, floor), hundred)

		if total.IsPositive() {
			d.CumulativeSizePercent = cumSize.Div(total).Mul(hundred)
		}

		out = append(out, d)
	}
	return out
}
