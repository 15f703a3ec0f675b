package orderbook

import (
	"depthbook/internal/domain"

	"github.com/shopspring/decimal"
)

// Params are the presentation inputs a view is derived with.
type Params struct {
	Grouping         decimal.Decimal
	Depth            int
	SizePercentFloor decimal.Decimal
}

// BuildView derives the full OrderbookView from a committed state. It is a pure
// function of its inputs and cheap enough to run on every commit.
func BuildView(state domain.BookState, tickSize decimal.Decimal, p Params, own OwnPrices) (domain.OrderbookView, error) {
	bids, err := Group(domain.SideBid, state.Levels(domain.SideBid), p.Grouping, tickSize, p.Depth)
	if err != nil {
		return domain.OrderbookView{}, err
	}
	asks, err := Group(domain.SideAsk, state.Levels(domain.SideAsk), p.Grouping, tickSize, p.Depth)
	if err != nil {
		return domain.OrderbookView{}, err
	}

	displayBids, displayAsks := BuildDepth(bids, asks, own, p.SizePercentFloor)
	spread, pct := Spread(displayBids, displayAsks, tickSize)

	return domain.OrderbookView{
		MarketID:         state.MarketID,
		Grouping:         p.Grouping,
		Bids:             displayBids,
		Asks:             displayAsks,
		Spread:           spread,
		SpreadPercentage: pct,
	}, nil
}
