package orderbook

import (
	"errors"
	"testing"

	"depthbook/internal/domain"
)

func TestBuildView_TwoLevelBook(t *testing.T) {
	state := domain.BookState{
		MarketID: "SOL-PERP",
		Bids:     &domain.SideSnapshot{Side: domain.SideBid, Levels: []domain.RawLevel{lvl("100", "5"), lvl("99", "3")}},
		Asks:     &domain.SideSnapshot{Side: domain.SideAsk, Levels: []domain.RawLevel{lvl("101", "4"), lvl("102", "2")}},
	}

	view, err := BuildView(state, dec("1"), Params{Grouping: dec("1"), Depth: 10, SizePercentFloor: DefaultSizePercentFloor}, OwnPrices{})
	if err != nil {
		t.Fatalf("BuildView() error = %v", err)
	}

	if view.MarketID != "SOL-PERP" {
		t.Errorf("market id = %q", view.MarketID)
	}
	if !view.Spread.Equal(dec("1")) || !view.SpreadPercentage.Round(2).Equal(dec("0.99")) {
		t.Errorf("spread = %s (%s%%), want 1 (~0.99%%)", view.Spread, view.SpreadPercentage)
	}
	if len(view.Bids) != 2 || !view.Bids[1].CumulativeSize.Equal(dec("8")) {
		t.Errorf("bids = %+v", view.Bids)
	}
	if len(view.Asks) != 2 || !view.Asks[1].CumulativeSize.Equal(dec("6")) {
		t.Errorf("asks = %+v", view.Asks)
	}
}

func TestBuildView_OneSided(t *testing.T) {
	state := domain.BookState{
		Asks: &domain.SideSnapshot{Side: domain.SideAsk, Levels: []domain.RawLevel{lvl("101", "4")}},
	}

	view, err := BuildView(state, dec("1"), Params{Grouping: dec("1"), Depth: 10}, OwnPrices{})
	if err != nil {
		t.Fatalf("BuildView() error = %v", err)
	}
	if len(view.Bids) != 0 || len(view.Asks) != 1 {
		t.Errorf("got %d bids / %d asks", len(view.Bids), len(view.Asks))
	}
	if !view.Spread.IsZero() || !view.SpreadPercentage.IsZero() {
		t.Errorf("one-sided book spread = %s / %s", view.Spread, view.SpreadPercentage)
	}
}

func TestBuildView_InvalidGrouping(t *testing.T) {
	_, err := BuildView(domain.BookState{}, dec("0.01"), Params{Grouping: dec("0.015"), Depth: 10}, OwnPrices{})
	if !errors.Is(err, domain.ErrInvalidGrouping) {
		t.Errorf("expected ErrInvalidGrouping, got %v", err)
	}
}
