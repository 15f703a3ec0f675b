package service

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"depthbook/internal/domain"
	"depthbook/internal/infra"
	"depthbook/internal/market"
	"depthbook/internal/orderbook"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func lvl(price, size string) domain.RawLevel {
	return domain.RawLevel{Price: dec(price), Size: dec(size)}
}

func testMarket(t *testing.T, id string) domain.Market {
	t.Helper()
	m, err := market.NewPerp(market.Params{
		ID:           id,
		TickSize:     dec("0.5"),
		MinOrderSize: dec("0.1"),
		BidsAccount:  id + "-bids",
		AsksAccount:  id + "-asks",
	})
	if err != nil {
		t.Fatalf("NewPerp error = %v", err)
	}
	return m
}

func testState(id string) domain.BookState {
	return domain.BookState{
		MarketID: id,
		Bids:     &domain.SideSnapshot{Side: domain.SideBid, Levels: []domain.RawLevel{lvl("100", "5"), lvl("99.5", "3"), lvl("99", "1")}},
		Asks:     &domain.SideSnapshot{Side: domain.SideAsk, Levels: []domain.RawLevel{lvl("101", "4"), lvl("101.5", "2")}},
	}
}

func newTestService(t *testing.T) (*BookService, *infra.Metrics) {
	t.Helper()
	m := &infra.Metrics{}
	svc := NewBookService(40, orderbook.DefaultSizePercentFloor,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(m))
	return svc, m
}

func TestBookService_OnCommit(t *testing.T) {
	svc, m := newTestService(t)
	if err := svc.Reset(testMarket(t, "SOL-PERP"), dec("0.5")); err != nil {
		t.Fatalf("Reset error = %v", err)
	}

	if _, ok := svc.View(); ok {
		t.Fatal("view ready before first commit")
	}

	svc.OnCommit(testState("SOL-PERP"))

	view, ok := svc.View()
	if !ok {
		t.Fatal("view not ready after commit")
	}
	if len(view.Bids) != 3 || len(view.Asks) != 2 {
		t.Fatalf("got %d bids, %d asks", len(view.Bids), len(view.Asks))
	}
	if !view.Spread.Equal(dec("1")) {
		t.Errorf("spread = %s, want 1", view.Spread)
	}
	if s := m.Snapshot(); s.Recomputes != 1 {
		t.Errorf("recomputes = %d, want 1", s.Recomputes)
	}
}

func TestBookService_DiscardsOtherMarket(t *testing.T) {
	svc, _ := newTestService(t)

	// No market selected yet.
	svc.OnCommit(testState("SOL-PERP"))
	if _, ok := svc.View(); ok {
		t.Fatal("commit without market produced a view")
	}

	svc.Reset(testMarket(t, "SOL-PERP"), dec("0.5"))
	svc.OnCommit(testState("BTC-PERP"))
	if _, ok := svc.View(); ok {
		t.Error("commit for another market produced a view")
	}
}

func TestBookService_SetGrouping(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.SetGrouping(dec("1")); !errors.Is(err, domain.ErrNotActive) {
		t.Errorf("SetGrouping without market = %v, want ErrNotActive", err)
	}

	svc.Reset(testMarket(t, "SOL-PERP"), dec("0.5"))
	svc.OnCommit(testState("SOL-PERP"))

	tests := []struct {
		name     string
		grouping string
		wantErr  bool
		bids     int
	}{
		{"coarser", "1", false, 2},
		{"below tick", "0.25", true, 2},
		{"not a multiple", "0.75", true, 2},
		{"back to tick", "0.5", false, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.SetGrouping(dec(tt.grouping))
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidGrouping) {
					t.Errorf("error = %v, want ErrInvalidGrouping", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			view, _ := svc.View()
			if len(view.Bids) != tt.bids {
				t.Errorf("bids = %d, want %d", len(view.Bids), tt.bids)
			}
		})
	}
}

func TestBookService_SetOwnOrders(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Reset(testMarket(t, "SOL-PERP"), dec("1"))
	svc.OnCommit(testState("SOL-PERP"))

	svc.SetOwnOrders([]domain.OpenOrder{
		{Side: domain.SideBid, Price: dec("99.5"), Size: dec("1")},
		{Side: domain.SideAsk, Price: dec("101.5"), Size: dec("1")},
	})

	view, _ := svc.View()
	// Bid 99.5 floors into 99, ask 101.5 ceils into 102.
	for _, l := range view.Bids {
		want := l.Price.Equal(dec("99"))
		if l.IsUsersOrder != want {
			t.Errorf("bid %s IsUsersOrder = %v, want %v", l.Price, l.IsUsersOrder, want)
		}
	}
	for _, l := range view.Asks {
		want := l.Price.Equal(dec("102"))
		if l.IsUsersOrder != want {
			t.Errorf("ask %s IsUsersOrder = %v, want %v", l.Price, l.IsUsersOrder, want)
		}
	}
}

func TestBookService_ResetClearsState(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Reset(testMarket(t, "SOL-PERP"), dec("0.5"))
	svc.OnCommit(testState("SOL-PERP"))
	svc.SetOwnOrders([]domain.OpenOrder{{Side: domain.SideBid, Price: dec("100")}})

	if err := svc.Reset(testMarket(t, "BTC-PERP"), dec("0.3")); !errors.Is(err, domain.ErrInvalidGrouping) {
		t.Fatalf("Reset with bad grouping = %v", err)
	}
	if svc.Market().ID() != "SOL-PERP" {
		t.Error("failed Reset switched market")
	}

	svc.Reset(testMarket(t, "BTC-PERP"), dec("1"))
	if _, ok := svc.View(); ok {
		t.Error("view survived Reset")
	}
	if !svc.Grouping().Equal(dec("1")) {
		t.Errorf("grouping = %s", svc.Grouping())
	}

	svc.OnCommit(testState("BTC-PERP"))
	view, _ := svc.View()
	for _, l := range view.Bids {
		if l.IsUsersOrder {
			t.Errorf("own order from previous market marked at %s", l.Price)
		}
	}
}

func TestBookService_Subscribe(t *testing.T) {
	svc, m := newTestService(t)
	svc.Reset(testMarket(t, "SOL-PERP"), dec("0.5"))

	ch, cancel := svc.Subscribe()
	svc.OnCommit(testState("SOL-PERP"))

	select {
	case view := <-ch:
		if view.MarketID != "SOL-PERP" {
			t.Errorf("market = %q", view.MarketID)
		}
	case <-time.After(time.Second):
		t.Fatal("no view delivered")
	}

	// Fill the buffer; further views are dropped, not blocked on.
	for i := 0; i < subscriberBuffer+3; i++ {
		svc.OnCommit(testState("SOL-PERP"))
	}
	if s := m.Snapshot(); s.DroppedBroadcasts != 3 {
		t.Errorf("dropped = %d, want 3", s.DroppedBroadcasts)
	}

	cancel()
	cancel()
	svc.OnCommit(testState("SOL-PERP"))
	n := 0
	for range ch {
		n++
	}
	if n != subscriberBuffer {
		t.Errorf("drained %d views, want %d", n, subscriberBuffer)
	}
}

func TestBookService_NotReadyBeforeCommit(t *testing.T) {
	svc, m := newTestService(t)
	svc.Reset(testMarket(t, "SOL-PERP"), dec("0.5"))
	ch, cancel := svc.Subscribe()
	defer cancel()

	if err := svc.SetGrouping(dec("1")); err != nil {
		t.Fatalf("SetGrouping error = %v", err)
	}
	svc.SetOwnOrders([]domain.OpenOrder{{Side: domain.SideBid, Price: dec("100")}})

	if _, ok := svc.View(); ok {
		t.Error("view ready without any commit")
	}
	if len(ch) != 0 {
		t.Errorf("%d views published without any commit", len(ch))
	}
	if s := m.Snapshot(); s.Recomputes != 0 {
		t.Errorf("recomputes = %d, want 0", s.Recomputes)
	}

	svc.OnCommit(domain.BookState{MarketID: "SOL-PERP", Asks: testState("SOL-PERP").Asks})
	view, ok := svc.View()
	if !ok {
		t.Fatal("view not ready after a one-sided commit")
	}
	if !view.Grouping.Equal(dec("1")) || len(view.Asks) != 2 || len(view.Bids) != 0 {
		t.Errorf("view = %+v", view)
	}
}

func TestBookService_Clear(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Reset(testMarket(t, "SOL-PERP"), dec("0.5"))
	svc.OnCommit(testState("SOL-PERP"))

	svc.Clear()

	if svc.Market() != nil {
		t.Error("market survived Clear")
	}
	if _, ok := svc.View(); ok {
		t.Error("view survived Clear")
	}
	if err := svc.SetGrouping(dec("1")); !errors.Is(err, domain.ErrNotActive) {
		t.Errorf("SetGrouping after Clear = %v, want ErrNotActive", err)
	}
	svc.OnCommit(testState("SOL-PERP"))
	if _, ok := svc.View(); ok {
		t.Error("commit after Clear produced a view")
	}
}
