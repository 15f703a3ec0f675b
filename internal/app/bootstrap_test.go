package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"depthbook/internal/domain"
	"depthbook/internal/infra"
)

const testConfig = `
feed:
  enabled: false
rpc:
  http_url: http://127.0.0.1:1
  ws_url: ws://127.0.0.1:1
book:
  depth: 20
  default_grouping: "0.1"
markets:
  - id: SOL-PERP
    kind: perp
    tick_size: "0.01"
    min_order_size: "0.01"
    bids_account: bids1
    asks_account: asks1
  - id: SOL-USDC
    kind: spot
    tick_size: "0.25"
    min_order_size: "1"
    bids_account: bids2
    asks_account: asks2
`

func newTestBootstrap(t *testing.T) *Bootstrap {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := testConfig + "storage:\n  path: " + filepath.Join(dir, "test.db") + "\nlogging:\n  dir: " + filepath.Join(dir, "logs") + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	b := NewBootstrap()
	if err := b.Initialize(path); err != nil {
		t.Fatalf("Initialize error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Close(ctx)
	})
	return b
}

func TestEngineConfig(t *testing.T) {
	cfg := infra.DefaultConfig()
	cfg.Feed.Enabled = false
	cfg.Feed.ReconnectIntervalMS = 250
	cfg.Feed.MaxReconnectAttempts = 3
	cfg.Book.InboxSize = 64

	ec := EngineConfig(cfg)
	if ec.FeedEnabled {
		t.Error("FeedEnabled = true")
	}
	if ec.ReconnectInterval != 250*time.Millisecond {
		t.Errorf("ReconnectInterval = %v", ec.ReconnectInterval)
	}
	if ec.MaxReconnectAttempts != 3 || ec.InboxSize != 64 {
		t.Errorf("got %+v", ec)
	}
}

func TestSyncMarkets(t *testing.T) {
	b := newTestBootstrap(t)

	if err := b.SyncMarkets(); err != nil {
		t.Fatalf("SyncMarkets error = %v", err)
	}
	first, err := b.Storage.GetMarket("SOL-PERP")
	if err != nil {
		t.Fatal(err)
	}

	// Idempotent and keeps the creation time.
	if err := b.SyncMarkets(); err != nil {
		t.Fatalf("second SyncMarkets error = %v", err)
	}
	markets, _ := b.Storage.ListMarkets()
	if len(markets) != 2 {
		t.Fatalf("catalog has %d markets, want 2", len(markets))
	}
	again, _ := b.Storage.GetMarket("SOL-PERP")
	if !again.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", first.CreatedAt, again.CreatedAt)
	}
}

func TestSelectMarket(t *testing.T) {
	b := newTestBootstrap(t)
	if err := b.SyncMarkets(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	if got := b.Book.Market().ID(); got != "SOL-PERP" {
		t.Errorf("book market = %q", got)
	}
	if !b.Book.Grouping().Equal(b.Config.Book.DefaultGrouping) {
		t.Errorf("grouping = %s, want configured default", b.Book.Grouping())
	}

	// 0.1 is not a multiple of 0.25; the stored preference wins when valid.
	b.Storage.SaveGrouping("SOL-USDC", "0.5")
	if err := b.SelectMarket(context.Background(), "SOL-USDC"); err != nil {
		t.Fatalf("SelectMarket error = %v", err)
	}
	if got := b.Book.Grouping().String(); got != "0.5" {
		t.Errorf("grouping = %s, want 0.5", got)
	}
	if a := b.Session.Active(); a == nil || a.Market().ID() != "SOL-USDC" {
		t.Error("session did not switch market")
	}

	if err := b.SelectMarket(context.Background(), "DOGE"); !errors.Is(err, domain.ErrMarketNotFound) {
		t.Errorf("unknown market error = %v, want ErrMarketNotFound", err)
	}
}

func TestSelectMarket_FailedSelectClearsBook(t *testing.T) {
	b := newTestBootstrap(t)
	if err := b.SyncMarkets(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start error = %v", err)
	}

	b.Session.Close()
	if err := b.SelectMarket(context.Background(), "SOL-USDC"); !errors.Is(err, domain.ErrConnectionClosed) {
		t.Fatalf("SelectMarket error = %v, want ErrConnectionClosed", err)
	}
	if m := b.Book.Market(); m != nil {
		t.Errorf("book still on %q after failed select", m.ID())
	}
	if _, ok := b.Book.View(); ok {
		t.Error("view ready after failed select")
	}
	if b.Session.Active() != nil {
		t.Error("session has an active arbiter after failed select")
	}
	// A retry of the previous market is not short-circuited.
	if err := b.SelectMarket(context.Background(), "SOL-PERP"); !errors.Is(err, domain.ErrConnectionClosed) {
		t.Errorf("reselect error = %v, want ErrConnectionClosed", err)
	}
}

func TestInitialize_MissingConfig(t *testing.T) {
	b := NewBootstrap()
	err := b.Initialize(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, domain.ErrConfigNotFound) {
		t.Errorf("error = %v, want ErrConfigNotFound", err)
	}
}
