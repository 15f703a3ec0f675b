package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"depthbook/internal/domain"
	"depthbook/internal/engine"
	"depthbook/internal/infra"
	"depthbook/internal/infra/feed"
	"depthbook/internal/infra/rpc"
	"depthbook/internal/infra/server"
	"depthbook/internal/infra/storage"
	"depthbook/internal/market"
	"depthbook/internal/orderbook"
	"depthbook/internal/service"

	"github.com/shopspring/decimal"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Storage *storage.Storage
	Book    *service.BookService
	Session *engine.Session
	Server  *server.Server

	rpc *rpc.Client

	mu       sync.Mutex
	runCtx   context.Context
	activeID string
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{runCtx: context.Background()}
}

// Initialize performs core system initialization (config, logger, DB, transports)
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping depthbook...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	// 4. Transports
	var feedTransport domain.FeedTransport
	if cfg.Feed.Enabled {
		feedTransport = feed.NewClient(cfg.Feed.URL, time.Duration(cfg.Feed.PingIntervalSec)*time.Second)
	}
	b.rpc = rpc.NewClient(cfg.RPC.HTTPURL, cfg.RPC.WSURL, cfg.RPC.Commitment, time.Duration(cfg.RPC.TimeoutSec)*time.Second)

	// 5. Book service, session and publisher
	b.Book = service.NewBookService(cfg.Book.Depth, cfg.Book.SizePercentFloor, service.WithLogger(logger))
	b.Session = engine.NewSession(feedTransport, b.rpc, EngineConfig(cfg), b.Book.OnCommit, engine.WithLogger(logger))
	b.Server = server.NewServer(cfg.Server.Addr, b.Book, b.Storage, b.SelectMarket, infra.GlobalMetrics)
	slog.Info("✅ Engine ready", slog.Bool("feed", cfg.Feed.Enabled))

	return nil
}

// EngineConfig maps the file configuration onto arbiter settings.
func EngineConfig(cfg *infra.Config) engine.Config {
	ec := engine.DefaultConfig()
	ec.FeedEnabled = cfg.Feed.Enabled
	if cfg.Feed.ReconnectIntervalMS > 0 {
		ec.ReconnectInterval = time.Duration(cfg.Feed.ReconnectIntervalMS) * time.Millisecond
	}
	if cfg.Feed.MaxReconnectAttempts > 0 {
		ec.MaxReconnectAttempts = cfg.Feed.MaxReconnectAttempts
	}
	if cfg.Book.InboxSize > 0 {
		ec.InboxSize = cfg.Book.InboxSize
	}
	return ec
}

// SyncMarkets seeds the catalog with the markets from the config file.
func (b *Bootstrap) SyncMarkets() error {
	for _, mc := range b.Config.Markets {
		info := mc.Info()

		// Validate before persisting so a bad entry never reaches the catalog
		if _, err := market.FromInfo(info); err != nil {
			return err
		}

		if existing, err := b.Storage.GetMarket(info.ID); err == nil {
			info.CreatedAt = existing.CreatedAt
		} else if !errors.Is(err, domain.ErrMarketNotFound) {
			return err
		}

		if err := b.Storage.UpsertMarket(&info); err != nil {
			return fmt.Errorf("upsert market %s: %w", info.ID, err)
		}
	}
	slog.Info("✨ Market catalog synchronized", slog.Int("markets", len(b.Config.Markets)))
	return nil
}

// Start selects the configured market. Activations live until ctx is cancelled or
// the session is closed.
func (b *Bootstrap) Start(ctx context.Context) error {
	b.mu.Lock()
	b.runCtx = ctx
	b.mu.Unlock()

	return b.SelectMarket(ctx, b.Config.ActiveMarket)
}

// SelectMarket switches the book and the session to the catalog market id.
// Selecting the active market again is a no-op.
func (b *Bootstrap) SelectMarket(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id == b.activeID {
		return nil
	}

	info, err := b.Storage.GetMarket(id)
	if err != nil {
		return err
	}
	m, err := market.FromInfo(*info)
	if err != nil {
		return err
	}

	grouping := b.groupingFor(m)
	if err := b.Book.Reset(m, grouping); err != nil {
		return err
	}

	// The request context ends with the request; the activation must outlive it.
	if _, err := b.Session.Select(b.runCtx, m); err != nil {
		// The previous arbiter is already gone; leave no market rather than one nothing feeds.
		b.Book.Clear()
		b.activeID = ""
		slog.Warn("Market select failed", slog.String("market", id), slog.Any("error", err))
		return err
	}
	b.activeID = id

	slog.Info("📈 Market selected", slog.String("market", id), slog.String("grouping", grouping.String()))
	return nil
}

// groupingFor picks the stored preference, then the configured default, then the tick size.
func (b *Bootstrap) groupingFor(m domain.Market) decimal.Decimal {
	if s, err := b.Storage.LoadGrouping(m.ID()); err == nil && s != "" {
		if g, err := decimal.NewFromString(s); err == nil && validGrouping(g, m) {
			return g
		}
	}
	if g := b.Config.Book.DefaultGrouping; validGrouping(g, m) {
		return g
	}
	return m.TickSize()
}

func validGrouping(g decimal.Decimal, m domain.Market) bool {
	return orderbook.ValidateGrouping(g, m.TickSize()) == nil
}

// Close tears everything down in reverse order.
func (b *Bootstrap) Close(ctx context.Context) {
	if b.Server != nil {
		if err := b.Server.Shutdown(ctx); err != nil {
			slog.Warn("Server shutdown", slog.Any("error", err))
		}
	}
	if b.Session != nil {
		b.Session.Close()
	}
	if b.rpc != nil {
		b.rpc.Close()
	}
	if b.Storage != nil {
		b.Storage.Close()
	}
}
