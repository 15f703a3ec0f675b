package service

import (
	"log/slog"
	"sync"
	"time"

	"depthbook/internal/domain"
	"depthbook/internal/infra"
	"depthbook/internal/orderbook"

	"github.com/shopspring/decimal"
)

const subscriberBuffer = 16

// Option configures a BookService.
type Option func(*BookService)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *BookService) { s.logger = l.With(slog.String("module", "book")) }
}

// WithMetrics sets the metrics sink. Defaults to infra.GlobalMetrics.
func WithMetrics(m *infra.Metrics) Option {
	return func(s *BookService) { s.metrics = m }
}

// BookService holds the presentation state of the selected market and re-derives the
// OrderbookView on every commit or parameter change.
type BookService struct {
	mu     sync.RWMutex
	market domain.Market
	params orderbook.Params
	orders []domain.OpenOrder
	state  domain.BookState
	view   domain.OrderbookView
	ready  bool
	gen    uint64

	subs map[chan domain.OrderbookView]struct{}

	logger  *slog.Logger
	metrics *infra.Metrics
}

// NewBookService creates a service rendering depth levels per side.
func NewBookService(depth int, sizePercentFloor decimal.Decimal, opts ...Option) *BookService {
	s := &BookService{
		params: orderbook.Params{
			Depth:            depth,
			SizePercentFloor: sizePercentFloor,
		},
		subs:    make(map[chan domain.OrderbookView]struct{}),
		logger:  slog.Default().With(slog.String("module", "book")),
		metrics: infra.GlobalMetrics,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reset switches the service to market. Committed state, the view and own orders of
// the previous market are dropped.
func (s *BookService) Reset(market domain.Market, grouping decimal.Decimal) error {
	if err := orderbook.ValidateGrouping(grouping, market.TickSize()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.market = market
	s.params.Grouping = grouping
	s.orders = nil
	s.state = domain.BookState{MarketID: market.ID()}
	s.view = domain.OrderbookView{}
	s.ready = false
	s.gen++
	return nil
}

// Clear drops the selected market. View reports not ready and SetGrouping returns
// ErrNotActive until the next Reset.
func (s *BookService) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.market = nil
	s.orders = nil
	s.state = domain.BookState{}
	s.view = domain.OrderbookView{}
	s.ready = false
	s.gen++
}

// OnCommit is the arbiter's commit callback.
func (s *BookService) OnCommit(state domain.BookState) {
	s.mu.Lock()
	if s.market == nil || state.MarketID != s.market.ID() {
		s.mu.Unlock()
		s.logger.Debug("Commit for inactive market discarded", slog.String("market", state.MarketID))
		return
	}
	s.state = state
	s.mu.Unlock()

	s.recompute()
}

// SetGrouping changes the bucket width and recomputes immediately.
func (s *BookService) SetGrouping(grouping decimal.Decimal) error {
	s.mu.Lock()
	if s.market == nil {
		s.mu.Unlock()
		return domain.ErrNotActive
	}
	if err := orderbook.ValidateGrouping(grouping, s.market.TickSize()); err != nil {
		s.mu.Unlock()
		return err
	}
	s.params.Grouping = grouping
	s.mu.Unlock()

	s.recompute()
	return nil
}

// SetOwnOrders replaces the caller's resting orders used for IsUsersOrder.
func (s *BookService) SetOwnOrders(orders []domain.OpenOrder) {
	s.mu.Lock()
	if s.market == nil {
		s.mu.Unlock()
		return
	}
	s.orders = append([]domain.OpenOrder(nil), orders...)
	s.mu.Unlock()

	s.recompute()
}

// View returns the last derived view. ok is false until the first commit after Reset.
func (s *BookService) View() (view domain.OrderbookView, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view, s.ready
}

// Market returns the selected market, or nil.
func (s *BookService) Market() domain.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.market
}

// Grouping returns the current bucket width.
func (s *BookService) Grouping() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params.Grouping
}

// Subscribe returns a channel receiving every new view. A slow reader misses views
// instead of stalling commits. Call cancel to unsubscribe.
func (s *BookService) Subscribe() (<-chan domain.OrderbookView, func()) {
	ch := make(chan domain.OrderbookView, subscriberBuffer)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// recompute derives a view from a copy of the inputs outside the lock. If anything
// changed in the meantime the result is stale and dropped; the later call publishes.
func (s *BookService) recompute() {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	market := s.market
	state := s.state
	params := s.params
	own := orderbook.OwnOrderPrices(s.orders, params.Grouping)
	s.mu.Unlock()

	// Nothing committed yet: keep View not ready until the arbiter delivers a side.
	if market == nil || (state.Bids == nil && state.Asks == nil) {
		return
	}

	start := time.Now()
	view, err := orderbook.BuildView(state, market.TickSize(), params, own)
	s.metrics.RecordRecompute(time.Since(start).Nanoseconds())
	if err != nil {
		s.metrics.RecordError()
		s.logger.Error("View recompute failed", slog.String("market", market.ID()), slog.Any("error", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		s.logger.Debug("Stale view discarded", slog.Uint64("gen", gen))
		return
	}
	s.view = view
	s.ready = true

	for ch := range s.subs {
		select {
		case ch <- view:
		default:
			s.metrics.RecordDroppedBroadcast()
			s.logger.Debug("Subscriber full, view dropped")
		}
	}
}
