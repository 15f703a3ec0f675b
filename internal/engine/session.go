package engine

import (
	"context"
	"log/slog"
	"sync"

	"depthbook/internal/domain"
)

// Session owns at most one active Arbiter and switches markets by fully tearing down
// the previous activation before the next one subscribes.
type Session struct {
	feed     domain.FeedTransport
	rpc      domain.RPCTransport
	cfg      Config
	onCommit CommitFunc
	opts     []Option
	logger   *slog.Logger

	mu     sync.Mutex
	active *Arbiter
	closed bool
}

// NewSession creates a session sharing transports and commit callback across markets.
func NewSession(feed domain.FeedTransport, rpc domain.RPCTransport, cfg Config, onCommit CommitFunc, opts ...Option) *Session {
	return &Session{
		feed:     feed,
		rpc:      rpc,
		cfg:      cfg,
		onCommit: onCommit,
		opts:     opts,
		logger:   slog.Default().With(slog.String("module", "session")),
	}
}

// Select deactivates the current arbiter, if any, then activates one for market.
func (s *Session) Select(ctx context.Context, market domain.Market) (*Arbiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, domain.ErrConnectionClosed
	}

	if s.active != nil {
		s.logger.Info("Switching market", slog.String("from", s.active.Market().ID()), slog.String("to", market.ID()))
		s.active.Deactivate()
		s.active = nil
	}

	a := NewArbiter(market, s.feed, s.rpc, s.cfg, s.onCommit, s.opts...)
	if err := a.Activate(ctx); err != nil {
		return nil, err
	}
	s.active = a
	return a, nil
}

// Active returns the current arbiter or nil.
func (s *Session) Active() *Arbiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close deactivates the current arbiter. The session cannot be reused.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.active != nil {
		s.active.Deactivate()
		s.active = nil
	}
}
