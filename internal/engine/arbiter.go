package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"depthbook/internal/domain"
	"depthbook/internal/event"
	"depthbook/internal/infra"
	"depthbook/internal/orderbook"

	"github.com/google/uuid"
)

// State is the arbiter's source-selection mode.
type State int32

const (
	StateUninitialized State = iota
	StateFeedConnecting
	StateFeedLive
	StateFeedReconnecting
	StatePermanentFallback
	StateRPCOnly
	StateDeactivated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateFeedConnecting:
		return "feed_connecting"
	case StateFeedLive:
		return "feed_live"
	case StateFeedReconnecting:
		return "feed_reconnecting"
	case StatePermanentFallback:
		return "permanent_fallback"
	case StateRPCOnly:
		return "rpc_only"
	case StateDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// feedAuthoritative reports whether feed traffic drives commits in this state.
func (s State) feedAuthoritative() bool {
	return s == StateFeedConnecting || s == StateFeedLive || s == StateFeedReconnecting
}

// rpcAuthoritative reports whether RPC account data drives commits in this state.
func (s State) rpcAuthoritative() bool {
	return s == StatePermanentFallback || s == StateRPCOnly
}

// Config controls source selection for one activation.
type Config struct {
	FeedEnabled          bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	InboxSize            int
	UnsubscribeTimeout   time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		FeedEnabled:          true,
		ReconnectInterval:    2 * time.Second,
		MaxReconnectAttempts: 5,
		InboxSize:            1024,
		UnsubscribeTimeout:   5 * time.Second,
	}
}

// CommitFunc receives the committed pair after every accepted update. It runs on the
// arbiter loop and must not call Deactivate.
type CommitFunc func(domain.BookState)

// Option customizes an Arbiter.
type Option func(*Arbiter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Arbiter) { a.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *infra.Metrics) Option {
	return func(a *Arbiter) { a.metrics = m }
}

// Arbiter reconciles the diff feed and RPC account subscriptions for one market into
// a single, monotonically advancing pair of side snapshots.
//
// All snapshot, token and state mutation happens on one loop goroutine fed by the
// inbox. Transport I/O runs on worker goroutines that only post events.
type Arbiter struct {
	id       string
	market   domain.Market
	feed     domain.FeedTransport
	rpc      domain.RPCTransport
	cfg      Config
	onCommit CommitFunc
	logger   *slog.Logger
	metrics  *infra.Metrics

	inbox chan event.Event

	// Loop-owned
	connGen  uint64
	conn     io.Closer
	attempts int
	standby  [2]*domain.SideSnapshot
	// syncedGen is the connection generation whose checkpoint was last committed.
	// Diffs from any other generation have no base to apply to.
	syncedGen uint64

	// Written by the loop, read externally
	mu    sync.RWMutex
	state State
	clock ClockGuard
	snaps [2]*domain.SideSnapshot

	lifeMu    sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	activated bool
	closed    bool
	subs      []domain.SubscriptionID
	wg        sync.WaitGroup
}

// NewArbiter creates an arbiter for market. feed may be nil, which behaves like a
// disabled feed.
func NewArbiter(market domain.Market, feed domain.FeedTransport, rpc domain.RPCTransport, cfg Config, onCommit CommitFunc, opts ...Option) *Arbiter {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	if cfg.UnsubscribeTimeout <= 0 {
		cfg.UnsubscribeTimeout = DefaultConfig().UnsubscribeTimeout
	}

	a := &Arbiter{
		id:       uuid.NewString(),
		market:   market,
		feed:     feed,
		rpc:      rpc,
		cfg:      cfg,
		onCommit: onCommit,
		metrics:  infra.GlobalMetrics,
		inbox:    make(chan event.Event, cfg.InboxSize),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With(slog.String("module", "arbiter"), slog.String("activation", a.id), slog.String("market", market.ID()))
	return a
}

// ID returns the activation id used in logs.
func (a *Arbiter) ID() string { return a.id }

// Market returns the market this arbiter serves.
func (a *Arbiter) Market() domain.Market { return a.market }

// State returns the current mode (external read).
func (a *Arbiter) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Snapshot returns the committed pair (external read). Snapshots are immutable.
func (a *Arbiter) Snapshot() domain.BookState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bookStateLocked()
}

// Token returns the committed token for side (external read).
func (a *Arbiter) Token(side domain.Side) domain.UpdateToken {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clock.Last(side)
}

func (a *Arbiter) bookStateLocked() domain.BookState {
	return domain.BookState{
		MarketID: a.market.ID(),
		Bids:     a.snaps[domain.SideBid],
		Asks:     a.snaps[domain.SideAsk],
	}
}

func (a *Arbiter) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	if prev != s {
		a.logger.Info("Arbiter state changed", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

// Activate starts the loop, the feed connection (unless disabled) and both RPC
// listeners. It does not block on any I/O.
func (a *Arbiter) Activate(ctx context.Context) error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()

	if a.closed {
		return fmt.Errorf("activate %s: %w", a.market.ID(), domain.ErrConnectionClosed)
	}
	if a.activated {
		return domain.ErrAlreadyActivated
	}
	a.activated = true
	a.ctx, a.cancel = context.WithCancel(ctx)

	feedOn := a.cfg.FeedEnabled && a.feed != nil

	a.mu.Lock()
	a.clock.Reset()
	a.mu.Unlock()
	if feedOn {
		a.setState(StateFeedConnecting)
		a.connGen = 1
	} else {
		a.setState(StateRPCOnly)
	}
	a.metrics.ClearFallback()

	a.wg.Add(1)
	go a.run()

	if feedOn {
		a.startConnect(a.connGen, 0)
	}
	if a.rpc != nil {
		for _, side := range domain.Sides {
			a.startListener(side)
		}
	}
	return nil
}

// Deactivate cancels the activation, closes the feed connection, removes both RPC
// listeners and waits for every goroutine. Safe before Activate; repeated calls are
// no-ops. Must not be called from a CommitFunc.
func (a *Arbiter) Deactivate() {
	a.lifeMu.Lock()
	if a.closed {
		a.lifeMu.Unlock()
		return
	}
	a.closed = true
	activated := a.activated
	subs := a.subs
	a.subs = nil
	a.lifeMu.Unlock()

	if !activated {
		a.setState(StateDeactivated)
		return
	}

	a.cancel()
	a.wg.Wait()
	a.drain()

	for _, id := range subs {
		a.removeListener(id)
	}
	a.setState(StateDeactivated)
	a.logger.Info("Arbiter deactivated")
}

// run is the single-threaded event loop.
func (a *Arbiter) run() {
	defer a.wg.Done()
	defer a.closeFeed()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			a.DumpState(fmt.Sprintf("arbiter_%s_dump.json", a.id))
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	for {
		select {
		case <-a.ctx.Done():
			return
		case ev := <-a.inbox:
			a.processEvent(ev)
		}
	}
}

func (a *Arbiter) processEvent(ev event.Event) {
	switch e := ev.(type) {
	case *event.FeedCheckpointEvent:
		a.handleCheckpoint(e)
	case *event.FeedUpdateEvent:
		a.handleUpdate(e)
		event.ReleaseFeedUpdateEvent(e)
	case *event.FeedStatusEvent:
		a.handleFeedStatus(e)
	case *event.AccountEvent:
		a.handleAccount(e)
	default:
		a.logger.Warn("Unknown event type", slog.Any("type", ev.GetType()))
	}
}

// drain discards events left in the inbox after the loop stopped, closing any
// connection that was dialed but never handed to the loop.
func (a *Arbiter) drain() {
	for {
		select {
		case ev := <-a.inbox:
			switch e := ev.(type) {
			case *event.FeedStatusEvent:
				if e.Closer != nil {
					e.Closer.Close()
				}
			case *event.FeedUpdateEvent:
				event.ReleaseFeedUpdateEvent(e)
			}
		default:
			return
		}
	}
}

// post delivers ev to the loop unless the activation is over.
func (a *Arbiter) post(ev event.Event) bool {
	select {
	case <-a.ctx.Done():
		return false
	default:
	}
	select {
	case a.inbox <- ev:
		return true
	case <-a.ctx.Done():
		return false
	}
}

// acceptFeed filters feed traffic that must not reach the book: anything after
// fallback, from a superseded connection, or for another market.
func (a *Arbiter) acceptFeed(conn uint64, marketID string) bool {
	if !a.state.feedAuthoritative() || conn != a.connGen || marketID != a.market.ID() {
		a.metrics.RecordFeedIgnored()
		a.logger.Debug("Feed message ignored",
			slog.String("state", a.state.String()),
			slog.Uint64("conn", conn),
			slog.String("msg_market", marketID))
		return false
	}
	return true
}

func (a *Arbiter) handleCheckpoint(e *event.FeedCheckpointEvent) {
	cp := e.Checkpoint
	if !a.acceptFeed(e.Conn, cp.MarketID) {
		return
	}

	a.syncedGen = e.Conn
	a.commit(true,
		&domain.SideSnapshot{Side: domain.SideBid, Levels: orderbook.Normalize(domain.SideBid, cp.Bids), Token: cp.Token, Source: domain.SourceFeed},
		&domain.SideSnapshot{Side: domain.SideAsk, Levels: orderbook.Normalize(domain.SideAsk, cp.Asks), Token: cp.Token, Source: domain.SourceFeed},
	)
}

func (a *Arbiter) handleUpdate(e *event.FeedUpdateEvent) {
	u := e.Update
	if !a.acceptFeed(e.Conn, u.MarketID) {
		return
	}

	cur := a.snaps[u.Side]
	if a.syncedGen != e.Conn || cur == nil || cur.Source != domain.SourceFeed {
		a.metrics.RecordFeedIgnored()
		a.logger.Debug("Diff before checkpoint dropped", slog.String("side", u.Side.String()), slog.Uint64("conn", e.Conn))
		return
	}
	if !a.clock.Accept(u.Side, u.Token) {
		a.metrics.RecordStale()
		a.logger.Debug("Stale diff rejected",
			slog.String("side", u.Side.String()),
			slog.String("token", u.Token.String()),
			slog.String("last", a.clock.Last(u.Side).String()))
		return
	}

	levels, err := orderbook.ApplyDiff(u.Side, cur.Levels, u.Diffs)
	if err != nil {
		a.metrics.RecordDecodeFailure()
		a.logger.Warn("Feed diff dropped", slog.Any("error", err))
		return
	}

	a.commit(false, &domain.SideSnapshot{Side: u.Side, Levels: levels, Token: u.Token, Source: domain.SourceFeed})
}

func (a *Arbiter) handleAccount(e *event.AccountEvent) {
	levels, err := a.market.Decode(e.Info.Data, e.Side)
	if err != nil {
		var de *domain.DecodeError
		if !errors.As(err, &de) {
			err = domain.NewDecodeError(e.Side, err)
		}
		a.metrics.RecordDecodeFailure()
		a.logger.Warn("Account data dropped", slog.Uint64("slot", e.Info.Slot), slog.Any("error", err))
		return
	}

	snap := &domain.SideSnapshot{
		Side:   e.Side,
		Levels: levels,
		Token:  domain.UpdateToken{Slot: e.Info.Slot},
		Source: domain.SourceRPC,
	}

	switch {
	case a.state.feedAuthoritative():
		if sb := a.standby[e.Side]; sb == nil || snap.Token.Compare(sb.Token) >= 0 {
			a.standby[e.Side] = snap
		}
		return
	case !a.state.rpcAuthoritative():
		return
	}

	cur := a.snaps[e.Side]
	if cur == nil || cur.Source != domain.SourceRPC {
		a.logger.Debug("RPC seed committed", slog.String("side", e.Side.String()), slog.Bool("initial", e.Initial))
		a.commit(true, snap)
		return
	}
	if !a.clock.Accept(e.Side, snap.Token) {
		a.metrics.RecordStale()
		a.logger.Debug("Stale account data rejected",
			slog.String("side", e.Side.String()),
			slog.String("token", snap.Token.String()),
			slog.String("last", a.clock.Last(e.Side).String()))
		return
	}
	a.commit(false, snap)
}

func (a *Arbiter) handleFeedStatus(e *event.FeedStatusEvent) {
	if e.Conn != a.connGen || !a.state.feedAuthoritative() {
		if e.Closer != nil {
			e.Closer.Close()
		}
		return
	}

	switch e.Status {
	case event.FeedConnected:
		a.conn = e.Closer
		a.attempts = 0
		a.metrics.IncrementConnections()
		a.setState(StateFeedLive)

	case event.FeedConnectFailed:
		if a.state == StateFeedConnecting {
			a.fallback("feed never connected", e.Err)
			return
		}
		a.logger.Warn("Feed reconnect failed", slog.Int("attempt", a.attempts), slog.Any("error", e.Err))
		a.scheduleReconnect(e.Err)

	case event.FeedDisconnected:
		a.logger.Warn("Feed disconnected", slog.Any("error", e.Err))
		a.closeFeed()
		a.setState(StateFeedReconnecting)
		a.scheduleReconnect(e.Err)
	}
}

// scheduleReconnect dials again after ReconnectInterval, or falls back for good once
// MaxReconnectAttempts is spent.
func (a *Arbiter) scheduleReconnect(cause error) {
	if a.attempts >= a.cfg.MaxReconnectAttempts {
		a.fallback("reconnect attempts exhausted", cause)
		return
	}
	a.attempts++
	a.metrics.RecordReconnect()
	a.connGen++
	a.logger.Info("Scheduling feed reconnect",
		slog.Int("attempt", a.attempts),
		slog.Int("max", a.cfg.MaxReconnectAttempts),
		slog.Duration("after", a.cfg.ReconnectInterval))
	a.startConnect(a.connGen, a.cfg.ReconnectInterval)
}

// fallback disables the feed for the rest of the activation and promotes whatever RPC
// data was kept on standby.
func (a *Arbiter) fallback(reason string, cause error) {
	a.connGen++
	a.closeFeed()
	a.setState(StatePermanentFallback)
	a.metrics.RecordFallback()
	a.logger.Warn("FEED_PERMANENT_FALLBACK", slog.String("reason", reason), slog.Any("error", cause))

	var promoted []*domain.SideSnapshot
	for i, sb := range a.standby {
		if sb != nil {
			promoted = append(promoted, sb)
			a.standby[i] = nil
		}
	}
	if len(promoted) > 0 {
		a.commit(true, promoted...)
	}
}

// commit replaces snapshots and their tokens in one critical section, then notifies.
func (a *Arbiter) commit(checkpoint bool, snaps ...*domain.SideSnapshot) {
	a.mu.Lock()
	for _, s := range snaps {
		if checkpoint {
			a.clock.Checkpoint(s.Side, s.Token)
		} else {
			a.clock.Advance(s.Side, s.Token)
		}
		a.snaps[s.Side] = s
	}
	state := a.bookStateLocked()
	a.mu.Unlock()

	for range snaps {
		a.metrics.RecordCommit()
	}
	if a.onCommit != nil {
		a.onCommit(state)
	}
}

func (a *Arbiter) closeFeed() {
	if a.conn == nil {
		return
	}
	if err := a.conn.Close(); err != nil {
		a.logger.Debug("Feed close error", slog.Any("error", err))
	}
	a.conn = nil
	a.metrics.DecrementConnections()
}

// startConnect dials the feed on a worker goroutine after delay.
func (a *Arbiter) startConnect(gen uint64, delay time.Duration) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-a.ctx.Done():
				return
			case <-timer.C:
			}
		}

		conn, err := a.feed.Connect(a.ctx, a.market.ID(), &feedSink{a: a, conn: gen})
		ev := &event.FeedStatusEvent{BaseEvent: now(), Conn: gen, Status: event.FeedConnected, Closer: conn}
		if err != nil {
			if conn != nil {
				conn.Close()
			}
			ev.Status = event.FeedConnectFailed
			ev.Closer = nil
			ev.Err = err
		}
		if !a.post(ev) && ev.Closer != nil {
			ev.Closer.Close()
		}
	}()
}

// startListener registers the account-change listener for side, then performs the
// one-shot fetch. Registration is retried every ReconnectInterval until it succeeds.
func (a *Arbiter) startListener(side domain.Side) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		account := a.market.SideAccount(side)

		for {
			id, err := a.rpc.OnAccountChange(a.ctx, account, func(info domain.AccountInfo) {
				a.post(&event.AccountEvent{BaseEvent: now(), Side: side, Info: info})
			})
			if err == nil {
				a.trackListener(id)
				break
			}
			if a.ctx.Err() != nil {
				return
			}
			a.metrics.RecordError()
			a.logger.Warn("Account subscribe failed", slog.String("side", side.String()), slog.Any("error", err))
			if !sleepCtx(a.ctx, a.cfg.ReconnectInterval) {
				return
			}
		}

		info, err := a.rpc.GetAccountInfoAndContext(a.ctx, account)
		if err != nil {
			if a.ctx.Err() == nil {
				a.metrics.RecordError()
				a.logger.Warn("Account fetch failed", slog.String("side", side.String()), slog.Any("error", err))
			}
			return
		}
		a.post(&event.AccountEvent{BaseEvent: now(), Side: side, Info: info, Initial: true})
	}()
}

// trackListener remembers id for Deactivate, or removes it at once if Deactivate
// already ran.
func (a *Arbiter) trackListener(id domain.SubscriptionID) {
	a.lifeMu.Lock()
	if !a.closed {
		a.subs = append(a.subs, id)
		a.lifeMu.Unlock()
		return
	}
	a.lifeMu.Unlock()
	a.removeListener(id)
}

func (a *Arbiter) removeListener(id domain.SubscriptionID) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.UnsubscribeTimeout)
	defer cancel()
	if err := a.rpc.RemoveAccountChangeListener(ctx, id); err != nil {
		a.logger.Warn("Failed to remove account listener", slog.Int64("subscription", int64(id)), slog.Any("error", err))
	}
}

// DumpState writes the committed state to a file (for post-mortem).
func (a *Arbiter) DumpState(filename string) {
	a.logger.Info("Dumping arbiter state...", slog.String("file", filename))

	a.mu.RLock()
	data := struct {
		ID     string               `json:"id"`
		Market string               `json:"market"`
		State  string               `json:"state"`
		BidTok domain.UpdateToken   `json:"bid_token"`
		AskTok domain.UpdateToken   `json:"ask_token"`
		Bids   *domain.SideSnapshot `json:"bids"`
		Asks   *domain.SideSnapshot `json:"asks"`
	}{
		ID:     a.id,
		Market: a.market.ID(),
		State:  a.state.String(),
		BidTok: a.clock.Last(domain.SideBid),
		AskTok: a.clock.Last(domain.SideAsk),
		Bids:   a.snaps[domain.SideBid],
		Asks:   a.snaps[domain.SideAsk],
	}
	b, err := json.MarshalIndent(data, "", "  ")
	a.mu.RUnlock()
	if err != nil {
		a.logger.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		a.logger.Error("Failed to write state dump", slog.Any("error", err))
	}
}

// feedSink forwards one connection's traffic into the inbox, tagged with its generation.
type feedSink struct {
	a    *Arbiter
	conn uint64
}

func (s *feedSink) Checkpoint(cp domain.FeedCheckpoint) {
	s.a.post(&event.FeedCheckpointEvent{BaseEvent: now(), Conn: s.conn, Checkpoint: cp})
}

func (s *feedSink) Update(u domain.FeedUpdate) {
	ev := event.AcquireFeedUpdateEvent()
	ev.BaseEvent = now()
	ev.Conn = s.conn
	ev.Update = u
	if !s.a.post(ev) {
		event.ReleaseFeedUpdateEvent(ev)
	}
}

func (s *feedSink) Disconnected(err error) {
	s.a.post(&event.FeedStatusEvent{BaseEvent: now(), Conn: s.conn, Status: event.FeedDisconnected, Err: err})
}

func now() event.BaseEvent {
	return event.BaseEvent{Ts: time.Now().UnixMicro()}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
