// Package feed is the websocket client for the push-based order-book diff feed.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"depthbook/internal/domain"
	"depthbook/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	defaultPingInterval = 30 * time.Second
	handshakeTimeout    = 10 * time.Second
	writeTimeout        = 5 * time.Second
)

// wireMessage covers both feed payloads. Checkpoints carry bids/asks, updates carry
// side/update. Subscription acks carry neither and are skipped.
type wireMessage struct {
	Market       string               `json:"market"`
	Side         string               `json:"side"`
	Slot         uint64               `json:"slot"`
	WriteVersion uint64               `json:"write_version"`
	Bids         [][2]decimal.Decimal `json:"bids"`
	Asks         [][2]decimal.Decimal `json:"asks"`
	Update       [][2]decimal.Decimal `json:"update"`
	Success      *bool                `json:"success"`
	Message      string               `json:"message"`
}

type subscribeCommand struct {
	Command  string `json:"command"`
	MarketID string `json:"marketId"`
}

// Client dials the feed. One Client serves any number of connections.
type Client struct {
	url          string
	pingInterval time.Duration
	logger       *slog.Logger
	metrics      *infra.Metrics
}

// NewClient creates a feed client for url. pingInterval <= 0 uses the default.
func NewClient(url string, pingInterval time.Duration) *Client {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &Client{
		url:          url,
		pingInterval: pingInterval,
		logger:       slog.Default().With(slog.String("module", "feed")),
		metrics:      infra.GlobalMetrics,
	}
}

// Connect dials, subscribes to marketID and starts delivering to sink. The returned
// handle stops delivery when closed.
func (c *Client) Connect(ctx context.Context, marketID string, sink domain.FeedSink) (io.Closer, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	header := make(http.Header)
	header.Add("User-Agent", "depthbook/1.0")

	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, domain.NewNetworkError("dial", err)
	}

	s := &connection{
		conn:         conn,
		sink:         sink,
		marketID:     marketID,
		pingInterval: c.pingInterval,
		readTimeout:  2 * c.pingInterval,
		logger:       c.logger.With(slog.String("market", marketID)),
		metrics:      c.metrics,
		done:         make(chan struct{}),
	}

	if err := s.subscribe(); err != nil {
		s.Close()
		return nil, domain.NewNetworkError("subscribe", err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})

	go s.readLoop()
	go s.pingLoop()

	s.logger.Info("Feed WebSocket connected")
	return s, nil
}

// connection is one live feed subscription.
type connection struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	sink         domain.FeedSink
	marketID     string
	pingInterval time.Duration
	readTimeout  time.Duration
	logger       *slog.Logger
	metrics      *infra.Metrics

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func (s *connection) subscribe() error {
	msg, err := json.Marshal(subscribeCommand{Command: "subscribe", MarketID: s.marketID})
	if err != nil {
		return err
	}
	return s.threadSafeWrite(websocket.TextMessage, msg)
}

// threadSafeWrite sends a message to the WebSocket connection in a thread-safe manner
func (s *connection) threadSafeWrite(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(messageType, data)
}

// readLoop delivers messages until the connection ends. An end not caused by Close is
// reported to the sink exactly once.
func (s *connection) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Feed panic recovered", slog.Any("panic", r))
			s.shutdown()
		}
	}()

	for {
		s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Feed WebSocket read error", slog.Any("error", err))
			}
			s.shutdown()
			s.sink.Disconnected(domain.NewNetworkError("read", err))
			return
		}

		if err := s.handleMessage(message); err != nil {
			s.metrics.RecordDecodeFailure()
			s.logger.Warn("Feed message dropped", slog.Any("error", err))
		}
	}
}

func (s *connection) pingLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug("Feed ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

// handleMessage parses one payload and forwards it to the sink.
func (s *connection) handleMessage(message []byte) error {
	var msg wireMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	if msg.Success != nil {
		if !*msg.Success {
			s.logger.Warn("Feed subscription rejected", slog.String("message", msg.Message))
		}
		return nil
	}
	if msg.Market == "" {
		return nil
	}

	token := domain.UpdateToken{Slot: msg.Slot, WriteVersion: msg.WriteVersion}

	if msg.Side != "" {
		side, err := domain.ParseSide(msg.Side)
		if err != nil {
			return err
		}
		s.sink.Update(domain.FeedUpdate{
			MarketID: msg.Market,
			Side:     side,
			Token:    token,
			Diffs:    toLevels(msg.Update),
		})
		return nil
	}

	s.sink.Checkpoint(domain.FeedCheckpoint{
		MarketID: msg.Market,
		Token:    token,
		Bids:     toLevels(msg.Bids),
		Asks:     toLevels(msg.Asks),
	})
	return nil
}

func toLevels(pairs [][2]decimal.Decimal) []domain.RawLevel {
	levels := make([]domain.RawLevel, len(pairs))
	for i, p := range pairs {
		levels[i] = domain.RawLevel{Price: p[0], Size: p[1]}
	}
	return levels
}

func (s *connection) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Close ends the subscription without reporting a disconnect. It does not wait for
// the read goroutine, which may be blocked delivering to the sink.
func (s *connection) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.writeMu.Lock()
	err := s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	s.shutdown()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug("Feed close handshake failed", slog.Any("error", err))
	}
	s.logger.Info("Feed WebSocket disconnected")
	return nil
}
