// Package server publishes the OrderbookView over HTTP and websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"depthbook/internal/domain"
	"depthbook/internal/infra"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const writeTimeout = 5 * time.Second

// Book is the view source the server reads from.
type Book interface {
	View() (domain.OrderbookView, bool)
	Market() domain.Market
	SetGrouping(grouping decimal.Decimal) error
	Subscribe() (<-chan domain.OrderbookView, func())
}

// Catalog lists selectable markets.
type Catalog interface {
	ListMarkets() ([]domain.MarketInfo, error)
	SaveGrouping(marketID, grouping string) error
}

// MarketSelector switches the active market by catalog id.
type MarketSelector func(ctx context.Context, id string) error

// MessageType tags websocket frames.
type MessageType string

const (
	MessageTypeOrderbook MessageType = "orderbook"
	MessageTypeError     MessageType = "error"
)

// ClientMessage is a request sent by a websocket client.
type ClientMessage struct {
	Type     string          `json:"type"`
	Grouping decimal.Decimal `json:"grouping"`
	Market   string          `json:"market,omitempty"`
}

// OrderbookMessage wraps a view for the websocket stream.
type OrderbookMessage struct {
	Type      MessageType          `json:"type"`
	View      domain.OrderbookView `json:"view"`
	Timestamp int64                `json:"timestamp"`
}

// ErrorMessage reports a rejected client request.
type ErrorMessage struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

type groupingRequest struct {
	Grouping decimal.Decimal `json:"grouping"`
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// Server serves the REST routes and the /ws view stream.
type Server struct {
	book         Book
	catalog      Catalog
	selectMarket MarketSelector
	metrics      *infra.Metrics
	logger       *slog.Logger

	router   *mux.Router
	upgrader websocket.Upgrader
	http     *http.Server

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

// NewServer builds the router. catalog and selectMarket may be nil; the routes they
// back then answer 501.
func NewServer(addr string, book Book, catalog Catalog, selectMarket MarketSelector, metrics *infra.Metrics) *Server {
	s := &Server{
		book:         book,
		catalog:      catalog,
		selectMarket: selectMarket,
		metrics:      metrics,
		logger:       slog.Default().With(slog.String("module", "server")),
		clients:      make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/orderbook", s.handleOrderbook).Methods(http.MethodGet)
	api.HandleFunc("/grouping", s.handleGrouping).Methods(http.MethodPut)
	api.HandleFunc("/markets", s.handleMarkets).Methods(http.MethodGet)
	api.HandleFunc("/markets/{id}/select", s.handleSelect).Methods(http.MethodPost)
	api.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)
	s.router = r

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server starting", slog.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes every websocket client.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.removeClient(c)
	}
	return err
}

// Run forwards every new view to websocket clients until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	views, cancel := s.book.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case view, ok := <-views:
			if !ok {
				return
			}
			s.broadcast(OrderbookMessage{
				Type:      MessageTypeOrderbook,
				View:      view,
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}
}

func (s *Server) broadcast(msg any) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		if err := c.writeJSON(msg); err != nil {
			s.logger.Debug("Error writing to client", slog.Any("error", err))
			s.removeClient(c)
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.clientsMu.Unlock()

	if ok {
		c.conn.Close()
		s.metrics.DecrementConnections()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade error", slog.Any("error", err))
		return
	}

	c := &client{conn: conn}
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	s.metrics.IncrementConnections()

	s.logger.Info("WebSocket client connected", slog.String("remote", r.RemoteAddr))
	defer s.removeClient(c)

	if view, ok := s.book.View(); ok {
		if err := c.writeJSON(OrderbookMessage{Type: MessageTypeOrderbook, View: view, Timestamp: time.Now().UnixMilli()}); err != nil {
			return
		}
	}

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("WebSocket read error", slog.Any("error", err))
			}
			return
		}

		if err := s.handleClientMessage(r.Context(), msg); err != nil {
			c.writeJSON(ErrorMessage{Type: MessageTypeError, Error: err.Error()})
		}
	}
}

func (s *Server) handleClientMessage(ctx context.Context, msg ClientMessage) error {
	switch msg.Type {
	case "set_grouping":
		return s.setGrouping(msg.Grouping)
	case "select_market":
		if s.selectMarket == nil {
			return errors.New("market selection not available")
		}
		return s.selectMarket(ctx, msg.Market)
	default:
		return errors.New("unknown message type: " + msg.Type)
	}
}

func (s *Server) setGrouping(g decimal.Decimal) error {
	if err := s.book.SetGrouping(g); err != nil {
		return err
	}
	if s.catalog == nil {
		return nil
	}
	if m := s.book.Market(); m != nil {
		if err := s.catalog.SaveGrouping(m.ID(), g.String()); err != nil {
			s.logger.Warn("Failed to persist grouping", slog.Any("error", err))
		}
	}
	return nil
}

func (s *Server) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	view, ok := s.book.View()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "orderbook not ready")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGrouping(w http.ResponseWriter, r *http.Request) {
	var req groupingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	err := s.setGrouping(req.Grouping)
	switch {
	case errors.Is(err, domain.ErrInvalidGrouping):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotActive):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"grouping": req.Grouping.String()})
	}
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusNotImplemented, "no market catalog")
		return
	}
	markets, err := s.catalog.ListMarkets()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if s.selectMarket == nil {
		writeError(w, http.StatusNotImplemented, "market selection not available")
		return
	}
	id := mux.Vars(r)["id"]

	err := s.selectMarket(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrMarketNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"market": id})
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
