// Package rpc is a JSON-RPC 2.0 account client: getAccountInfo over HTTP and
// accountSubscribe notifications over a lazily dialed websocket.
package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
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
)

const (
	handshakeTimeout  = 10 * time.Second
	writeTimeout      = 5 * time.Second
	reconnectBaseWait = 500 * time.Millisecond
	reconnectMaxWait  = 30 * time.Second
)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// message is anything the node sends: a response (ID set) or a notification (Method set).
type message struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	Method string          `json:"method"`
	Params *struct {
		Result       accountResult `json:"result"`
		Subscription int64         `json:"subscription"`
	} `json:"params"`
}

type accountResult struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value *struct {
		Data []string `json:"data"`
	} `json:"value"`
}

func (r accountResult) info() (domain.AccountInfo, error) {
	if r.Value == nil {
		return domain.AccountInfo{}, domain.ErrAccountNotFound
	}
	if len(r.Value.Data) != 2 || r.Value.Data[1] != "base64" {
		return domain.AccountInfo{}, fmt.Errorf("unexpected data encoding %v", r.Value.Data)
	}
	data, err := base64.StdEncoding.DecodeString(r.Value.Data[0])
	if err != nil {
		return domain.AccountInfo{}, fmt.Errorf("decode account data: %w", err)
	}
	return domain.AccountInfo{Slot: r.Context.Slot, Data: data}, nil
}

type response struct {
	result json.RawMessage
	err    error
}

type subscription struct {
	account string
	cb      func(domain.AccountInfo)
	remote  int64
}

// Client implements domain.RPCTransport.
type Client struct {
	httpURL    string
	wsURL      string
	commitment string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *infra.Metrics
	baseWait   time.Duration

	nextID atomic.Int64

	dialMu  sync.Mutex
	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[int64]chan response
	subs      map[domain.SubscriptionID]*subscription
	remote    map[int64]domain.SubscriptionID
	nextSub   domain.SubscriptionID
	closed    bool
	closeCh   chan struct{}
	reconnect bool
	wg        sync.WaitGroup
}

// NewClient creates a client. timeout bounds each HTTP request.
func NewClient(httpURL, wsURL, commitment string, timeout time.Duration) *Client {
	if commitment == "" {
		commitment = "confirmed"
	}
	return &Client{
		httpURL:    httpURL,
		wsURL:      wsURL,
		commitment: commitment,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default().With(slog.String("module", "rpc")),
		metrics:    infra.GlobalMetrics,
		baseWait:   reconnectBaseWait,
		pending:    make(map[int64]chan response),
		subs:       make(map[domain.SubscriptionID]*subscription),
		remote:     make(map[int64]domain.SubscriptionID),
		closeCh:    make(chan struct{}),
	}
}

func (c *Client) accountConfig() map[string]string {
	return map[string]string{"encoding": "base64", "commitment": c.commitment}
}

// GetAccountInfoAndContext fetches account data together with the slot it was read at.
func (c *Client) GetAccountInfoAndContext(ctx context.Context, account string) (domain.AccountInfo, error) {
	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "getAccountInfo",
		Params:  []any{account, c.accountConfig()},
	})
	if err != nil {
		return domain.AccountInfo{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL, bytes.NewReader(body))
	if err != nil {
		return domain.AccountInfo{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.AccountInfo{}, domain.NewNetworkError("getAccountInfo", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, b)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return domain.AccountInfo{}, domain.NewNetworkError("getAccountInfo", err)
		}
		return domain.AccountInfo{}, domain.NewFatalNetworkError("getAccountInfo", err)
	}

	var msg message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return domain.AccountInfo{}, fmt.Errorf("getAccountInfo: parse response: %w", err)
	}
	if msg.Error != nil {
		return domain.AccountInfo{}, fmt.Errorf("getAccountInfo %s: %w", account, msg.Error)
	}

	var result accountResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return domain.AccountInfo{}, fmt.Errorf("getAccountInfo: parse result: %w", err)
	}
	info, err := result.info()
	if err != nil {
		return domain.AccountInfo{}, fmt.Errorf("getAccountInfo %s: %w", account, err)
	}
	return info, nil
}

// OnAccountChange subscribes cb to account changes. The returned id stays valid
// across reconnects; the client resubscribes on its own.
func (c *Client) OnAccountChange(ctx context.Context, account string, cb func(domain.AccountInfo)) (domain.SubscriptionID, error) {
	if err := c.ensureConn(ctx); err != nil {
		return 0, err
	}

	remote, err := c.subscribe(ctx, account)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = &subscription{account: account, cb: cb, remote: remote}
	c.remote[remote] = id
	c.mu.Unlock()

	c.logger.Debug("Account subscribed", slog.String("account", account), slog.Int64("subscription", remote))
	return id, nil
}

// RemoveAccountChangeListener unsubscribes id. Unknown ids are ignored.
func (c *Client) RemoveAccountChangeListener(ctx context.Context, id domain.SubscriptionID) error {
	c.mu.Lock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
		delete(c.remote, sub.remote)
	}
	connected := c.conn != nil
	c.mu.Unlock()

	if !ok || !connected {
		return nil
	}

	if _, err := c.call(ctx, "accountUnsubscribe", []any{sub.remote}); err != nil {
		return fmt.Errorf("accountUnsubscribe %d: %w", sub.remote, err)
	}
	return nil
}

// Close drops the websocket connection and stops resubscribing.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) subscribe(ctx context.Context, account string) (int64, error) {
	raw, err := c.call(ctx, "accountSubscribe", []any{account, c.accountConfig()})
	if err != nil {
		return 0, fmt.Errorf("accountSubscribe %s: %w", account, err)
	}
	var remote int64
	if err := json.Unmarshal(raw, &remote); err != nil {
		return 0, fmt.Errorf("accountSubscribe %s: parse id: %w", account, err)
	}
	return remote, nil
}

// ensureConn dials the websocket if there is no live connection.
func (c *Client) ensureConn(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrConnectionClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return domain.NewNetworkError("dial", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return domain.ErrConnectionClosed
	}
	c.conn = conn
	c.wg.Add(1)
	c.mu.Unlock()

	c.metrics.IncrementConnections()
	go c.readLoop(conn)

	c.logger.Info("RPC WebSocket connected")
	return nil
}

// call sends one request on the websocket and waits for its response.
func (c *Client) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan response, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, domain.ErrConnectionClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, domain.NewNetworkError(method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		return resp.result, resp.err
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	defer c.metrics.DecrementConnections()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("RPC message parse error", slog.Any("error", err))
			continue
		}

		switch {
		case msg.ID != nil:
			c.routeResponse(*msg.ID, msg)
		case msg.Method == "accountNotification" && msg.Params != nil:
			c.dispatch(msg.Params.Subscription, msg.Params.Result)
		}
	}
}

// routeResponse sends a response to the waiting goroutine.
func (c *Client) routeResponse(id int64, msg message) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	resp := response{result: msg.Result}
	if msg.Error != nil {
		resp.err = msg.Error
	}
	select {
	case ch <- resp:
	default:
	}
}

func (c *Client) dispatch(remote int64, result accountResult) {
	c.mu.Lock()
	var cb func(domain.AccountInfo)
	if id, ok := c.remote[remote]; ok {
		cb = c.subs[id].cb
	}
	c.mu.Unlock()

	if cb == nil {
		return
	}
	info, err := result.info()
	if err != nil {
		c.metrics.RecordDecodeFailure()
		c.logger.Warn("Account notification dropped", slog.Int64("subscription", remote), slog.Any("error", err))
		return
	}
	cb(info)
}

// connectionLost fails in-flight calls and, unless closed, reconnects and restores
// every subscription.
func (c *Client) connectionLost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		select {
		case ch <- response{err: domain.NewNetworkError("read", err)}:
		default:
		}
		delete(c.pending, id)
	}
	closed := c.closed
	start := !closed && len(c.subs) > 0 && !c.reconnect
	if start {
		c.reconnect = true
		c.wg.Add(1)
	}
	c.mu.Unlock()

	conn.Close()
	if closed {
		return
	}
	c.logger.Warn("RPC WebSocket lost", slog.Any("error", err))
	if start {
		go c.reconnectLoop()
	}
}

// reconnectLoop retries with exponential backoff until every subscription is restored.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnect = false
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	wait := c.baseWait
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := c.resubscribe(ctx); err != nil {
			c.logger.Warn("RPC reconnection failed", slog.Any("error", err))
			wait *= 2
			if wait > reconnectMaxWait {
				wait = reconnectMaxWait
			}
			continue
		}
		c.logger.Info("RPC WebSocket reconnected")
		return
	}
}

func (c *Client) resubscribe(ctx context.Context) error {
	if err := c.ensureConn(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	ids := make([]domain.SubscriptionID, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.mu.Lock()
		sub, ok := c.subs[id]
		var account string
		if ok {
			account = sub.account
		}
		c.mu.Unlock()
		if !ok {
			continue
		}

		remote, err := c.subscribe(ctx, account)
		if err != nil {
			return err
		}

		c.mu.Lock()
		if sub, ok := c.subs[id]; ok {
			delete(c.remote, sub.remote)
			sub.remote = remote
			c.remote[remote] = id
		}
		c.mu.Unlock()
	}
	return nil
}
