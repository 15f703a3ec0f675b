package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"depthbook/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

type recordingSink struct {
	mu           sync.Mutex
	checkpoints  []domain.FeedCheckpoint
	updates      []domain.FeedUpdate
	disconnects  int
	disconnected chan error
	received     chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		disconnected: make(chan error, 4),
		received:     make(chan struct{}, 64),
	}
}

func (s *recordingSink) Checkpoint(cp domain.FeedCheckpoint) {
	s.mu.Lock()
	s.checkpoints = append(s.checkpoints, cp)
	s.mu.Unlock()
	s.received <- struct{}{}
}

func (s *recordingSink) Update(u domain.FeedUpdate) {
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
	s.received <- struct{}{}
}

func (s *recordingSink) Disconnected(err error) {
	s.mu.Lock()
	s.disconnects++
	s.mu.Unlock()
	s.disconnected <- err
}

func (s *recordingSink) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.received:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d messages", i, n)
		}
	}
}

func TestClient_SubscribeAndDeliver(t *testing.T) {
	gotCommand := make(chan subscribeCommand, 1)

	server := mockWSServer(t, func(conn *websocket.Conn) {
		var cmd subscribeCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		gotCommand <- cmd

		conn.WriteMessage(websocket.TextMessage, []byte(`{"success":true,"message":"subscribed"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"market":"SOL-PERP","slot":10,"write_version":1,"bids":[[100,5],["99.5","3"]],"asks":[[101,4]]}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"market":"SOL-PERP","side":"ask","slot":10,"write_version":2,"update":[[101,0],[102.25,1]]}`))

		// hold the connection until the client leaves
		conn.ReadMessage()
	})
	defer server.Close()

	sink := newRecordingSink()
	c := NewClient(wsURL(server), time.Second)

	handle, err := c.Connect(context.Background(), "SOL-PERP", sink)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer handle.Close()

	select {
	case cmd := <-gotCommand:
		if cmd.Command != "subscribe" || cmd.MarketID != "SOL-PERP" {
			t.Errorf("subscribe command = %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe command received")
	}

	sink.wait(t, 2)

	sink.mu.Lock()
	defer sink.mu.Unlock()

	if len(sink.checkpoints) != 1 {
		t.Fatalf("checkpoints = %d, want 1", len(sink.checkpoints))
	}
	cp := sink.checkpoints[0]
	if cp.Token != (domain.UpdateToken{Slot: 10, WriteVersion: 1}) || len(cp.Bids) != 2 || len(cp.Asks) != 1 {
		t.Errorf("checkpoint = %+v", cp)
	}
	if !cp.Bids[1].Price.Equal(decimal.RequireFromString("99.5")) {
		t.Errorf("string-encoded price = %s, want 99.5", cp.Bids[1].Price)
	}

	if len(sink.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(sink.updates))
	}
	u := sink.updates[0]
	if u.Side != domain.SideAsk || u.Token.WriteVersion != 2 || len(u.Diffs) != 2 {
		t.Errorf("update = %+v", u)
	}
	if !u.Diffs[0].Size.IsZero() || !u.Diffs[1].Price.Equal(decimal.RequireFromString("102.25")) {
		t.Errorf("diffs = %v", u.Diffs)
	}
}

func TestClient_ServerDropReportsDisconnectOnce(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		var cmd subscribeCommand
		conn.ReadJSON(&cmd)
		// returning closes the connection
	})
	defer server.Close()

	sink := newRecordingSink()
	handle, err := NewClient(wsURL(server), time.Second).Connect(context.Background(), "SOL-PERP", sink)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case err := <-sink.disconnected:
		if !domain.IsRetriable(err) {
			t.Errorf("disconnect error should be retriable, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnected not called")
	}

	handle.Close()
	time.Sleep(50 * time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.disconnects != 1 {
		t.Errorf("Disconnected called %d times, want 1", sink.disconnects)
	}
}

func TestClient_CloseDoesNotReportDisconnect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	sink := newRecordingSink()
	handle, err := NewClient(wsURL(server), time.Second).Connect(context.Background(), "SOL-PERP", sink)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := handle.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	// second close is a no-op
	handle.Close()

	select {
	case err := <-sink.disconnected:
		t.Errorf("Disconnected called after Close: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClient_DialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := NewClient(wsURL(server), time.Second).Connect(context.Background(), "SOL-PERP", newRecordingSink())

	var ne *domain.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if ne.Op != "dial" || !ne.IsRetriable() {
		t.Errorf("error = %+v", ne)
	}
}

func TestHandleMessage_UnknownSide(t *testing.T) {
	s := &connection{sink: newRecordingSink()}

	raw, _ := json.Marshal(map[string]any{"market": "X", "side": "middle", "slot": 1, "update": [][]int{{1, 1}}})
	if err := s.handleMessage(raw); err == nil {
		t.Error("expected error for unknown side")
	}
}
