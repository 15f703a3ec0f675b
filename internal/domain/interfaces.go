package domain

import (
	"context"
	"io"

	"github.com/shopspring/decimal"
)

// Market is the read-only capability the order book needs from a market variant.
// Spot and perpetual markets implement it identically; callers never switch on the
// concrete type.
type Market interface {
	ID() string
	Name() string
	TickSize() decimal.Decimal
	MinOrderSize() decimal.Decimal
	// SideAccount returns the on-chain account holding one side of the book.
	SideAccount(side Side) string
	// Decode turns raw account bytes into ordered levels for side.
	Decode(data []byte, side Side) ([]RawLevel, error)
}

// FeedCheckpoint is a full resync of both sides delivered by the feed.
type FeedCheckpoint struct {
	MarketID string
	Token    UpdateToken
	Bids     []RawLevel
	Asks     []RawLevel
}

// FeedUpdate is a diff for one side. A zero size removes the level.
type FeedUpdate struct {
	MarketID string
	Side     Side
	Token    UpdateToken
	Diffs    []RawLevel
}

// FeedSink receives feed traffic for one connection, in message order, from the
// transport's read goroutine.
type FeedSink interface {
	Checkpoint(cp FeedCheckpoint)
	Update(u FeedUpdate)
	// Disconnected is called once when the connection drops without Close being called.
	Disconnected(err error)
}

// FeedTransport dials the push-based diff feed. A nil error means the connection is
// live and subscribed; closing the returned handle stops delivery to sink.
type FeedTransport interface {
	Connect(ctx context.Context, marketID string, sink FeedSink) (io.Closer, error)
}

// AccountInfo is account data tagged with the RPC context slot it was read at.
type AccountInfo struct {
	Slot uint64
	Data []byte
}

// SubscriptionID identifies an RPC account-change listener.
type SubscriptionID int64

// RPCTransport is the pull/subscribe account source.
type RPCTransport interface {
	GetAccountInfoAndContext(ctx context.Context, account string) (AccountInfo, error)
	OnAccountChange(ctx context.Context, account string, cb func(AccountInfo)) (SubscriptionID, error)
	RemoveAccountChangeListener(ctx context.Context, id SubscriptionID) error
}
