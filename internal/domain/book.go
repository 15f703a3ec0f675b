package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side identifies one half of an order book.
type Side int

const (
	SideBid Side = iota
	SideAsk
)

// Sides lists both sides in a fixed order (bids first).
var Sides = [2]Side{SideBid, SideAsk}

// String returns the string representation of Side
func (s Side) String() string {
	switch s {
	case SideBid:
		return "bid"
	case SideAsk:
		return "ask"
	default:
		return "unknown"
	}
}

// ParseSide converts "bid"/"bids"/"buy" or "ask"/"asks"/"sell" into a Side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "bid", "bids", "buy", "BUY":
		return SideBid, nil
	case "ask", "asks", "sell", "SELL":
		return SideAsk, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

// Better reports whether price a sits closer to the top of the book than b.
func (s Side) Better(a, b decimal.Decimal) bool {
	if s == SideBid {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// Source identifies which upstream delivered a committed snapshot.
type Source int

const (
	SourceNone Source = iota
	SourceFeed
	SourceRPC
)

func (s Source) String() string {
	switch s {
	case SourceFeed:
		return "feed"
	case SourceRPC:
		return "rpc"
	default:
		return "none"
	}
}

// RawLevel is the aggregate resting size at one exact price.
type RawLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// UpdateToken is the per-side logical clock. Tokens order by Slot, then WriteVersion.
type UpdateToken struct {
	Slot         uint64 `json:"slot"`
	WriteVersion uint64 `json:"write_version"`
}

// MinToken is the token every side starts from before its first commit.
var MinToken = UpdateToken{}

// Compare returns -1, 0 or +1.
func (t UpdateToken) Compare(o UpdateToken) int {
	switch {
	case t.Slot < o.Slot:
		return -1
	case t.Slot > o.Slot:
		return 1
	case t.WriteVersion < o.WriteVersion:
		return -1
	case t.WriteVersion > o.WriteVersion:
		return 1
	default:
		return 0
	}
}

func (t UpdateToken) String() string {
	return fmt.Sprintf("%d/%d", t.Slot, t.WriteVersion)
}

// SideSnapshot is the committed state of one side. It is replaced wholesale on every
// accepted update and must not be mutated after publication.
type SideSnapshot struct {
	Side   Side        `json:"side"`
	Levels []RawLevel  `json:"levels"`
	Token  UpdateToken `json:"token"`
	Source Source      `json:"source"`
}

// BookState is the committed pair handed to the commit callback. Either side may be nil
// until its first commit.
type BookState struct {
	MarketID string
	Bids     *SideSnapshot
	Asks     *SideSnapshot
}

// Levels returns the committed levels for side, or nil.
func (b BookState) Levels(side Side) []RawLevel {
	snap := b.Bids
	if side == SideAsk {
		snap = b.Asks
	}
	if snap == nil {
		return nil
	}
	return snap.Levels
}

// GroupedLevel is one bucket of the grouped price grid.
type GroupedLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// DisplayLevel is a grouped level annotated for rendering.
type DisplayLevel struct {
	GroupedLevel
	CumulativeSize        decimal.Decimal `json:"cumulative_size"`
	CumulativeValue       decimal.Decimal `json:"cumulative_value"`
	AveragePrice          decimal.Decimal `json:"average_price"`
	SizePercent           decimal.Decimal `json:"size_percent"`
	CumulativeSizePercent decimal.Decimal `json:"cumulative_size_percent"`
	IsUsersOrder          bool            `json:"is_users_order"`
}

// OrderbookView is the only artifact consumers read.
type OrderbookView struct {
	MarketID         string          `json:"market_id"`
	Grouping         decimal.Decimal `json:"grouping"`
	Bids             []DisplayLevel  `json:"bids"`
	Asks             []DisplayLevel  `json:"asks"`
	Spread           decimal.Decimal `json:"spread"`
	SpreadPercentage decimal.Decimal `json:"spread_percentage"`
}
