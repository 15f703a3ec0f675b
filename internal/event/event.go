// Package event defines the messages worker goroutines post into an arbiter's inbox.
package event

import (
	"io"

	"depthbook/internal/domain"
)

// Type identifies an event kind.
type Type int

const (
	TypeFeedCheckpoint Type = iota + 1
	TypeFeedUpdate
	TypeFeedStatus
	TypeAccount
)

func (t Type) String() string {
	switch t {
	case TypeFeedCheckpoint:
		return "feed_checkpoint"
	case TypeFeedUpdate:
		return "feed_update"
	case TypeFeedStatus:
		return "feed_status"
	case TypeAccount:
		return "account"
	default:
		return "unknown"
	}
}

// Event is anything the arbiter loop consumes.
type Event interface {
	GetType() Type
	GetTs() int64
}

// BaseEvent carries the receive timestamp (unix micro).
type BaseEvent struct {
	Ts int64
}

func (e BaseEvent) GetTs() int64 { return e.Ts }

// FeedCheckpointEvent is a full two-sided resync from feed connection Conn.
type FeedCheckpointEvent struct {
	BaseEvent
	Conn       uint64
	Checkpoint domain.FeedCheckpoint
}

func (e *FeedCheckpointEvent) GetType() Type { return TypeFeedCheckpoint }

// FeedUpdateEvent is a one-sided diff from feed connection Conn. Pooled.
type FeedUpdateEvent struct {
	BaseEvent
	Conn   uint64
	Update domain.FeedUpdate
}

func (e *FeedUpdateEvent) GetType() Type { return TypeFeedUpdate }

// FeedStatus is a connection lifecycle transition.
type FeedStatus int

const (
	FeedConnected FeedStatus = iota + 1
	FeedConnectFailed
	FeedDisconnected
)

func (s FeedStatus) String() string {
	switch s {
	case FeedConnected:
		return "connected"
	case FeedConnectFailed:
		return "connect_failed"
	case FeedDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// FeedStatusEvent reports a dial result or a dropped connection.
type FeedStatusEvent struct {
	BaseEvent
	Conn   uint64
	Status FeedStatus
	Closer io.Closer // set on FeedConnected
	Err    error
}

func (e *FeedStatusEvent) GetType() Type { return TypeFeedStatus }

// AccountEvent carries RPC account data for one side. Initial marks the one-shot fetch.
type AccountEvent struct {
	BaseEvent
	Side    domain.Side
	Info    domain.AccountInfo
	Initial bool
}

func (e *AccountEvent) GetType() Type { return TypeAccount }
