package event

import (
	"sync"

	"depthbook/internal/domain"
)

// FeedUpdateEvent pool. Diffs are the hot path: one event per feed message.
//
// Usage:
//
//	ev := AcquireFeedUpdateEvent()
//	ev.Update = u
//	// ... post to inbox, consumer processes ...
//	ReleaseFeedUpdateEvent(ev)  // consumer returns it after processing
var feedUpdatePool = sync.Pool{
	New: func() interface{} {
		return &FeedUpdateEvent{}
	},
}

// AcquireFeedUpdateEvent gets a FeedUpdateEvent from the pool.
// The returned event has zero values and must be initialized.
func AcquireFeedUpdateEvent() *FeedUpdateEvent {
	return feedUpdatePool.Get().(*FeedUpdateEvent)
}

// ReleaseFeedUpdateEvent returns a FeedUpdateEvent to the pool.
// The event is reset to zero values before being pooled.
func ReleaseFeedUpdateEvent(ev *FeedUpdateEvent) {
	if ev == nil {
		return
	}
	ev.Ts = 0
	ev.Conn = 0
	ev.Update = domain.FeedUpdate{}

	feedUpdatePool.Put(ev)
}

// Warmup pre-allocates event objects to reduce GC pressure at startup.
func Warmup() {
	const batchSize = 1000

	evs := make([]*FeedUpdateEvent, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		evs = append(evs, AcquireFeedUpdateEvent())
	}
	for _, ev := range evs {
		ReleaseFeedUpdateEvent(ev)
	}
}
