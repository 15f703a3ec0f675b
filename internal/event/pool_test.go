package event

import (
	"testing"

	"depthbook/internal/domain"
)

func TestFeedUpdatePool_ReleaseResets(t *testing.T) {
	ev := AcquireFeedUpdateEvent()
	ev.Ts = 42
	ev.Conn = 7
	ev.Update = domain.FeedUpdate{MarketID: "SOL-PERP", Side: domain.SideAsk, Token: domain.UpdateToken{Slot: 9}}

	ReleaseFeedUpdateEvent(ev)

	if ev.Ts != 0 || ev.Conn != 0 || ev.Update.MarketID != "" || ev.Update.Token.Slot != 0 {
		t.Errorf("event not reset: %+v", ev)
	}

	// nil is ignored
	ReleaseFeedUpdateEvent(nil)
}

func TestEventTypes(t *testing.T) {
	tests := []struct {
		ev   Event
		want Type
	}{
		{&FeedCheckpointEvent{}, TypeFeedCheckpoint},
		{&FeedUpdateEvent{}, TypeFeedUpdate},
		{&FeedStatusEvent{}, TypeFeedStatus},
		{&AccountEvent{}, TypeAccount},
	}
	for _, tt := range tests {
		if got := tt.ev.GetType(); got != tt.want {
			t.Errorf("%T.GetType() = %s, want %s", tt.ev, got, tt.want)
		}
	}
}

func BenchmarkFeedUpdatePool(b *testing.B) {
	Warmup()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		ev := AcquireFeedUpdateEvent()
		ev.Conn = uint64(i)
		ReleaseFeedUpdateEvent(ev)
	}
}
