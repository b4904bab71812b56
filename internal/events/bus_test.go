package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))

	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(Event{Kind: KindSyncCompleted, Payload: "ok"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			require.Equal(t, KindSyncCompleted, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBusCancelStopsDelivery(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))

	ch, cancel := bus.Subscribe()
	cancel()

	_, open := <-ch
	require.False(t, open)

	// Publishing after cancel must not panic.
	bus.Publish(Event{Kind: KindError, Payload: "x"})
}

func TestBusSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))

	ch, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			bus.Publish(Event{Kind: KindStockUpdated, Payload: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	// Buffer holds the first events; the rest were dropped.
	ev := <-ch
	require.Equal(t, KindStockUpdated, ev.Kind)
}
