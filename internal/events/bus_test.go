package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	ch1, unsub1 := bus.Subscribe(EventTradeTransition, 4)
	defer unsub1()
	ch2, unsub2 := bus.Subscribe(EventTradeTransition, 4)
	defer unsub2()

	bus.Publish(EventTradeTransition, TradeTransition{TradeID: "t1", To: "open"})

	for _, ch := range []<-chan any{ch1, ch2} {
		select {
		case msg := <-ch:
			assert.Equal(t, "t1", msg.(TradeTransition).TradeID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBusTopicsAreIsolated(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventTradeAlert, 4)
	defer unsub()

	bus.Publish(EventTradeTransition, TradeTransition{TradeID: "t1"})

	select {
	case <-ch:
		t.Fatal("received event from another topic")
	default:
	}
}

func TestBusSlowSubscriberNeverBlocksPublish(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(EventTickCompleted, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Publish(EventTickCompleted, TickCompleted{Seq: uint64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventTradeAlert, 1)
	unsub()

	_, open := <-ch
	require.False(t, open)

	// Publishing after unsubscribe is a no-op, not a panic.
	bus.Publish(EventTradeAlert, TradeAlert{Reason: "x"})
}
