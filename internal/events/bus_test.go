package events

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBusDeliversToTypedSubscriber(t *testing.T) {
	bus := NewBus()
	received := make(chan Event, 1)

	bus.Subscribe(EventTradeOpened, func(ev Event) {
		received <- ev
	})

	bus.PublishTradeOpened("BTCUSDT", "LONG", 50000, 0.01)

	ev := waitFor(t, received)
	if ev.Type != EventTradeOpened {
		t.Errorf("Type = %s, want TRADE_OPENED", ev.Type)
	}
	if ev.Data["symbol"] != "BTCUSDT" || ev.Data["side"] != "LONG" {
		t.Errorf("Data = %v, want symbol and side", ev.Data)
	}
	if ev.Timestamp.IsZero() {
		t.Error("Timestamp not stamped on publish")
	}
}

func TestBusDoesNotCrossDeliver(t *testing.T) {
	bus := NewBus()
	received := make(chan Event, 1)

	bus.Subscribe(EventTradeClosed, func(ev Event) {
		received <- ev
	})

	bus.PublishStateChanged("BTCUSDT", "OPEN", "PROTECTING")

	select {
	case ev := <-received:
		t.Errorf("subscriber for TRADE_CLOSED received %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var seen []EventType
	done := make(chan struct{}, 3)

	bus.SubscribeAll(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.PublishSignal("BTCUSDT", "LONG", 0.8, []string{"rsi_oversold"})
	bus.PublishOrphanDetected("ETHUSDT", "SHORT", 0.5)
	bus.PublishError("sync", "cycle failed", nil)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Errorf("received %d events, want 3", len(seen))
	}
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Type: EventError})
	bus.PublishStateChanged("BTCUSDT", "OPEN", "EXITING")
}
