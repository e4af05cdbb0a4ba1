package events

import (
	"encoding/json"
	"testing"
)

func TestPublishReachesSubscribers(t *testing.T) {
	d := NewDispatcher(nil)

	var got []string
	d.Subscribe("balance_update", func(p json.RawMessage) {
		got = append(got, string(p))
	})

	d.Publish("balance_update", json.RawMessage(`{"asset":"usdc"}`))
	d.Publish("channel_update", json.RawMessage(`{"other":"kind"}`))

	if len(got) != 1 || got[0] != `{"asset":"usdc"}` {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d := NewDispatcher(nil)

	count := 0
	unsub := d.Subscribe("assets", func(json.RawMessage) { count++ })

	d.Publish("assets", nil)
	unsub()
	d.Publish("assets", nil)
	unsub() // double unsubscribe is a no-op

	if count != 1 {
		t.Fatalf("handler ran %d times, want 1", count)
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	d := NewDispatcher(nil)

	survived := 0
	d.Subscribe("assets", func(json.RawMessage) { panic("boom") })
	d.Subscribe("assets", func(json.RawMessage) { survived++ })

	d.Publish("assets", nil)
	d.Publish("assets", nil)

	if survived != 2 {
		t.Fatalf("surviving handler ran %d times, want 2", survived)
	}
}

func TestSubscribersPerKindAreIndependent(t *testing.T) {
	d := NewDispatcher(nil)

	var a, b int
	d.Subscribe("assets", func(json.RawMessage) { a++ })
	d.Subscribe("balance_update", func(json.RawMessage) { b++ })

	d.Publish("assets", nil)
	if a != 1 || b != 0 {
		t.Fatalf("a=%d b=%d, want 1 0", a, b)
	}
}
