package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceEnergy, Kind: KindCaptureComplete})
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublishFansOut(t *testing.T) {
	b := New()
	const n = 3
	chans := make([]<-chan Event, n)
	for i := range n {
		chans[i] = b.Subscribe(4)
	}

	b.Publish(Event{
		Source: SourceEnergy,
		Kind:   KindCaptureComplete,
		Data:   map[string]any{"total_power": 450.0},
	})

	for i, ch := range chans {
		select {
		case got := <-ch:
			if got.Kind != KindCaptureComplete || got.Data["total_power"] != 450.0 {
				t.Errorf("subscriber %d got %+v", i, got)
			}
			if got.Timestamp.IsZero() {
				t.Errorf("subscriber %d: timestamp not filled", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
		b.Unsubscribe(ch)
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d after unsubscribe", b.SubscriberCount())
	}
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := <-ch; got.Kind != "first" {
		t.Errorf("got %q, want first", got.Kind)
	}
	select {
	case got := <-ch:
		t.Errorf("unexpected event %q", got.Kind)
	default:
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(1000)
	defer b.Unsubscribe(ch)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				b.Publish(Event{Source: SourceGateway, Kind: KindCommand})
			}
		}()
	}
	wg.Wait()

	if got := len(ch); got != 500 {
		t.Errorf("received %d events, want 500", got)
	}
}
