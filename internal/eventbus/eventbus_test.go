package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestEmitDeliversToSubscriber(t *testing.T) {
	b := New(8)
	defer b.Close()

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{})

	b.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		if len(got) == 1 {
			close(done)
		}
	}, KindFileChanged)

	b.Emit(KindFileChanged, FileChangedPayload{Path: "a.go", Op: "write"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	payload := got[0].Payload.(FileChangedPayload)
	if payload.Path != "a.go" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestSubscriberFiltersByKind(t *testing.T) {
	b := New(8)
	defer b.Close()

	received := make(chan Kind, 4)
	b.Subscribe(func(ev Event) { received <- ev.Kind }, KindQuotaExceeded)

	b.Emit(KindFileChanged, FileChangedPayload{Path: "x"})
	b.Emit(KindQuotaExceeded, QuotaExceededPayload{Tier: "free"})

	select {
	case k := <-received:
		if k != KindQuotaExceeded {
			t.Fatalf("expected quota_exceeded, got %s", k)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered delivery")
	}

	select {
	case k := <-received:
		t.Fatalf("unexpected second delivery: %s", k)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := New(8)
	defer b.Close()

	okCh := make(chan struct{})
	b.Subscribe(func(ev Event) { panic("boom") }, KindFileChanged)
	b.Subscribe(func(ev Event) { close(okCh) }, KindFileChanged)

	b.Emit(KindFileChanged, FileChangedPayload{Path: "a"})

	select {
	case <-okCh:
	case <-time.After(time.Second):
		t.Fatal("panicking subscriber should not block the other subscriber")
	}
}

func TestDisabledBusDropsEmit(t *testing.T) {
	b := New(8)
	defer b.Close()
	b.Disable()

	received := make(chan struct{}, 1)
	b.Subscribe(func(ev Event) { received <- struct{}{} }, KindFileChanged)
	b.Emit(KindFileChanged, FileChangedPayload{Path: "a"})

	select {
	case <-received:
		t.Fatal("expected no delivery while disabled")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(8)
	defer b.Close()

	received := make(chan struct{}, 1)
	unsub := b.Subscribe(func(ev Event) { received <- struct{}{} }, KindFileChanged)
	unsub()

	b.Emit(KindFileChanged, FileChangedPayload{Path: "a"})

	select {
	case <-received:
		t.Fatal("expected no delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStatsReportsSubscriberCount(t *testing.T) {
	b := New(8)
	defer b.Close()
	b.Subscribe(func(ev Event) {})
	b.Subscribe(func(ev Event) {})

	stats := b.Stats()
	if stats.SubscriberCount != 2 {
		t.Fatalf("expected 2 subscribers, got %d", stats.SubscriberCount)
	}
	if !stats.Enabled {
		t.Fatalf("expected bus enabled")
	}
}
