package alert

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newStarted(t *testing.T, bufferSize int) *Broadcaster {
	t.Helper()
	eb := bus.NewChannelBus(100)
	t.Cleanup(func() { eb.Close() })

	b := NewBroadcaster(eb, bufferSize)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func receive(t *testing.T, ch <-chan *domain.Case) *domain.Case {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for alert")
		return nil
	}
}

func TestBroadcasterFanout(t *testing.T) {
	b := newStarted(t, 4)
	ctx := context.Background()

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	if err := b.Publish(ctx, &domain.Case{ID: "case-1", Status: domain.CaseOpen}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	for i, ch := range []<-chan *domain.Case{ch1, ch2} {
		c := receive(t, ch)
		if c.ID != "case-1" || c.Status != domain.CaseOpen {
			t.Errorf("subscriber %d got %+v", i, c)
		}
	}
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := newStarted(t, 4)

	ch, cancel := b.Subscribe()
	if b.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.Subscribers())
	}

	cancel()
	cancel()

	if b.Subscribers() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.Subscribers())
	}
	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
}

func TestBroadcasterDropsForLaggingSubscriber(t *testing.T) {
	b := newStarted(t, 1)
	before := testutil.ToFloat64(metrics.AlertsDropped)

	slow, cancelSlow := b.Subscribe()
	defer cancelSlow()

	// Direct fan-out keeps the test independent of bus scheduling.
	b.fanout(&domain.Case{ID: "a"})
	b.fanout(&domain.Case{ID: "b"})

	if got := testutil.ToFloat64(metrics.AlertsDropped) - before; got != 1 {
		t.Errorf("expected 1 dropped alert, got %v", got)
	}
	if c := receive(t, slow); c.ID != "a" {
		t.Errorf("expected first alert to be kept, got %s", c.ID)
	}

	select {
	case c := <-slow:
		t.Errorf("unexpected alert %s", c.ID)
	default:
	}
}

func TestBroadcasterLaggingDoesNotAffectOthers(t *testing.T) {
	b := newStarted(t, 1)

	_, cancelSlow := b.Subscribe()
	defer cancelSlow()
	fast, cancelFast := b.Subscribe()
	defer cancelFast()

	b.fanout(&domain.Case{ID: "a"})
	if c := receive(t, fast); c.ID != "a" {
		t.Fatalf("expected a, got %s", c.ID)
	}
	b.fanout(&domain.Case{ID: "b"})
	if c := receive(t, fast); c.ID != "b" {
		t.Fatalf("expected b, got %s", c.ID)
	}
}

func TestBroadcasterClose(t *testing.T) {
	eb := bus.NewChannelBus(10)
	defer eb.Close()

	b := NewBroadcaster(eb, 0)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	ch, cancel := b.Subscribe()
	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("expected channel closed")
	}
	cancel()

	late, _ := b.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribe after close should return a closed channel")
	}
}

func TestDispatchRejectsGarbage(t *testing.T) {
	b := NewBroadcaster(bus.NewChannelBus(1), 1)
	if err := b.dispatch(context.Background(), &domain.Message{Payload: []byte("{")}); err == nil {
		t.Error("expected error for malformed payload")
	}
}
