package syncbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisBus(t *testing.T) (*RedisBus, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
		mr.Close()
	})
	return bus, ctx
}

func TestRedisBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, ctx := newRedisBus(t)
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	want := Event{Kind: EventLocked, Key: "key", Node: "n1"}
	if err := bus.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("expected %+v got %+v", want, got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestRedisBusContextBasedUnsubscribe(t *testing.T) {
	bus, _ := newRedisBus(t)
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	bus.mu.Lock()
	n := len(bus.subs)
	bus.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected redis subscription dropped, got %d", n)
	}
}
