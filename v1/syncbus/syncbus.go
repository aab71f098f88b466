// Package syncbus propagates lock events between nodes. Events are advisory:
// they let other processes observe acquisitions and releases, but exclusion
// is always decided by the store.
package syncbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
)

// EventKind identifies what happened to a lock.
type EventKind string

const (
	EventLocked   EventKind = "locked"
	EventUnlocked EventKind = "unlocked"
)

// Event describes a lock transition observed by one manager.
type Event struct {
	Kind EventKind `json:"kind"`
	Key  string    `json:"key"`
	Node string    `json:"node,omitempty"`
}

// Bus publishes lock events and fans them out to per-key subscribers.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, key string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, key string, ch <-chan Event) error
}

// Metrics reports how many events a bus published and delivered.
type Metrics struct {
	Published uint64
	Delivered uint64
}

func encodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// fanout keeps the local subscriber channels of a bus. Delivery never blocks:
// a subscriber that has not drained its buffer misses the event.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	stops     map[<-chan Event]chan struct{}
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{
		subs:  make(map[string][]chan Event),
		stops: make(map[<-chan Event]chan struct{}),
	}
}

// add registers a new channel for key and reports whether it is the first
// one, so backends know when to open the remote subscription.
func (f *fanout) add(key string) (chan Event, bool) {
	ch := make(chan Event, 1)
	f.mu.Lock()
	first := len(f.subs[key]) == 0
	f.subs[key] = append(f.subs[key], ch)
	f.stops[ch] = make(chan struct{})
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether key has no subscribers left.
func (f *fanout) remove(key string, ch <-chan Event) (removed, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			f.stop(c)
			removed = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, key)
		return removed, removed
	}
	f.subs[key] = subs
	return removed, false
}

// deliver sends under the lock so a concurrent remove cannot close a channel
// mid-send.
func (f *fanout) deliver(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[ev.Key] {
		select {
		case ch <- ev:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	for key, subs := range f.subs {
		for _, ch := range subs {
			close(ch)
			f.stop(ch)
		}
		delete(f.subs, key)
	}
	f.mu.Unlock()
}

// stop signals that ch is gone. Callers hold f.mu.
func (f *fanout) stop(ch <-chan Event) {
	if s, ok := f.stops[ch]; ok {
		close(s)
		delete(f.stops, ch)
	}
}

// stopped returns a channel closed once ch is removed, or nil if ch is
// unknown.
func (f *fanout) stopped(ch <-chan Event) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops[ch]
}

// unsubscribeOnDone removes ch once ctx is cancelled. The watcher exits early
// when ch is removed another way.
func unsubscribeOnDone(ctx context.Context, b Bus, f *fanout, key string, ch <-chan Event) {
	if ctx.Done() == nil {
		return
	}
	stopped := f.stopped(ch)
	if stopped == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = b.Unsubscribe(context.Background(), key, ch)
		case <-stopped:
		}
	}()
}

// InMemoryBus is a local implementation of Bus mainly for testing and for
// managers sharing a process.
type InMemoryBus struct {
	fan       *fanout
	published atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{fan: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.fan.deliver(ev)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	ch, _ := b.fan.add(key)
	unsubscribeOnDone(ctx, b, b.fan, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	b.fan.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.fan.delivered.Load(),
	}
}
