package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisBusTimeout           = 5 * time.Second
	defaultRedisChannelPrefix = "acquirel:events:"
)

// RedisBus implements Bus using Redis pub/sub. Each lock key maps to its own
// channel.
type RedisBus struct {
	client    redis.UniversalClient
	prefix    string
	fan       *fanout
	mu        sync.Mutex
	subs      map[string]*redis.PubSub
	published atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{
		client: client,
		prefix: defaultRedisChannelPrefix,
		fan:    newFanout(),
		subs:   make(map[string]*redis.PubSub),
	}
}

func (b *RedisBus) channel(key string) string {
	return b.prefix + key
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, b.channel(ev.Key), data).Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis has confirmed
// the subscription, so events published afterwards are not lost.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.fan.add(key)
	if first {
		ps := b.client.Subscribe(context.Background(), b.channel(key))
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			b.fan.remove(key, ch)
			return nil, err
		}
		b.subs[key] = ps
		go b.dispatch(ps)
	}
	unsubscribeOnDone(ctx, b, b.fan, key, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		ev, err := decodeEvent([]byte(msg.Payload))
		if err != nil {
			continue
		}
		b.fan.deliver(ev)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, last := b.fan.remove(key, ch); !last {
		return nil
	}
	ps := b.subs[key]
	delete(b.subs, key)
	if ps == nil {
		return nil
	}
	return ps.Close()
}

// Close drops every subscription. The client stays open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, ps := range b.subs {
		_ = ps.Close()
		delete(b.subs, key)
	}
	b.fan.closeAll()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.fan.delivered.Load(),
	}
}
