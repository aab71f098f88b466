package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

const defaultNATSSubjectPrefix = "acquirel.lock."

// NATSBus implements Bus using a NATS backend. Each lock key maps to its own
// subject.
type NATSBus struct {
	conn      *nats.Conn
	prefix    string
	fan       *fanout
	mu        sync.Mutex
	subs      map[string]*nats.Subscription
	published atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:   conn,
		prefix: defaultNATSSubjectPrefix,
		fan:    newFanout(),
		subs:   make(map[string]*nats.Subscription),
	}
}

func (b *NATSBus) subject(key string) string {
	return b.prefix + key
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject(ev.Key), data); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.fan.add(key)
	if first {
		ns, err := b.conn.Subscribe(b.subject(key), func(msg *nats.Msg) {
			ev, err := decodeEvent(msg.Data)
			if err != nil {
				return
			}
			b.fan.deliver(ev)
		})
		if err != nil {
			b.fan.remove(key, ch)
			return nil, err
		}
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			b.fan.remove(key, ch)
			return nil, err
		}
		b.subs[key] = ns
	}
	unsubscribeOnDone(ctx, b, b.fan, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, last := b.fan.remove(key, ch); !last {
		return nil
	}
	ns := b.subs[key]
	delete(b.subs, key)
	if ns == nil {
		return nil
	}
	return ns.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.fan.delivered.Load(),
	}
}
