package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic carries every lock event; the lock key is the message key
// so events of one lock stay ordered within a partition.
const DefaultKafkaTopic = "acquirel-lock-events"

// KafkaBus implements Bus using a Kafka backend.
type KafkaBus struct {
	client    sarama.Client
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	topic     string
	fan       *fanout
	mu        sync.Mutex
	pcs       []sarama.PartitionConsumer
	published atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers. An
// empty topic selects DefaultKafkaTopic.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		client:   client,
		producer: producer,
		consumer: consumer,
		topic:    topic,
		fan:      newFanout(),
	}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(ev.Key),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The first subscription starts one
// partition consumer per partition of the topic, reading from the newest
// offset.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pcs == nil {
		if err := b.startConsumers(); err != nil {
			return nil, err
		}
	}
	ch, _ := b.fan.add(key)
	unsubscribeOnDone(ctx, b, b.fan, key, ch)
	return ch, nil
}

func (b *KafkaBus) startConsumers() error {
	partitions, err := b.consumer.Partitions(b.topic)
	if err != nil {
		return err
	}
	pcs := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := b.consumer.ConsumePartition(b.topic, p, sarama.OffsetNewest)
		if err != nil {
			for _, started := range pcs {
				_ = started.Close()
			}
			return err
		}
		pcs = append(pcs, pc)
	}
	for _, pc := range pcs {
		go b.dispatch(pc)
	}
	b.pcs = pcs
	return nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		ev, err := decodeEvent(msg.Value)
		if err != nil {
			continue
		}
		b.fan.deliver(ev)
	}
}

// Unsubscribe implements Bus.Unsubscribe. Partition consumers keep running
// until Close.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	b.fan.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.fan.delivered.Load(),
	}
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	b.mu.Lock()
	for _, pc := range b.pcs {
		_ = pc.Close()
	}
	b.pcs = nil
	b.mu.Unlock()
	b.fan.closeAll()
	_ = b.producer.Close()
	_ = b.consumer.Close()
	_ = b.client.Close()
}
