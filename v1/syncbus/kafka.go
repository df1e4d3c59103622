package syncbus

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic carries release notifications for every lock, keyed by
// lock name.
const DefaultKafkaTopic = "warplock-releases"

// KafkaBus implements Bus using a Kafka topic. Every partition of the topic is
// consumed from the newest offset and messages are routed to local
// subscribers by message key.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client
	topic    string
	f        *fanout

	mu  sync.Mutex
	pcs []sarama.PartitionConsumer
	wg  sync.WaitGroup
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config, topic string) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
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
	b, err := NewKafkaBusFromClients(producer, consumer, topic)
	if err != nil {
		_ = producer.Close()
		_ = consumer.Close()
		_ = client.Close()
		return nil, err
	}
	b.client = client
	return b, nil
}

// NewKafkaBusFromClients builds a KafkaBus on an existing producer and
// consumer, which the bus then owns.
func NewKafkaBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) (*KafkaBus, error) {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	b := &KafkaBus{producer: producer, consumer: consumer, topic: topic, f: newFanout()}
	partitions, err := consumer.Partitions(topic)
	if err != nil {
		return nil, err
	}
	for _, p := range partitions {
		pc, err := consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
		if err != nil {
			b.closeConsumers()
			return nil, err
		}
		b.pcs = append(b.pcs, pc)
		b.wg.Add(1)
		go b.dispatch(pc)
	}
	return b, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder("1"),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	ch, _ := b.f.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error {
	b.f.remove(key, ch)
	return nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	defer b.wg.Done()
	for msg := range pc.Messages() {
		b.f.deliver(string(msg.Key))
	}
}

func (b *KafkaBus) closeConsumers() {
	b.mu.Lock()
	pcs := b.pcs
	b.pcs = nil
	b.mu.Unlock()
	for _, pc := range pcs {
		pc.AsyncClose()
	}
	b.wg.Wait()
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return b.f.metrics()
}

// Close stops consuming, closes every subscriber channel and releases the
// producer and consumer.
func (b *KafkaBus) Close() error {
	b.closeConsumers()
	b.f.closeAll()
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if b.client != nil {
		_ = b.client.Close()
	}
	if perr != nil {
		return perr
	}
	return cerr
}
