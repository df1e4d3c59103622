package syncbus

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
)

func newMockKafkaBus(t *testing.T) (*KafkaBus, *mocks.SyncProducer, *mocks.PartitionConsumer) {
	t.Helper()
	producer := mocks.NewSyncProducer(t, nil)
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{DefaultKafkaTopic: {0}})
	pc := consumer.ExpectConsumePartition(DefaultKafkaTopic, 0, sarama.OffsetNewest)
	bus, err := NewKafkaBusFromClients(producer, consumer, "")
	if err != nil {
		t.Fatalf("NewKafkaBusFromClients: %v", err)
	}
	return bus, producer, pc
}

func TestKafkaBusRoutesByKey(t *testing.T) {
	bus, producer, pc := newMockKafkaBus(t)
	defer func() { _ = bus.Close() }()
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx, "job:1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, _ := bus.Subscribe(ctx, "job:2")

	pc.YieldMessage(&sarama.ConsumerMessage{Key: []byte("job:1"), Value: []byte("1")})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for release notification")
	}
	select {
	case <-other:
		t.Fatal("notification delivered to the wrong key")
	case <-time.After(50 * time.Millisecond):
	}

	producer.ExpectSendMessageAndSucceed()
	if err := bus.Publish(ctx, "job:1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if m := bus.Metrics(); m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestKafkaBusPublishError(t *testing.T) {
	bus, producer, _ := newMockKafkaBus(t)
	defer func() { _ = bus.Close() }()

	boom := errors.New("broker down")
	producer.ExpectSendMessageAndFail(boom)
	if err := bus.Publish(context.Background(), "job:1"); !errors.Is(err, boom) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if m := bus.Metrics(); m.Published != 0 {
		t.Fatalf("failed publish counted: %+v", m)
	}
}

func TestKafkaBusCloseEndsSubscriptions(t *testing.T) {
	bus, _, _ := newMockKafkaBus(t)
	ch, _ := bus.Subscribe(context.Background(), "job:1")
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestKafkaBusIntegration(t *testing.T) {
	addr := os.Getenv("WARPLOCK_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("WARPLOCK_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	cfg := sarama.NewConfig()
	bus, err := NewKafkaBus([]string{addr}, cfg, "warplock-test-"+uuid.NewString())
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}
	defer func() { _ = bus.Close() }()
	runBusSuite(t, bus)
}
