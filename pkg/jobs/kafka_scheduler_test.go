package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func TestNewKafkaScheduler_Validation(t *testing.T) {
	_, err := NewKafkaScheduler(KafkaConfig{})
	assert.Error(t, err)
}

func createTopic(t *testing.T, ctx context.Context, brokers, topic string) {
	t.Helper()

	admin, err := kgo.NewClient(kgo.SeedBrokers(brokers))
	require.NoError(t, err)
	defer admin.Close()

	req := kmsg.NewCreateTopicsRequest()
	req.Topics = []kmsg.CreateTopicsRequestTopic{{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}}
	_, err = admin.Request(ctx, &req)
	require.NoError(t, err)
}

// An event published by one process wakes a worker waiting in another.
func TestKafkaScheduler_WakesRemoteWaiter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	logger := hclog.New(&hclog.LoggerOptions{Name: "test", Level: hclog.Debug})

	container, err := redpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:latest")
	require.NoError(t, err)
	defer func() { _ = container.Terminate(ctx) }()

	brokers, err := container.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	topic := "test.embedding-jobs"
	createTopic(t, ctx, brokers, topic)

	publisher, err := NewKafkaScheduler(KafkaConfig{Brokers: []string{brokers}, Topic: topic, Logger: logger})
	require.NoError(t, err)
	defer publisher.Close()

	waiter, err := NewKafkaScheduler(KafkaConfig{Brokers: []string{brokers}, Topic: topic, Logger: logger})
	require.NoError(t, err)
	defer waiter.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = waiter.Run(runCtx) }()

	woke := make(chan time.Duration, 1)
	go func() {
		start := time.Now()
		_ = waiter.Wait(runCtx, time.Minute)
		woke <- time.Since(start)
	}()

	// Keep announcing until the waiter's consumer has caught up.
	deadline := time.After(45 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case elapsed := <-woke:
			assert.Less(t, elapsed, time.Minute)
			return
		case <-ticker.C:
			require.NoError(t, publisher.Notify(ctx, uuid.New()))
		case <-deadline:
			t.Fatal("waiter was not woken by a published job event")
		}
	}
}
