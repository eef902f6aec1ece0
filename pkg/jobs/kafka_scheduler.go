package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// DefaultJobTopic is the topic enqueue events are published to.
const DefaultJobTopic = "embedsearch.embedding-jobs"

// JobEvent is published when a job becomes runnable.
type JobEvent struct {
	JobID     uuid.UUID `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
}

// KafkaScheduler wakes workers in every process when a job is enqueued
// anywhere. Records only carry a hint; the database stays the source of
// truth, so lost events cost at most one idle interval.
type KafkaScheduler struct {
	client *kgo.Client
	topic  string
	wakeup signal
	logger hclog.Logger

	closeOnce sync.Once
}

// KafkaConfig holds configuration for the Kafka scheduler.
type KafkaConfig struct {
	Brokers []string
	Topic   string // Default: DefaultJobTopic
	Logger  hclog.Logger
}

// NewKafkaScheduler creates a scheduler backed by a Kafka/Redpanda topic.
// Call Run to start consuming.
func NewKafkaScheduler(cfg KafkaConfig) (*KafkaScheduler, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultJobTopic
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	// Every process needs every event, so there is no consumer group.
	// Events older than the scheduler are irrelevant.
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AfterMilli(time.Now().UnixMilli())),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &KafkaScheduler{
		client: client,
		topic:  cfg.Topic,
		wakeup: newSignal(),
		logger: cfg.Logger.Named("kafka-scheduler"),
	}, nil
}

// Run consumes job events until ctx is done or the scheduler is closed.
func (s *KafkaScheduler) Run(ctx context.Context) error {
	s.logger.Info("starting job event consumer", "topic", s.topic)

	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			s.logger.Error("kafka fetch error", "topic", topic, "partition", partition, "error", err)
		})

		fetches.EachRecord(func(record *kgo.Record) {
			var event JobEvent
			if err := json.Unmarshal(record.Value, &event); err != nil {
				s.logger.Warn("ignoring malformed job event",
					"partition", record.Partition,
					"offset", record.Offset,
					"error", err,
				)
				return
			}
			s.logger.Trace("job event received", "job_id", event.JobID)
			s.wakeup.wake()
		})
	}
}

// Wait implements Scheduler.
func (s *KafkaScheduler) Wait(ctx context.Context, d time.Duration) error {
	return s.wakeup.wait(ctx, d)
}

// Notify publishes a job event and wakes the local worker.
func (s *KafkaScheduler) Notify(ctx context.Context, jobID uuid.UUID) error {
	s.wakeup.wake()

	payload, err := json.Marshal(JobEvent{JobID: jobID, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(jobID.String()),
		Value: payload,
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish job event: %w", err)
	}
	return nil
}

// Close shuts down the Kafka client.
func (s *KafkaScheduler) Close() {
	s.closeOnce.Do(s.client.Close)
}
