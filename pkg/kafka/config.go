// Package kafka resolves Kafka/Redpanda settings for the job event topic and
// provisions the topic.
package kafka

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/hashicorp-forge/embedsearch/internal/config"
	"github.com/hashicorp-forge/embedsearch/pkg/jobs"
)

// DefaultBrokers is used when neither the environment nor the config names
// a broker.
var DefaultBrokers = []string{"localhost:19092"}

// GetBrokers returns the Kafka/Redpanda broker addresses.
// It checks environment variables first, then falls back to config, then default.
func GetBrokers(cfg *config.Config) []string {
	if brokers := os.Getenv(config.EnvRedpandaBrokers); brokers != "" {
		var out []string
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				out = append(out, b)
			}
		}
		return out
	}

	if cfg != nil && cfg.Kafka != nil && len(cfg.Kafka.Brokers) > 0 {
		return cfg.Kafka.Brokers
	}

	return DefaultBrokers
}

// GetJobTopic returns the embedding job event topic name.
// It checks environment variables first, then falls back to config, then default.
func GetJobTopic(cfg *config.Config) string {
	if topic := os.Getenv("EMBEDDING_JOB_TOPIC"); topic != "" {
		return topic
	}

	if cfg != nil && cfg.Kafka != nil && cfg.Kafka.Topic != "" {
		return cfg.Kafka.Topic
	}

	return jobs.DefaultJobTopic
}

// EnsureTopic creates a single-partition topic when it does not exist.
func EnsureTopic(ctx context.Context, brokers []string, topic string) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create kafka admin client: %w", err)
	}
	defer client.Close()

	req := kmsg.NewCreateTopicsRequest()
	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = 1
	t.ReplicationFactor = -1 // broker default
	req.Topics = append(req.Topics, t)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to create topic %q: %w", topic, err)
	}
	for _, rt := range resp.Topics {
		if err := kerr.ErrorForCode(rt.ErrorCode); err != nil && err != kerr.TopicAlreadyExists {
			return fmt.Errorf("failed to create topic %q: %w", topic, err)
		}
	}
	return nil
}
