package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldRequests = "requests"
	fieldTokens   = "tokens"
)

// RedisStore keeps windows in Redis hashes that expire after the window
// resets.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	grace  time.Duration
}

// NewRedisStore creates a store using client. Keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix, grace: time.Minute}
}

// Connect parses url and pings the server, retrying up to attempts times.
func Connect(ctx context.Context, url string, attempts int, interval time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for range attempts {
		client := redis.NewClient(opts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(lastErr, ctx.Err())
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("redis not ready: %w", lastErr)
}

func (s *RedisStore) key(key Key, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", s.prefix, key.Service, key.OwnerID, windowStart.Unix())
}

func (s *RedisStore) Usage(ctx context.Context, key Key, windowStart time.Time) (Usage, error) {
	vals, err := s.client.HMGet(ctx, s.key(key, windowStart), fieldRequests, fieldTokens).Result()
	if err != nil {
		return Usage{}, err
	}

	return usageFromValues(windowStart, vals)
}

func usageFromValues(windowStart time.Time, vals []interface{}) (Usage, error) {
	usage := Usage{WindowStart: windowStart}
	var err error
	if usage.Requests, err = parseCount(vals[0]); err != nil {
		return Usage{}, err
	}
	if usage.Tokens, err = parseCount(vals[1]); err != nil {
		return Usage{}, err
	}
	return usage, nil
}

// Add increments both counters in one MULTI/EXEC transaction.
func (s *RedisStore) Add(ctx context.Context, key Key, windowStart, resetTime time.Time, requests, tokens int64) (Usage, error) {
	k := s.key(key, windowStart)

	var reqCmd, tokCmd *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		reqCmd = pipe.HIncrBy(ctx, k, fieldRequests, requests)
		tokCmd = pipe.HIncrBy(ctx, k, fieldTokens, tokens)
		pipe.ExpireAt(ctx, k, resetTime.Add(s.grace))
		return nil
	})
	if err != nil {
		return Usage{}, err
	}

	return Usage{
		WindowStart: windowStart,
		ResetTime:   resetTime,
		Requests:    reqCmd.Val(),
		Tokens:      tokCmd.Val(),
	}, nil
}

// Reserve checks and increments the window inside a WATCH transaction. A
// concurrent write to the same window aborts the transaction, which is then
// retried against the new counts.
func (s *RedisStore) Reserve(ctx context.Context, key Key, windowStart, resetTime time.Time, limits Limits, tokens int64) (Usage, bool, error) {
	k := s.key(key, windowStart)

	var (
		usage Usage
		ok    bool
	)
	reserve := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, k, fieldRequests, fieldTokens).Result()
		if err != nil {
			return err
		}
		current, err := usageFromValues(windowStart, vals)
		if err != nil {
			return err
		}
		current.ResetTime = resetTime

		if !fits(limits, current, tokens) {
			usage, ok = current, false
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, k, fieldRequests, 1)
			pipe.HIncrBy(ctx, k, fieldTokens, tokens)
			pipe.ExpireAt(ctx, k, resetTime.Add(s.grace))
			return nil
		})
		if err != nil {
			return err
		}
		current.Requests++
		current.Tokens += tokens
		usage, ok = current, true
		return nil
	}

	for {
		err := s.client.Watch(ctx, reserve, k)
		if errors.Is(err, redis.TxFailedErr) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Usage{}, false, ctxErr
			}
			continue
		}
		if err != nil {
			return Usage{}, false, err
		}
		return usage, ok, nil
	}
}

// Cleanup is a no-op; Redis expires windows on its own.
func (s *RedisStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func parseCount(v interface{}) (int64, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid counter value %q: %w", val, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected counter type %T", v)
	}
}
