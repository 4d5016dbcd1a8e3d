package report

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultChannel   = "studioqueue:failures"
	statusKeyPrefix  = "studioqueue:job:"
	statusKeyTimeout = 24 * time.Hour
)

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisReporter publishes failures on a channel and keeps a per-job status
// key so dashboards can look a job up after the fact.
type RedisReporter struct {
	client  redisPublisher
	channel string
}

func NewRedisReporter(client redis.UniversalClient, channel string) *RedisReporter {
	if strings.TrimSpace(channel) == "" {
		channel = DefaultChannel
	}
	return &RedisReporter{client: client, channel: channel}
}

func (r *RedisReporter) Report(ctx context.Context, f Failure) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}

	key := statusKeyPrefix + f.Family + ":" + f.JobFile
	if err := r.client.Set(ctx, key, "failed:"+f.Class, statusKeyTimeout).Err(); err != nil {
		return fmt.Errorf("redis status %s: %w", key, err)
	}
	if err := r.client.Publish(ctx, r.channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", r.channel, err)
	}
	return nil
}
