package notify

import (
	"context"
	"encoding/json"
	"fmt"

	backend "github.com/redis/go-redis/v9"

	"oncoflow/internal/domain"
)

// RedisSink appends events as JSON to a Redis list so other services can
// consume them with BLPOP. The list is trimmed to maxLen when maxLen > 0.
type RedisSink struct {
	client *backend.Client
	key    string
	maxLen int64
}

func NewRedisSink(client *backend.Client, key string, maxLen int64) *RedisSink {
	if key == "" {
		key = "oncoflow:notifications"
	}
	return &RedisSink{client: client, key: key, maxLen: maxLen}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, evt domain.NotificationEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.key, data)
	if s.maxLen > 0 {
		pipe.LTrim(ctx, s.key, -s.maxLen, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis push %s: %w", s.key, err)
	}
	return nil
}
