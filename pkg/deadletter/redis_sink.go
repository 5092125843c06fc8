package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/nexus-labs/nexus/core/pkg/retry"
)

// redisKey is the list holding dead letters, newest at the head.
const redisKey = "nexus:deadletters"

// RedisSink keeps dead letters in a capped redis list, for deployments
// that want them visible to external tooling without touching the node's
// local disk.
type RedisSink struct {
	client *redis.Client
	maxLen int64
}

// OpenRedisSink connects with bounded backoff. maxLen caps the list;
// zero means unbounded.
func OpenRedisSink(ctx context.Context, addr string, maxLen int64) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	connect := func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	if err := retry.Connect(ctx, "deadletter-redis", retry.DefaultConnectPolicy(), connect); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &RedisSink{client: client, maxLen: maxLen}, nil
}

func (s *RedisSink) Write(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("serialize dead letter: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, redisKey, raw)
	if s.maxLen > 0 {
		pipe.LTrim(ctx, redisKey, 0, s.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	return nil
}

func (s *RedisSink) List(ctx context.Context, limit int) ([]Entry, error) {
	raws, err := s.client.LRange(ctx, redisKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("corrupt dead letter: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisSink) Close() error { return s.client.Close() }
