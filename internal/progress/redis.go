package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/bite-anomaly/internal/database"
)

// Channel is the pub/sub channel progress updates are published on
const Channel = "bite:progress"

// RedisCache stores progress under progress:<date> and publishes every
// update on Channel
type RedisCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisCache(redisClient *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{redis: redisClient, ttl: ttl}
}

func key(date time.Time) string {
	return "progress:" + database.TruncateDay(date).Format(time.DateOnly)
}

func (c *RedisCache) Get(ctx context.Context, date time.Time) (*database.PredictionProgress, error) {
	data, err := c.redis.Get(ctx, key(date)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress from Redis: %w", err)
	}

	var p database.PredictionProgress
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return &p, nil
}

func (c *RedisCache) Set(ctx context.Context, p *database.PredictionProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	if err := c.redis.Set(ctx, key(p.Date), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set progress in Redis: %w", err)
	}
	return nil
}

func (c *RedisCache) Publish(ctx context.Context, p *database.PredictionProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	return c.redis.Publish(ctx, Channel, data).Err()
}

// Watch calls fn with every progress update published until ctx is done
func (c *RedisCache) Watch(ctx context.Context, fn func(*database.PredictionProgress)) error {
	sub := c.redis.Subscribe(ctx, Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", Channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var p database.PredictionProgress
			if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
				continue
			}
			fn(&p)
		}
	}
}
