package dedupe

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures Redis access for shared event deduplication.
type RedisConfig struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisProvider claims event ids via SET NX with a TTL, so multiple engine
// replicas agree on which submission created the incident.
type RedisProvider struct {
	client *redis.Client
	prefix string
}

// NewRedisProvider constructs a Redis-backed provider. It pings the target
// to fail fast when credentials or connectivity are incorrect.
func NewRedisProvider(cfg RedisConfig) (*RedisProvider, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "remedia:event"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis dedupe: %w", err)
	}

	return &RedisProvider{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

// Claim attempts SET NX; on a lost claim it fetches the winning incident id.
func (p *RedisProvider) Claim(ctx context.Context, eventID, incidentID string, ttl time.Duration) (bool, string, error) {
	key := p.key(eventID)

	won, err := p.client.SetNX(ctx, key, incidentID, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("claim event %s: %w", eventID, err)
	}
	if won {
		return true, "", nil
	}

	existing, err := p.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// Winner's key expired between SetNX and Get; treat as a fresh claim.
		return p.Claim(ctx, eventID, incidentID, ttl)
	}
	if err != nil {
		return false, "", fmt.Errorf("read claimed event %s: %w", eventID, err)
	}
	return false, existing, nil
}

// Close releases the Redis client.
func (p *RedisProvider) Close() error { return p.client.Close() }

func (p *RedisProvider) key(eventID string) string {
	return p.prefix + ":" + eventID
}
