package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ChainPay-Network/dashboard_core/internal/app/domain/session"
)

// Redis stores the serialized session under a per-user key with a TTL. It is
// the vault of choice when several dashboard gateway replicas must share one
// session.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedis creates a redis-backed vault. ttl <= 0 disables expiry.
func NewRedis(client *redis.Client, key string, ttl time.Duration) (*Redis, error) {
	if client == nil {
		return nil, errors.New("vault: redis client is required")
	}
	if key == "" {
		return nil, errors.New("vault: redis key is required")
	}
	return &Redis{client: client, key: key, ttl: ttl}, nil
}

func (r *Redis) Get(ctx context.Context) (session.Session, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return session.Session{}, ErrNotFound
		}
		return session.Session{}, fmt.Errorf("vault: redis get: %w", err)
	}

	var s session.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return session.Session{}, fmt.Errorf("vault: decode session: %w", err)
	}
	return s, nil
}

func (r *Redis) Set(ctx context.Context, s session.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("vault: encode session: %w", err)
	}

	ttl := r.ttl
	if ttl <= 0 && !s.ExpiresAt.IsZero() {
		// Track token lifetime so stale sessions age out on their own.
		if remaining := time.Until(s.ExpiresAt); remaining > 0 {
			ttl = remaining
		}
	}
	if err := r.client.Set(ctx, r.key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("vault: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("vault: redis del: %w", err)
	}
	return nil
}
