package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"esi-search-proxy/internal/model"
)

// RedisStore is a TokenStore shared between proxy replicas through Redis.
// Entries expire in Redis together with the token they hold.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

// NewRedisStore connects to the Redis server at rawURL (redis:// or rediss://)
// and verifies the connection.
func NewRedisStore(ctx context.Context, rawURL, keyPrefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

// Load returns the stored token, or nil when the key is absent.
func (s *RedisStore) Load(ctx context.Context, key string) (*model.AccessToken, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var tok model.AccessToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode cached token: %w", err)
	}
	return &tok, nil
}

// Save stores tok until its expiry. Already-expired tokens are not stored.
func (s *RedisStore) Save(ctx context.Context, key string, tok *model.AccessToken) error {
	ttl := tok.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	// The refresh token stays in configuration; it is not shared through Redis.
	stored := *tok
	stored.RefreshToken = ""

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
