// Package cache holds the Redis-backed OAuth token cache shared by all webhook
// invocations.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTokenKey is the key the provider access token is stored under when
// no scoped key is given.
const DefaultTokenKey = "paypal:oauth:access_token"

// TokenKey scopes the token key by provider environment and client id, so
// sandbox and live deployments sharing one Redis never read each other's token.
func TokenKey(environment, clientID string) string {
	environment = strings.ToLower(strings.TrimSpace(environment))
	clientID = strings.TrimSpace(clientID)
	if environment == "" && clientID == "" {
		return DefaultTokenKey
	}
	return fmt.Sprintf("paypal:oauth:%s:%s:access_token", environment, clientID)
}

// TokenCache stores the provider access token in Redis with the provider TTL.
type TokenCache struct {
	client *redis.Client
	key    string
}

// NewTokenCache wraps an existing client. An empty key uses DefaultTokenKey.
func NewTokenCache(client *redis.Client, key string) (*TokenCache, error) {
	if client == nil {
		return nil, errors.New("cache: redis client cannot be nil")
	}
	if key == "" {
		key = DefaultTokenKey
	}
	return &TokenCache{client: client, key: key}, nil
}

// Connect parses a redis:// URL, pings the server and returns a client.
func Connect(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}

	return client, nil
}

// GetToken returns the cached token, or "" when none is stored.
func (c *TokenCache) GetToken(ctx context.Context) (string, error) {
	token, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache: get token: %w", err)
	}
	return token, nil
}

// SetToken stores the token until ttl elapses.
func (c *TokenCache) SetToken(ctx context.Context, token string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key, token, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set token: %w", err)
	}
	return nil
}
