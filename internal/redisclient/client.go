package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"subscription-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the connection for the readiness check
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func idempotencyKey(key string) string {
	return "idempotency:" + key
}

func lockKey(key string) string {
	return "lock:" + key
}

func gatewayKey(t models.GatewayType) string {
	return "gateway:settings:" + string(t)
}

func taskResultKey(id uuid.UUID) string {
	return "task:result:" + id.String()
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyKey(key), value, ttl).Err()
}

// CheckIdempotencyKey checks if an idempotency key exists
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, idempotencyKey(key)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// AcquireLock takes a distributed lock and returns the owner token.
// ok is false when somebody else holds it.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = c.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return token, ok, nil
}

// ReleaseLock deletes the lock only if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, key, token string) error {
	if _, err := c.releaseScript.Run(ctx, c.rdb, []string{lockKey(key)}, token).Result(); err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

// GetGateway returns the cached gateway row, or nil on a miss
func (c *Client) GetGateway(ctx context.Context, t models.GatewayType) (*models.PaymentGateway, error) {
	raw, err := c.rdb.Get(ctx, gatewayKey(t)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var gw models.PaymentGateway
	if err := json.Unmarshal(raw, &gw); err != nil {
		return nil, fmt.Errorf("decode cached gateway %s: %w", t, err)
	}
	return &gw, nil
}

// SetGateway caches a gateway row
func (c *Client) SetGateway(ctx context.Context, gw *models.PaymentGateway, ttl time.Duration) error {
	raw, err := json.Marshal(gw)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, gatewayKey(gw.Type), raw, ttl).Err()
}

// InvalidateGateway drops the cached gateway row
func (c *Client) InvalidateGateway(ctx context.Context, t models.GatewayType) error {
	return c.rdb.Del(ctx, gatewayKey(t)).Err()
}

// SetTaskResult stores the encoded result of a finished task
func (c *Client) SetTaskResult(ctx context.Context, taskID uuid.UUID, result []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, taskResultKey(taskID), result, ttl).Err()
}

// GetTaskResult returns the stored result; found is false until the task finished
func (c *Client) GetTaskResult(ctx context.Context, taskID uuid.UUID) (result []byte, found bool, err error) {
	raw, err := c.rdb.Get(ctx, taskResultKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}
