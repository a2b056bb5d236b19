package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"biblio/internal/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned by Release when the lease belongs to someone else.
var ErrLeaseHeld = errors.New("lease held by another owner")

const leaseKeyPrefix = "reservation_lease:"

// releaseScript удаляет ключ только если он принадлежит нам
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// RedisLease is a per-record lock shared by every engine process using the same Redis.
type RedisLease struct {
	client *redis.Client
	tokens sync.Map // id -> owner token
}

func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client}
}

func leaseKey(id string) string {
	return leaseKeyPrefix + id
}

func (l *RedisLease) Acquire(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if l.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, leaseKey(id), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if ok {
		l.tokens.Store(id, token)
	}
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context, id string) error {
	if l.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	token, ok := l.tokens.LoadAndDelete(id)
	if !ok {
		return nil
	}
	n, err := releaseScript.Run(ctx, l.client, []string{leaseKey(id)}, token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
