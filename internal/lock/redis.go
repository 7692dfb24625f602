package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "lock:"

// releaseScript só apaga a chave se o lease ainda pertencer ao token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLeaser struct {
	client redis.UniversalClient
}

// NewRedisGateway cria o Gateway sobre SET NX PX + liberação atômica por script Lua
func NewRedisGateway(client redis.UniversalClient, opts Options) Gateway {
	return &leaseGateway{
		backend: &redisLeaser{client: client},
		opts:    opts.withDefaults(),
	}
}

// NewRedisClient conecta e valida com PING, como no store de checkout codes
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := client.Ping(pingCtx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (l *redisLeaser) tryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, redisKeyPrefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	return ok, nil
}

func (l *redisLeaser) release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{redisKeyPrefix + key}, token).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}
