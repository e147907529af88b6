// Package lock provides a Redis-backed mutual exclusion for the billing
// sweep, so that only one process in a deployment runs it at a time.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultKey = "hostel:billing-sweep"
	DefaultTTL = 5 * time.Minute
)

// Deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Extends the key only while it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker implements billing.Locker with SET NX PX and a random token.
// While held, the TTL is refreshed every TTL/3.
type RedisLocker struct {
	Client *redis.Client
	Key    string
	TTL    time.Duration
	Logger *zap.Logger
}

func NewRedisLocker(client *redis.Client, key string, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{Client: client, Key: key, TTL: ttl, Logger: logger}
}

// TryLock acquires the lock without waiting. ok is false when another holder
// has it.
func (l *RedisLocker) TryLock(ctx context.Context) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := l.Client.SetNX(ctx, l.Key, token, l.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", l.Key, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(token, stop)
	}()

	var once sync.Once
	unlock := func(ctx context.Context) error {
		var err error
		once.Do(func() {
			close(stop)
			wg.Wait()
			err = releaseScript.Run(ctx, l.Client, []string{l.Key}, token).Err()
			if err != nil {
				err = fmt.Errorf("release lock %s: %w", l.Key, err)
			}
		})
		return err
	}
	return unlock, true, nil
}

func (l *RedisLocker) keepAlive(token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.TTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := refreshScript.Run(context.Background(), l.Client,
				[]string{l.Key}, token, l.TTL.Milliseconds()).Int()
			if err != nil {
				l.Logger.Warn("refresh sweep lock", zap.String("key", l.Key), zap.Error(err))
				continue
			}
			if n == 0 {
				l.Logger.Warn("sweep lock lost", zap.String("key", l.Key))
				return
			}
		}
	}
}
