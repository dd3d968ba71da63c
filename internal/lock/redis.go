// Package lock guards batch runs across service instances.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// release deletes the key only while it still holds our token.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extend pushes the expiry out only while the key still holds our token.
var extend = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a SET NX lock with a TTL. While held, the TTL is refreshed
// every third of its length, so a run longer than the TTL keeps the lock and
// a crashed holder loses it once the TTL expires.
type RedisLocker struct {
	rdb *redis.Client
	key string
	ttl time.Duration
	log *logrus.Logger
}

// NewRedisLocker initializes a lock on key.
func NewRedisLocker(rdb *redis.Client, key string, ttl time.Duration, log *logrus.Logger) *RedisLocker {
	return &RedisLocker{rdb: rdb, key: key, ttl: ttl, log: log}
}

// TryLock acquires the lock without waiting. ok is false when another holder
// has it.
func (l *RedisLocker) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(token, stop, done)

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := release.Run(ctx, l.rdb, []string{l.key}, token).Err(); err != nil {
				l.log.WithField("key", l.key).Errorf("Failed to release lock: %v", err)
			}
		})
	}
	return unlock, true, nil
}

func (l *RedisLocker) keepAlive(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if l.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
		n, err := extend.Run(ctx, l.rdb, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
		cancel()
		if err != nil {
			l.log.WithField("key", l.key).Warnf("Failed to extend lock: %v", err)
			continue
		}
		if n == 0 {
			l.log.WithField("key", l.key).Error("Lock lost to another holder")
			return
		}
	}
}
