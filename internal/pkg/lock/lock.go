package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrNotAcquired 锁已被其他调用持有
var ErrNotAcquired = errors.New("lock is held by another invocation")

// Locker 基于 redis SETNX 的跨进程互斥锁
type Locker struct {
	rdb    *redis.Client
	prefix string
}

func NewLocker(rdb *redis.Client, prefix string) *Locker {
	return &Locker{rdb: rdb, prefix: prefix}
}

// Lock 已获得的锁，只能由持有者释放
type Lock struct {
	rdb   *redis.Client
	key   string
	token string
}

// Acquire 尝试获取锁，不等待
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lock{rdb: l.rdb, key: key, token: token}, nil
}

// Do 持锁执行 fn，结束后释放；锁被占用时返回 ErrNotAcquired
func (l *Locker) Do(ctx context.Context, name string, ttl time.Duration, fn func() error) error {
	lk, err := l.Acquire(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer func() {
		// 调用方 ctx 可能已取消，释放使用独立的 ctx
		if err := lk.Release(context.Background()); err != nil {
			slog.Warn("failed to release lock", "key", lk.key, "error", err)
		}
	}()
	return fn()
}

// Release 仅当值仍是自己的 token 时删除，过期后被他人获取的锁不受影响
func (lk *Lock) Release(ctx context.Context) error {
	err := lk.rdb.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, lk.key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read lock: %w", err)
		}
		if val != lk.token {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, lk.key)
			return nil
		})
		return err
	}, lk.key)

	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lk.key, err)
	}
	return nil
}

func (lk *Lock) Key() string {
	return lk.key
}
