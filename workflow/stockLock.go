package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/supply_backend/models"
	"bitbucket.org/mmdatafocus/supply_backend/utils"
	"github.com/bsm/redislock"
)

// KeyLocker serializes work on one ledger key ahead of the database row lock.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func stockLockKey(productId int, siteId *int) string {
	if siteId == nil {
		return fmt.Sprintf("product:%d:site:general", productId)
	}
	return fmt.Sprintf("product:%d:site:%d", productId, *siteId)
}

// LocalKeyLocker is a per-key lock for a single process. Waiting gives up when ctx is done.
type LocalKeyLocker struct {
	mu    sync.Mutex
	locks map[string]*localKeyLock
}

type localKeyLock struct {
	held chan struct{}
	refs int
}

func NewLocalKeyLocker() *LocalKeyLocker {
	return &LocalKeyLocker{locks: map[string]*localKeyLock{}}
}

func (l *LocalKeyLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl := l.locks[key]
	if kl == nil {
		kl = &localKeyLock{held: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.held <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}
	return func() {
		<-kl.held
		l.release(key, kl)
	}, nil
}

func (l *LocalKeyLocker) release(key string, kl *localKeyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// RedisKeyLocker holds a redis lock per key so appends are serialized across instances.
type RedisKeyLocker struct {
	TTL  time.Duration
	Wait time.Duration
}

func NewRedisKeyLocker() *RedisKeyLocker {
	return &RedisKeyLocker{TTL: 30 * time.Second, Wait: 5 * time.Second}
}

func (l *RedisKeyLocker) Lock(ctx context.Context, key string) (func(), error) {
	release, err := utils.KeyLock(ctx, key, "stockLock", l.TTL, l.Wait, "StockLedger", "Lock")
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, models.ConflictErrorf("stock key %s is busy", key)
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}

// lockKeys takes every key in a fixed order and returns one unlock for all of them.
func lockKeys(ctx context.Context, locker KeyLocker, keys []string) (func(), error) {
	if locker == nil || len(keys) == 0 {
		return func() {}, nil
	}
	keys = utils.UniqueSlice(keys)
	sort.Strings(keys)

	var unlocks []func()
	unlockAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, key := range keys {
		unlock, err := locker.Lock(ctx, key)
		if err != nil {
			unlockAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return unlockAll, nil
}
