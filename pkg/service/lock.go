package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rowmail/rowmail/pkg/models"
)

// Locker serializes write access to a workflow. A session holds the lock
// for its lifetime; a second user hitting a held lock gets a
// WorkflowLockedError naming the holder. The same user re-acquiring (a new
// browser tab, a retried request) succeeds and refreshes the expiry.
type Locker interface {
	Acquire(ctx context.Context, workflowID int64, user string) error
	Release(ctx context.Context, workflowID int64, user string) error
	Holder(ctx context.Context, workflowID int64) (string, error)
}

const lockTTL = 30 * time.Minute

// redisLocker backs the lock with a redis key so multiple instances agree.
type redisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) Locker {
	return &redisLocker{client: client}
}

func lockKey(workflowID int64) string {
	return "rowmail:lock:workflow:" + strconv.FormatInt(workflowID, 10)
}

func (l *redisLocker) Acquire(ctx context.Context, workflowID int64, user string) error {
	key := lockKey(workflowID)
	ok, err := l.client.SetNX(ctx, key, user, lockTTL).Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	holder, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// Lock expired between SetNX and Get; try again once.
		ok, err = l.client.SetNX(ctx, key, user, lockTTL).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		holder, err = l.client.Get(ctx, key).Result()
	}
	if err != nil {
		return err
	}
	if holder == user {
		return l.client.Expire(ctx, key, lockTTL).Err()
	}
	return &models.WorkflowLockedError{WorkflowID: workflowID, Holder: holder}
}

func (l *redisLocker) Release(ctx context.Context, workflowID int64, user string) error {
	key := lockKey(workflowID)
	holder, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if holder != user {
		return &models.WorkflowLockedError{WorkflowID: workflowID, Holder: holder}
	}
	return l.client.Del(ctx, key).Err()
}

func (l *redisLocker) Holder(ctx context.Context, workflowID int64) (string, error) {
	holder, err := l.client.Get(ctx, lockKey(workflowID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return holder, err
}

// memoryLocker is the single-instance fallback used by tests and the CLI.
type memoryLocker struct {
	mu    sync.Mutex
	locks map[int64]memoryLock
}

type memoryLock struct {
	holder  string
	expires time.Time
}

func NewMemoryLocker() Locker {
	return &memoryLocker{locks: make(map[int64]memoryLock)}
}

func (l *memoryLocker) Acquire(_ context.Context, workflowID int64, user string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if lock, ok := l.locks[workflowID]; ok && lock.expires.After(now) && lock.holder != user {
		return &models.WorkflowLockedError{WorkflowID: workflowID, Holder: lock.holder}
	}
	l.locks[workflowID] = memoryLock{holder: user, expires: now.Add(lockTTL)}
	return nil
}

func (l *memoryLocker) Release(_ context.Context, workflowID int64, user string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[workflowID]
	if !ok || !lock.expires.After(time.Now()) {
		return nil
	}
	if lock.holder != user {
		return &models.WorkflowLockedError{WorkflowID: workflowID, Holder: lock.holder}
	}
	delete(l.locks, workflowID)
	return nil
}

func (l *memoryLocker) Holder(_ context.Context, workflowID int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lock, ok := l.locks[workflowID]; ok && lock.expires.After(time.Now()) {
		return lock.holder, nil
	}
	return "", nil
}
