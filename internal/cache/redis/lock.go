package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when the lock is still held after the caller's wait budget.
var ErrLockHeld = errors.New("lock already held")

// unlockLua deletes a lock key only if its value matches the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RoundLocker serializes pool mutations of one round across API instances
// using SETNX with a TTL and a Lua-guarded unlock.
type RoundLocker struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	ttl      time.Duration
	wait     time.Duration
	retry    time.Duration
}

// NewRoundLocker creates a locker. ttl bounds how long a crashed holder can
// block a round; wait bounds how long Lock retries before ErrLockHeld.
func NewRoundLocker(c *Client, ttl, wait time.Duration) *RoundLocker {
	return &RoundLocker{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		ttl:      ttl,
		wait:     wait,
		retry:    10 * time.Millisecond,
	}
}

func roundLockKey(roundID int64) string {
	return "lock:round:" + strconv.FormatInt(roundID, 10)
}

// Lock blocks until the round's lock is acquired, ctx is done, or the wait
// budget runs out. The returned unlock function is safe to call more than once.
func (l *RoundLocker) Lock(ctx context.Context, roundID int64) (func(), error) {
	token := uuid.New().String()
	key := roundLockKey(roundID)
	deadline := time.Now().Add(l.wait)
	backoff := l.retry

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLockHeld
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		// Background context so the unlock survives a cancelled caller.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{key}, token).Err()
	}

	return unlock, nil
}
