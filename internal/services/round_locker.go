package services

import (
	"context"
	"sync"
)

// openRoundLockKey guards round creation. Round IDs start at 1.
const openRoundLockKey int64 = 0

// KeyedLocker is the in-process RoundLocker: one mutex per round, created
// on demand and dropped when no caller holds or waits for it.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[int64]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[int64]*keyedEntry)}
}

// Lock blocks until the round's lock is free or ctx is done.
func (l *KeyedLocker) Lock(ctx context.Context, roundID int64) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[roundID]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		l.locks[roundID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(roundID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(roundID, e)
		})
	}, nil
}

func (l *KeyedLocker) release(roundID int64, e *keyedEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, roundID)
	}
}
