// Package lock provides the per-portfolio settlement slot. Settlements of the
// same portfolio read the preceding hour's snapshot, so at most one may run
// at a time; different portfolios proceed independently.
package lock

import (
	"context"
	"sync"
)

// Locker hands out exclusive slots by key
type Locker interface {
	// Lock blocks until the slot for key is held or ctx is done. The returned
	// func releases the slot and is safe to call once.
	Lock(ctx context.Context, key string) (func(), error)
}

// MemoryLocker serialises holders within one process
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch      chan struct{}
	waiters int
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]*slot)}
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.waiters++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, s, true) })
	}, nil
}

func (l *MemoryLocker) release(key string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s.waiters--
	if s.waiters == 0 {
		delete(l.slots, key)
	}
}
