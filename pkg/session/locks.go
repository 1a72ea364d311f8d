package session

import (
	"sync"
	"time"
)

// DefaultMaxIdleLocks is the lock registry's high-water mark. When more
// locks than this are resident, idle ones are evicted oldest-first.
const DefaultMaxIdleLocks = 1024

// sessionLock is one conversation's mutex plus the bookkeeping eviction
// needs. holders and lastUsed are guarded by the registry's mutex, not by
// the lock itself.
type sessionLock struct {
	mu       sync.Mutex
	holders  int
	lastUsed time.Time
}

// lockRegistry hands out one mutex per conversation id, created on demand.
// Every mutation of a conversation serializes through its lock; the
// registry only tracks which locks exist and reclaims the ones nobody is
// using.
type lockRegistry struct {
	locks   map[string]*sessionLock
	maxIdle int
	mu      sync.Mutex
}

func newLockRegistry(maxIdle int) *lockRegistry {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdleLocks
	}
	return &lockRegistry{
		locks:   make(map[string]*sessionLock),
		maxIdle: maxIdle,
	}
}

// Acquire blocks until the session's lock is held and returns its release
// function. The holders count pins the entry so eviction never drops a lock
// a goroutine is holding or queued on.
func (r *lockRegistry) Acquire(sessionID string) func() {
	r.mu.Lock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		r.locks[sessionID] = l
	}
	l.holders++
	r.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			r.mu.Lock()
			l.holders--
			l.lastUsed = time.Now()
			r.evictIdle()
			r.mu.Unlock()
		})
	}
}

// evictIdle drops the oldest idle locks until the registry is back under
// its high-water mark. Called with r.mu held.
func (r *lockRegistry) evictIdle() {
	for len(r.locks) > r.maxIdle {
		oldestID := ""
		var oldest time.Time
		for id, l := range r.locks {
			if l.holders > 0 {
				continue
			}
			if oldestID == "" || l.lastUsed.Before(oldest) {
				oldestID = id
				oldest = l.lastUsed
			}
		}
		if oldestID == "" {
			return
		}
		delete(r.locks, oldestID)
	}
}

// size reports how many locks are resident.
func (r *lockRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
