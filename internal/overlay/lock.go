package overlay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Lock Owners
// -------------------------------------------------------------------------

// lockOwnerKey carries the owner token used for reentrant acquisition.
type lockOwnerKey struct{}

// lockOwners issues process-unique owner tokens. Zero means "no owner".
var lockOwners atomic.Uint64

// WithLockOwner returns a context carrying a lock owner token. A context
// that already carries one is returned unchanged, so nested calls made with
// the same context share ownership and may re-acquire locks they hold.
func WithLockOwner(ctx context.Context) context.Context {
	if _, ok := ctx.Value(lockOwnerKey{}).(uint64); ok {
		return ctx
	}
	return context.WithValue(ctx, lockOwnerKey{}, lockOwners.Add(1))
}

func lockOwner(ctx context.Context) uint64 {
	owner, _ := ctx.Value(lockOwnerKey{}).(uint64)
	return owner
}

// -------------------------------------------------------------------------
// LockManager
// -------------------------------------------------------------------------

// ErrLocksClosed indicates the lock manager has been shut down.
var ErrLocksClosed = errors.New("lock manager closed")

// LockManager hands out one mutual-exclusion lock per network id.
//
// Lock records are created on first use and removed when the last holder
// or waiter leaves, so Len reports the number of ids currently under
// contention rather than the number of networks that exist. There is no
// fairness between waiters.
type LockManager struct {
	mu      sync.Mutex
	locks   map[string]*lockEntry
	timeout time.Duration
	closed  bool
}

// lockEntry is a one-slot semaphore plus its reference count. All fields
// except sem are guarded by LockManager.mu.
type lockEntry struct {
	sem     chan struct{}
	holders int
	owner   uint64
	depth   int
}

// NewLockManager creates a LockManager. A positive timeout bounds every
// Acquire wait; zero waits until the caller's context ends.
func NewLockManager(timeout time.Duration) *LockManager {
	return &LockManager{
		locks:   make(map[string]*lockEntry),
		timeout: timeout,
	}
}

// Acquire blocks until the lock for id is held and returns its release
// function. The release function is safe to call more than once.
//
// If ctx carries the owner token of the current holder (see WithLockOwner)
// the call succeeds immediately and the matching release only undoes that
// nesting level.
func (lm *LockManager) Acquire(ctx context.Context, id string) (func(), error) {
	owner := lockOwner(ctx)

	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return nil, fmt.Errorf("acquire lock for network %q: %w", id, ErrLocksClosed)
	}

	e, ok := lm.locks[id]
	if ok && owner != 0 && e.owner == owner {
		e.depth++
		lm.mu.Unlock()
		return lm.releaser(id, e), nil
	}
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		lm.locks[id] = e
	}
	e.holders++
	lm.mu.Unlock()

	wait := ctx
	if lm.timeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, lm.timeout)
		defer cancel()
	}

	select {
	case e.sem <- struct{}{}:
	case <-wait.Done():
		lm.mu.Lock()
		lm.leave(id, e)
		lm.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("acquire lock for network %q: %w", id, err)
		}
		return nil, fmt.Errorf("acquire lock for network %q after %s: %w",
			id, lm.timeout, ErrDeadlineExceeded)
	}

	lm.mu.Lock()
	e.owner = owner
	e.depth = 1
	lm.mu.Unlock()

	return lm.releaser(id, e), nil
}

// releaser returns an idempotent release function for one nesting level.
func (lm *LockManager) releaser(id string, e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() { lm.release(id, e) })
	}
}

func (lm *LockManager) release(id string, e *lockEntry) {
	lm.mu.Lock()
	e.depth--
	if e.depth > 0 {
		lm.mu.Unlock()
		return
	}
	e.owner = 0
	lm.leave(id, e)
	lm.mu.Unlock()

	<-e.sem
}

// leave drops one holder reference and removes the record when none remain.
// Caller holds lm.mu.
func (lm *LockManager) leave(id string, e *lockEntry) {
	e.holders--
	if e.holders == 0 && lm.locks[id] == e {
		delete(lm.locks, id)
	}
}

// WithLock runs fn while holding the lock for id. The lock is released on
// every return path, including panics. fn receives a context carrying the
// owner token so it may re-enter WithLock for the same id.
func (lm *LockManager) WithLock(ctx context.Context, id string, fn func(context.Context) error) error {
	ctx = WithLockOwner(ctx)

	release, err := lm.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx)
}

// Len returns the number of lock records, i.e. ids that are held or waited
// for.
func (lm *LockManager) Len() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	return len(lm.locks)
}

// Close rejects further acquisitions. Holders already inside a critical
// section finish normally; their records disappear as they release.
func (lm *LockManager) Close() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.closed = true
}
