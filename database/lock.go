package database

import (
	"context"
	"errors"
	"sync"
	"time"

	"world-arena-backend/audit"
)

// ErrLockTimeout is returned when the lock could not be acquired within the
// configured number of attempts.
var ErrLockTimeout = errors.New("advisory lock: acquisition timed out")

// AdvisoryLock serializes every mutating critical section against the store.
// A holder that has kept the lock longer than staleAfter is treated as crashed
// and force-released before retry; acquisition retries a bounded number of
// times with linear backoff.
type AdvisoryLock struct {
	mu          sync.Mutex
	held        bool
	heldSince   time.Time
	staleAfter  time.Duration
	maxAttempts int
	retryDelay  time.Duration
	log         *audit.Logger
}

func NewAdvisoryLock(staleAfter time.Duration, maxAttempts int, log *audit.Logger) *AdvisoryLock {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &AdvisoryLock{
		staleAfter:  staleAfter,
		maxAttempts: maxAttempts,
		retryDelay:  200 * time.Millisecond,
		log:         log,
	}
}

// Acquire takes the lock, force-releasing a stale holder if needed.
func (l *AdvisoryLock) Acquire(ctx context.Context) error {
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		l.mu.Lock()
		if !l.held {
			l.held = true
			l.heldSince = time.Now()
			l.mu.Unlock()
			return nil
		}
		if time.Since(l.heldSince) > l.staleAfter {
			// Holder exceeded the staleness threshold: assume it crashed.
			l.log.Warn("lock_force_release").
				Dur("held_for", time.Since(l.heldSince)).
				Dur("stale_after", l.staleAfter).
				Msg("force-releasing stale advisory lock")
			l.held = true
			l.heldSince = time.Now()
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * l.retryDelay):
		}
	}
	return ErrLockTimeout
}

func (l *AdvisoryLock) Release() {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
}

// WithLock runs fn inside the locked critical section.
func (l *AdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
