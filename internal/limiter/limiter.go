// Package limiter implements the adaptive concurrency token pool of
// spec §4.C: a dynamically resizable semaphore where shrinking the target
// reserves future admissions instead of revoking tokens already held.
//
// Grounded on the channel-semaphore idiom (a buffered chan struct{} used
// as a counting token pool) seen in the pack's recrawler.go.
package limiter

import (
	"context"
	"fmt"
	"sync"
)

// Limiter is a token pool with capacity in [1, maxLimit]. At any time
// inUse + free + reserved == maxLimit and free + inUse == target.
type Limiter struct {
	mu       sync.Mutex
	tokens   chan struct{}
	maxLimit int
	target   int
	inUse    int
	reserved int
}

// New creates a Limiter whose hard ceiling is maxLimit and whose initial
// target is start (clamped to [1, maxLimit]).
func New(maxLimit, start int) *Limiter {
	if maxLimit < 1 {
		maxLimit = 1
	}
	if start < 1 {
		start = 1
	}
	if start > maxLimit {
		start = maxLimit
	}
	l := &Limiter{
		tokens:   make(chan struct{}, maxLimit),
		maxLimit: maxLimit,
		target:   start,
	}
	// The maxLimit-start reserved tokens stay out of the channel; only the
	// start tokens are immediately available.
	l.reserved = maxLimit - start
	for i := 0; i < start; i++ {
		l.tokens <- struct{}{}
	}
	return l
}

// Acquire blocks (cooperatively) until a token is available or ctx is
// done.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case <-l.tokens:
		l.mu.Lock()
		l.inUse++
		l.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a token to the pool. Holders acquired before a shrink
// release into the pool normally; SetTarget accounts for the shrink by
// having already pulled the now-reserved tokens out of circulation.
func (l *Limiter) Release() {
	l.mu.Lock()
	l.inUse--
	l.mu.Unlock()
	l.tokens <- struct{}{}
}

// SetTarget atomically adjusts the capacity to n, clamped to
// [1, maxLimit]. Shrinking reserves maxLimit-n tokens by acquiring them
// out of the pool (blocking until enough are free, but never revoking a
// token already held by a worker); growing releases previously reserved
// tokens back into circulation.
func (l *Limiter) SetTarget(n int) {
	if n < 1 {
		n = 1
	}
	if n > l.maxLimit {
		n = l.maxLimit
	}

	l.mu.Lock()
	wantReserved := l.maxLimit - n
	delta := wantReserved - l.reserved
	l.target = n
	l.mu.Unlock()

	switch {
	case delta > 0:
		// Shrinking: pull delta tokens out of circulation. This may block
		// briefly until enough in-flight holders release, but it never
		// interrupts them — only future Acquire calls are restricted.
		for i := 0; i < delta; i++ {
			<-l.tokens
		}
		l.mu.Lock()
		l.reserved += delta
		l.mu.Unlock()
	case delta < 0:
		// Growing: release previously reserved tokens.
		for i := 0; i < -delta; i++ {
			l.tokens <- struct{}{}
		}
		l.mu.Lock()
		l.reserved += delta
		l.mu.Unlock()
	}
}

// GetTarget returns the current target capacity.
func (l *Limiter) GetTarget() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target
}

// InUse returns the number of tokens currently held.
func (l *Limiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse
}

// MaxLimit returns the pool's hard ceiling.
func (l *Limiter) MaxLimit() int { return l.maxLimit }

// invariantError is returned by CheckInvariant in tests; it is not used
// by production code paths.
type invariantError struct{ detail string }

func (e *invariantError) Error() string { return e.detail }

// CheckInvariant verifies inUse+free+reserved == maxLimit and
// free+inUse == target, for use in tests.
func (l *Limiter) CheckInvariant() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	free := len(l.tokens)
	if l.inUse+free+l.reserved != l.maxLimit {
		return &invariantError{fmt.Sprintf("inUse(%d)+free(%d)+reserved(%d) != maxLimit(%d)", l.inUse, free, l.reserved, l.maxLimit)}
	}
	if free+l.inUse != l.target {
		return &invariantError{fmt.Sprintf("free(%d)+inUse(%d) != target(%d)", free, l.inUse, l.target)}
	}
	return nil
}
