package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// URLLock serializes writes to a single URL's cache slot + sidecar across
// processes. spec §5 requires StoredMeta writes to come from a single
// worker per URL within a run; this additionally protects against a second
// process (e.g. an overlapping re-run) racing the same slot.
type URLLock struct {
	dir     string
	timeout time.Duration
}

// NewURLLock roots per-URL lock files under dir/locks.
func NewURLLock(root string, timeout time.Duration) (*URLLock, error) {
	dir := filepath.Join(root, "locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create lock dir: %w", err)
	}
	return &URLLock{dir: dir, timeout: timeout}, nil
}

func (l *URLLock) path(url string) string {
	key := urlKey(url)
	return filepath.Join(l.dir, key[:2], key[2:]+".lock")
}

// Acquire blocks (respecting ctx) until the lock for url is held, and
// returns a release function.
func (l *URLLock) Acquire(ctx context.Context, url string) (release func(), err error) {
	path := l.path(url)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir lock: %w", err)
	}

	lockCtx := ctx
	cancel := func() {}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		lockCtx, cancel = context.WithTimeout(ctx, l.timeout)
	}
	defer cancel()

	fl := flock.New(path)
	ok, err := fl.TryLockContext(lockCtx, 10*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("store: acquire lock for %s: %w", url, err)
	}
	if !ok {
		return nil, fmt.Errorf("store: lock timeout for %s after %v", url, l.timeout)
	}
	return func() { _ = fl.Unlock() }, nil
}
