// Package lock coordinates single-writer, multi-reader access to a store
// directory, both between goroutines of one process and between processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// File names inside the store directory.
const (
	// FileName guards the log and index.
	FileName = "LOCK"
	// CompactFileName serializes compactions, which do most of their work
	// without holding FileName.
	CompactFileName = "LOCK.compact"
)

const pollInterval = 2 * time.Millisecond

var (
	// ErrLockTimeout is returned when the OS lock could not be obtained
	// within the configured timeout.
	ErrLockTimeout = errors.New("lock: timed out waiting for store lock")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("lock: coordinator closed")
)

// Coordinator composes an in-process RWMutex with an OS advisory lock on
// <dir>/LOCK.
//
// Goroutines of one Coordinator are ordered by the mutex first, so the OS
// lock only ever arbitrates between processes (or between separate
// Coordinators on the same directory, which behave like separate processes).
type Coordinator struct {
	path    string
	timeout time.Duration

	mu sync.RWMutex

	// sharedMu guards the reference count of in-process readers holding the
	// OS shared lock, so the last reader out drops it.
	sharedMu sync.Mutex
	shared   int

	file   *os.File
	closed bool
}

// Guard releases a held lock. Release is safe to call more than once.
type Guard struct {
	once    sync.Once
	release func()
}

// Release drops the lock.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(g.release)
}

// Open creates the lock file in dir. timeout bounds how long an acquire
// waits for another process; zero waits until the context is done.
func Open(dir string, timeout time.Duration) (*Coordinator, error) {
	return OpenNamed(dir, FileName, timeout)
}

// OpenNamed is Open for a lock file other than FileName.
func OpenNamed(dir, name string, timeout time.Duration) (*Coordinator, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &Coordinator{path: path, timeout: timeout, file: f}, nil
}

// Path returns the lock file path.
func (c *Coordinator) Path() string {
	return c.path
}

// AcquireWriter takes the exclusive lock.
func (c *Coordinator) AcquireWriter(ctx context.Context) (*Guard, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if err := c.wait(ctx, func() (bool, error) { return tryLock(c.file, true) }); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	return &Guard{release: func() {
		unlock(c.file)
		c.mu.Unlock()
	}}, nil
}

// AcquireReader takes a shared lock. Any number of readers may hold it at
// once; writers are excluded.
func (c *Coordinator) AcquireReader(ctx context.Context) (*Guard, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}

	c.sharedMu.Lock()
	if c.shared == 0 {
		if err := c.wait(ctx, func() (bool, error) { return tryLock(c.file, false) }); err != nil {
			c.sharedMu.Unlock()
			c.mu.RUnlock()
			return nil, err
		}
	}
	c.shared++
	c.sharedMu.Unlock()

	return &Guard{release: func() {
		c.sharedMu.Lock()
		c.shared--
		if c.shared == 0 {
			unlock(c.file)
		}
		c.sharedMu.Unlock()
		c.mu.RUnlock()
	}}, nil
}

// wait polls try until it succeeds, the context ends or the timeout passes.
func (c *Coordinator) wait(ctx context.Context, try func() (bool, error)) error {
	var deadline <-chan time.Time
	if c.timeout > 0 {
		t := time.NewTimer(c.timeout)
		defer t.Stop()
		deadline = t.C
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := try()
		if err != nil {
			return fmt.Errorf("lock %s: %w", c.path, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%w (path=%s timeout=%s)", ErrLockTimeout, c.path, c.timeout)
		case <-ticker.C:
		}
	}
}

// Close releases the lock file. It waits for in-flight holders.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.file.Close()
}
