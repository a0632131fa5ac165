package store

import (
	"errors"
	"fmt"

	"github.com/rcliao/agent-memstore/internal/lock"
	"github.com/rcliao/agent-memstore/internal/session"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store: closed")
	// ErrInvalidName is returned for an empty or oversized category or key.
	ErrInvalidName = errors.New("store: invalid name")
	// ErrInvalidSession is returned for a malformed session id.
	ErrInvalidSession = session.ErrInvalidSession
	// ErrLockTimeout is returned when another process held the store lock
	// past the configured timeout.
	ErrLockTimeout = lock.ErrLockTimeout
)

// SessionConflictError is returned by a strict handle for an operation on a
// session other than its own.
type SessionConflictError = session.ConflictError

// IOError reports a failed filesystem operation: disk full, permission
// denied and the like. The store stays usable for reads.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// CapacityError reports a size limit being exceeded. It is returned before
// anything is written.
type CapacityError struct {
	What  string // "value", "record" or "store"
	Size  int64
	Limit int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("store: %s size %d exceeds limit %d", e.What, e.Size, e.Limit)
}

func ioErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ioe *IOError
	if errors.As(err, &ioe) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// lockErr maps coordinator errors onto the store's.
func lockErr(err error) error {
	if errors.Is(err, lock.ErrClosed) {
		return ErrClosed
	}
	return err
}

func validateName(what, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidName, what)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %s of %d bytes exceeds %d", ErrInvalidName, what, len(name), MaxNameLength)
	}
	return nil
}
