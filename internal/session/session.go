// Package session resolves and validates session identifiers.
//
// A store handle's session is fixed once when the handle is opened, from an
// explicit value or a freshly generated ULID. It is never re-read from the
// environment afterwards.
package session

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// MaxIDLength bounds a session identifier in bytes.
const MaxIDLength = 256

// ErrInvalidSession is returned for empty or malformed identifiers.
var ErrInvalidSession = errors.New("invalid session id")

// ConflictError is returned in strict mode when an operation names a session
// other than the one the handle was opened with.
type ConflictError struct {
	Opened    string
	Requested string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session conflict: handle opened for %q, operation addressed %q", e.Opened, e.Requested)
}

// Manager owns the session a handle was opened with.
type Manager struct {
	id     string
	strict bool
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a fresh, time-sortable session identifier.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Resolve picks the session for a new handle: requested when given,
// otherwise a new ULID.
func Resolve(requested string) (string, error) {
	if requested == "" {
		return NewID(), nil
	}
	if err := Validate(requested); err != nil {
		return "", err
	}
	return requested, nil
}

// NewManager resolves requested and returns a Manager bound to it. In strict
// mode Check rejects any other session.
func NewManager(requested string, strict bool) (*Manager, error) {
	id, err := Resolve(requested)
	if err != nil {
		return nil, err
	}
	return &Manager{id: id, strict: strict}, nil
}

// ID returns the handle's session.
func (m *Manager) ID() string {
	return m.id
}

// Strict reports whether cross-session operations are rejected.
func (m *Manager) Strict() bool {
	return m.strict
}

// Check validates id for an operation. A different id than the handle's is
// a separate namespace, or a *ConflictError in strict mode.
func (m *Manager) Check(id string) error {
	if err := Validate(id); err != nil {
		return err
	}
	if m.strict && id != m.id {
		return &ConflictError{Opened: m.id, Requested: id}
	}
	return nil
}

// Validate checks the shape of a session identifier.
func Validate(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSession)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidSession, len(id), MaxIDLength)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidSession)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control character %U", ErrInvalidSession, r)
		}
	}
	return nil
}
