// Package model defines the core memory data types.
package model

import "time"

// Op is the kind of mutation a record carries.
type Op uint8

const (
	// OpSet stores a value.
	OpSet Op = 1
	// OpDelete is a tombstone shadowing any earlier value for the identity.
	OpDelete Op = 2
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Valid reports whether o is a known operation.
func (o Op) Valid() bool {
	return o == OpSet || o == OpDelete
}

// Identity addresses a single value in the store.
type Identity struct {
	SessionID string `json:"session_id"`
	Category  string `json:"category"`
	Key       string `json:"key"`
}

// Record is the atomic unit of mutation written to the log.
type Record struct {
	Identity
	Op        Op
	Seq       uint64
	Timestamp time.Time // informational; Seq decides ordering
	Value     []byte
}

// KeyRef names a live key within a session.
type KeyRef struct {
	Category string `json:"category"`
	Key      string `json:"key"`
}

// Entry is a live value as exported from or imported into a store.
type Entry struct {
	SessionID string    `json:"session_id"`
	Category  string    `json:"category"`
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Seq       uint64    `json:"seq,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
