// Package store provides the memory storage interface and its log-structured
// implementation.
package store

import (
	"context"

	"github.com/rcliao/agent-memstore/internal/model"
)

// Store defines the memory storage interface agents program against.
//
// Every operation names its session explicitly. A session is an isolated
// namespace: the same category and key under two sessions are two values.
type Store interface {
	// Set stores value under (session, category, key) and returns the
	// sequence number it was committed at.
	Set(ctx context.Context, sessionID, category, key string, value []byte) (uint64, error)

	// Get returns the live value. ok is false when nothing is stored.
	Get(ctx context.Context, sessionID, category, key string) (value []byte, ok bool, err error)

	// Delete removes a value. Deleting a missing key is not an error.
	Delete(ctx context.Context, sessionID, category, key string) error

	// ListKeys lists the live keys of a session, sorted. An empty category
	// lists every category.
	ListKeys(ctx context.Context, sessionID, category string) ([]model.KeyRef, error)

	// ClearSession deletes every live key of a session.
	ClearSession(ctx context.Context, sessionID string) error

	// Close closes the store.
	Close() error
}

var _ Store = (*LogStore)(nil)
