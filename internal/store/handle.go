package store

import (
	"context"

	"github.com/rcliao/agent-memstore/internal/model"
)

// Handle is a LogStore bound to the session it was opened for. It is what
// most callers want: the session is resolved once, at open, and every call
// uses it.
type Handle struct {
	s       *LogStore
	session string
}

// Bind returns a handle for the store's own session.
func (s *LogStore) Bind() *Handle {
	return &Handle{s: s, session: s.sessions.ID()}
}

// Session returns the bound session ID.
func (h *Handle) Session() string { return h.session }

// Store returns the underlying store.
func (h *Handle) Store() *LogStore { return h.s }

func (h *Handle) Set(ctx context.Context, category, key string, value []byte) (uint64, error) {
	return h.s.Set(ctx, h.session, category, key, value)
}

func (h *Handle) Get(ctx context.Context, category, key string) ([]byte, bool, error) {
	return h.s.Get(ctx, h.session, category, key)
}

func (h *Handle) Delete(ctx context.Context, category, key string) error {
	return h.s.Delete(ctx, h.session, category, key)
}

func (h *Handle) ListKeys(ctx context.Context, category string) ([]model.KeyRef, error) {
	return h.s.ListKeys(ctx, h.session, category)
}

func (h *Handle) Clear(ctx context.Context) error {
	return h.s.ClearSession(ctx, h.session)
}
