package store

import (
	"io"
	"log/slog"
	"time"

	"github.com/rcliao/agent-memstore/internal/wal"
)

// Sync modes, re-exported for callers configuring a store.
const (
	SyncAlways = wal.SyncAlways
	SyncBatch  = wal.SyncBatch
)

const (
	DefaultSyncInterval   = 100 * time.Millisecond
	DefaultCompactBytes   = 4 << 20
	DefaultCompactRecords = 10000
	DefaultMaxValueBytes  = 1 << 20
	DefaultMaxStoreBytes  = 256 << 20
	DefaultLockTimeout    = 10 * time.Second

	// MaxNameLength bounds category and key names in bytes.
	MaxNameLength = 1024
)

// Options configures a LogStore.
//
// Zero-valued numeric fields take their defaults; negative values disable
// the corresponding limit or trigger.
type Options struct {
	// Session is the session this handle is opened for. Empty generates a
	// new one. It is fixed for the life of the handle.
	Session string
	// StrictSession rejects operations that name any other session.
	StrictSession bool

	// Sync is SyncAlways (fsync per write) or SyncBatch.
	Sync wal.SyncMode
	// SyncInterval is the fsync period under SyncBatch.
	SyncInterval time.Duration

	// CompactBytes and CompactRecords are the WAL size and record count
	// past which a compaction is scheduled. Both scale up with the size of
	// the last snapshot.
	CompactBytes       int64
	CompactRecords     int64
	DisableAutoCompact bool

	// MaxValueBytes bounds a single value; MaxStoreBytes bounds the sum of
	// all live identities and values.
	MaxValueBytes int64
	MaxStoreBytes int64

	// LockTimeout bounds how long an operation waits for another process
	// holding the store lock.
	LockTimeout time.Duration

	Logger *slog.Logger
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	return Options{
		Sync:           SyncAlways,
		SyncInterval:   DefaultSyncInterval,
		CompactBytes:   DefaultCompactBytes,
		CompactRecords: DefaultCompactRecords,
		MaxValueBytes:  DefaultMaxValueBytes,
		MaxStoreBytes:  DefaultMaxStoreBytes,
		LockTimeout:    DefaultLockTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Sync == "" {
		o.Sync = d.Sync
	}
	if o.SyncInterval == 0 {
		o.SyncInterval = d.SyncInterval
	}
	if o.CompactBytes == 0 {
		o.CompactBytes = d.CompactBytes
	}
	if o.CompactRecords == 0 {
		o.CompactRecords = d.CompactRecords
	}
	if o.MaxValueBytes == 0 {
		o.MaxValueBytes = d.MaxValueBytes
	}
	if o.MaxStoreBytes == 0 {
		o.MaxStoreBytes = d.MaxStoreBytes
	}
	if o.LockTimeout == 0 {
		o.LockTimeout = d.LockTimeout
	}
	if o.LockTimeout < 0 {
		o.LockTimeout = 0
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}
