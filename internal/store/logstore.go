package store

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rcliao/agent-memstore/internal/codec"
	"github.com/rcliao/agent-memstore/internal/index"
	"github.com/rcliao/agent-memstore/internal/lock"
	"github.com/rcliao/agent-memstore/internal/model"
	"github.com/rcliao/agent-memstore/internal/session"
	"github.com/rcliao/agent-memstore/internal/snapshot"
	"github.com/rcliao/agent-memstore/internal/wal"
)

// LogStore implements Store as a write-ahead log plus an in-memory index,
// periodically compacted into a snapshot.
//
// Any number of LogStores, in one process or many, may open the same
// directory. Writers are serialized by the directory lock and catch up with
// each other's records before taking a sequence number, so every write gets
// a unique, totally ordered sequence number and none is lost.
type LogStore struct {
	dir      string
	opts     Options
	logger   *slog.Logger
	sessions *session.Manager
	locks    *lock.Coordinator
	wal      *wal.Log

	// compactLocks serializes compactions across handles, which hold locks
	// only around copying the index and installing the result.
	compactLocks *lock.Coordinator

	// idx is swapped wholesale when the log is reloaded after another
	// process compacted it, so readers never see a half-built index.
	idx  atomic.Pointer[index.Index]
	snap atomic.Pointer[snapshot.Header]

	syncMu sync.Mutex // serializes catch-up passes

	closed    atomic.Bool
	compactCh chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup

	compactions     atomic.Int64
	compactFailures atomic.Int64
	lastCompactErr  atomic.Pointer[string]
}

// Open opens or creates a store in dir.
func Open(dir string, opts Options) (*LogStore, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ioErr("create store dir", dir, err)
	}

	sessions, err := session.NewManager(opts.Session, opts.StrictSession)
	if err != nil {
		return nil, err
	}

	locks, err := lock.Open(dir, opts.LockTimeout)
	if err != nil {
		return nil, ioErr("open lock", dir, err)
	}

	compactLocks, err := lock.OpenNamed(dir, lock.CompactFileName, opts.LockTimeout)
	if err != nil {
		locks.Close()
		return nil, ioErr("open lock", dir, err)
	}

	log, err := wal.Open(dir, wal.Config{
		Sync:          opts.Sync,
		BatchInterval: opts.SyncInterval,
		Logger:        opts.Logger,
	})
	if err != nil {
		compactLocks.Close()
		locks.Close()
		return nil, ioErr("open wal", dir, err)
	}

	s := &LogStore{
		dir:       dir,
		opts:      opts,
		logger:    opts.Logger.With("dir", dir),
		sessions:  sessions,
		locks:        locks,
		wal:          log,
		compactLocks: compactLocks,
		compactCh:    make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
	s.idx.Store(index.New())

	if err := s.load(); err != nil {
		log.Close()
		compactLocks.Close()
		locks.Close()
		return nil, err
	}

	if !opts.DisableAutoCompact {
		s.wg.Add(1)
		go s.compactLoop()
	}

	s.logger.Debug("store opened", "session", sessions.ID(), "seq", log.LastSeq(), "keys", s.index().Len())
	return s, nil
}

// load builds the initial index under the writer lock, repairing any torn
// tail left by a crashed writer.
func (s *LogStore) load() error {
	ctx := context.Background()
	g, err := s.locks.AcquireWriter(ctx)
	if err != nil {
		return lockErr(err)
	}
	defer g.Release()

	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	ix, res, err := s.rebuild()
	if err != nil {
		return err
	}
	s.idx.Store(ix)
	return s.repair(res)
}

// rebuild replays the newest snapshot plus the whole WAL into a new index.
// The WAL handle must be positioned at offset zero.
func (s *LogStore) rebuild() (*index.Index, wal.ReplayResult, error) {
	ix := index.New()

	loaded, err := snapshot.Load(s.dir)
	if err != nil {
		return nil, wal.ReplayResult{}, ioErr("load snapshot", s.dir, err)
	}
	if loaded != nil {
		if loaded.Fallback != nil {
			s.logger.Warn("snapshot unreadable, using previous generation",
				"path", loaded.Path, "watermark", loaded.Header.Watermark, "error", loaded.Fallback)
		}
		for _, rec := range loaded.Records {
			ix.Apply(rec, -1)
		}
		ix.SetWatermark(loaded.Header.Watermark)
		s.wal.EnsureSeq(loaded.Header.Watermark)
		s.snap.Store(loaded.Header)
	}

	res, err := s.wal.Replay(func(rec model.Record, off int64) { ix.Apply(rec, off) })
	if err != nil {
		return nil, res, ioErr("replay wal", s.wal.Path(), err)
	}
	if n := len(res.Skipped); n > 0 {
		s.logger.Warn("wal replay skipped corrupt records", "count", n)
	}
	return ix, res, nil
}

func (s *LogStore) repair(res wal.ReplayResult) error {
	if res.Torn == nil {
		return nil
	}
	return ioErr("repair wal", s.wal.Path(), s.wal.Repair())
}

// catchUp folds in records appended by other handles since this one last
// looked, reloading from scratch if the log was replaced by a compaction.
// The caller holds the reader or writer lock; only writers repair torn
// tails.
func (s *LogStore) catchUp(writer bool) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	replaced, grew, err := s.wal.Stale()
	if err != nil {
		return ioErr("stat wal", s.wal.Path(), err)
	}

	var res wal.ReplayResult
	switch {
	case replaced:
		if err := s.wal.Reopen(); err != nil {
			return ioErr("reopen wal", s.wal.Path(), err)
		}
		ix, r, err := s.rebuild()
		if err != nil {
			return err
		}
		s.idx.Store(ix)
		res = r
		s.logger.Debug("reloaded after external compaction", "seq", s.wal.LastSeq())
	case grew:
		ix := s.index()
		r, err := s.wal.Replay(func(rec model.Record, off int64) { ix.Apply(rec, off) })
		if err != nil {
			return ioErr("replay wal", s.wal.Path(), err)
		}
		res = r
	default:
		return nil
	}

	if writer {
		return s.repair(res)
	}
	return nil
}

// refresh brings a reader up to date when the log changed on disk. When it
// has not, which is always the case for a single process, reads take no
// lock at all.
func (s *LogStore) refresh(ctx context.Context) error {
	replaced, grew, err := s.wal.Stale()
	if err != nil {
		return ioErr("stat wal", s.wal.Path(), err)
	}
	if !replaced && !grew {
		return nil
	}
	g, err := s.locks.AcquireReader(ctx)
	if err != nil {
		return lockErr(err)
	}
	defer g.Release()
	return s.catchUp(false)
}

func (s *LogStore) index() *index.Index {
	return s.idx.Load()
}

// commit runs build against the caught-up index under the writer lock, then
// appends the records it returns and applies them. An error from build, or
// no records, aborts the commit with nothing written.
func (s *LogStore) commit(ctx context.Context, build func(ix *index.Index) ([]model.Record, error)) ([]model.Record, error) {
	g, err := s.locks.AcquireWriter(ctx)
	if err != nil {
		return nil, lockErr(err)
	}
	defer g.Release()

	if err := s.catchUp(true); err != nil {
		return nil, err
	}

	ix := s.index()
	recs, err := build(ix)
	if err != nil || len(recs) == 0 {
		return nil, err
	}

	offsets, err := s.wal.Append(recs)
	if err != nil {
		return nil, ioErr("append", s.wal.Path(), err)
	}
	ix.ApplyBatch(recs, offsets)

	s.scheduleCompaction()
	return recs, nil
}

func (s *LogStore) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *LogStore) checkIdentity(sessionID, category, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.sessions.Check(sessionID); err != nil {
		return err
	}
	if err := validateName("category", category); err != nil {
		return err
	}
	return validateName("key", key)
}

// checkValue rejects a value over MaxValueBytes, and one whose record would
// not fit in a single log frame even with that limit off or set higher.
func (s *LogStore) checkValue(id model.Identity, value []byte) error {
	if limit := s.opts.MaxValueBytes; limit > 0 && int64(len(value)) > limit {
		return &CapacityError{What: "value", Size: int64(len(value)), Limit: limit}
	}
	rec := model.Record{Identity: id, Op: model.OpSet, Value: value}
	if size := codec.EncodedSize(rec) - codec.HeaderSize; size > codec.MaxFrameSize {
		return &CapacityError{What: "record", Size: int64(size), Limit: codec.MaxFrameSize}
	}
	return nil
}

// Session returns the session this handle was opened for.
func (s *LogStore) Session() string {
	return s.sessions.ID()
}

// Dir returns the store directory.
func (s *LogStore) Dir() string {
	return s.dir
}

// Set stores value and returns its sequence number.
func (s *LogStore) Set(ctx context.Context, sessionID, category, key string, value []byte) (uint64, error) {
	if err := s.checkIdentity(sessionID, category, key); err != nil {
		return 0, err
	}
	id := model.Identity{SessionID: sessionID, Category: category, Key: key}
	if err := s.checkValue(id, value); err != nil {
		return 0, err
	}
	rec := model.Record{Identity: id, Op: model.OpSet, Value: append([]byte(nil), value...)}

	recs, err := s.commit(ctx, func(ix *index.Index) ([]model.Record, error) {
		if limit := s.opts.MaxStoreBytes; limit > 0 {
			total := ix.Bytes() + entrySize(id, value)
			if old, ok := ix.Get(id); ok {
				total -= entrySize(id, old)
			}
			if total > limit {
				return nil, &CapacityError{What: "store", Size: total, Limit: limit}
			}
		}
		return []model.Record{rec}, nil
	})
	if err != nil {
		return 0, err
	}
	return recs[0].Seq, nil
}

// Get returns the live value for (sessionID, category, key).
func (s *LogStore) Get(ctx context.Context, sessionID, category, key string) ([]byte, bool, error) {
	if err := s.checkIdentity(sessionID, category, key); err != nil {
		return nil, false, err
	}
	if err := s.refresh(ctx); err != nil {
		return nil, false, err
	}
	v, ok := s.index().Get(model.Identity{SessionID: sessionID, Category: category, Key: key})
	if !ok {
		return nil, false, nil
	}
	return append([]byte{}, v...), true, nil
}

// Delete appends a tombstone for the key if it is live.
func (s *LogStore) Delete(ctx context.Context, sessionID, category, key string) error {
	if err := s.checkIdentity(sessionID, category, key); err != nil {
		return err
	}
	id := model.Identity{SessionID: sessionID, Category: category, Key: key}
	_, err := s.commit(ctx, func(ix *index.Index) ([]model.Record, error) {
		if _, ok := ix.Get(id); !ok {
			return nil, nil
		}
		return []model.Record{{Identity: id, Op: model.OpDelete}}, nil
	})
	return err
}

// ListKeys lists the live keys of a session.
func (s *LogStore) ListKeys(ctx context.Context, sessionID, category string) ([]model.KeyRef, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.sessions.Check(sessionID); err != nil {
		return nil, err
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return s.index().ListKeys(sessionID, category), nil
}

// ClearSession appends a tombstone for every live key of the session, in a
// single write.
func (s *LogStore) ClearSession(ctx context.Context, sessionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.sessions.Check(sessionID); err != nil {
		return err
	}
	_, err := s.commit(ctx, func(ix *index.Index) ([]model.Record, error) {
		refs := ix.ListKeys(sessionID, "")
		recs := make([]model.Record, len(refs))
		for i, r := range refs {
			recs[i] = model.Record{
				Identity: model.Identity{SessionID: sessionID, Category: r.Category, Key: r.Key},
				Op:       model.OpDelete,
			}
		}
		return recs, nil
	})
	if err == nil {
		s.logger.Debug("session cleared", "session", sessionID)
	}
	return err
}

// Sessions lists the sessions holding live keys.
func (s *LogStore) Sessions(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return s.index().Sessions(), nil
}

// Sync forces appended records to stable storage; only useful with
// SyncBatch.
func (s *LogStore) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return ioErr("sync", s.wal.Path(), s.wal.Sync())
}

// Close stops background compaction, waits for in-flight operations and
// closes the log.
func (s *LogStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.stop)
	s.wg.Wait()

	s.compactLocks.Close()
	lerr := s.locks.Close()
	err := s.wal.Close()
	if err != nil {
		return ioErr("close wal", s.wal.Path(), err)
	}
	if lerr != nil {
		return ioErr("close lock", s.locks.Path(), lerr)
	}
	return nil
}

func entrySize(id model.Identity, value []byte) int64 {
	return int64(len(id.SessionID) + len(id.Category) + len(id.Key) + len(value))
}

// errorString keeps the last compaction error printable in stats.
func errorString(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}
