package store

import (
	"context"
	"time"

	"github.com/rcliao/agent-memstore/internal/model"
	"github.com/rcliao/agent-memstore/internal/snapshot"
	"github.com/rcliao/agent-memstore/internal/wal"
)

// Compact folds the WAL into a new snapshot and drops the part of the log
// the snapshot covers.
//
// Writers are held off only briefly. The index is copied under the reader
// lock, the snapshot is written and fsynced with no store lock held, and
// the writer lock is taken again just to install it and cut the log.
// Records committed in between stay in the log, past the snapshot's
// watermark. Compactions from any handle are serialized by a lock of their
// own. A failure at any step leaves the previous snapshot and log in place
// and the store fully usable.
func (s *LogStore) Compact(ctx context.Context) (*snapshot.Header, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	cg, err := s.compactLocks.AcquireWriter(ctx)
	if err != nil {
		return nil, lockErr(err)
	}
	defer cg.Release()

	start := time.Now()
	recs, watermark, mark, err := s.snapshotSource(ctx)
	if err != nil {
		return nil, err
	}

	pending, err := snapshot.Prepare(s.dir, watermark, recs)
	if err != nil {
		return nil, ioErr("write snapshot", s.dir, err)
	}

	g, err := s.locks.AcquireWriter(ctx)
	if err != nil {
		pending.Discard()
		return nil, lockErr(err)
	}
	defer g.Release()

	if err := s.catchUp(true); err != nil {
		pending.Discard()
		return nil, err
	}
	if !s.wal.Contains(mark) {
		pending.Discard()
		return nil, ioErr("install snapshot", s.dir, wal.ErrMoved)
	}
	walBytes, walRecords := s.wal.Size(), s.wal.Records()

	hdr, err := pending.Install()
	if err != nil {
		return nil, ioErr("install snapshot", s.dir, err)
	}
	s.snap.Store(hdr)

	if err := s.wal.Reset(mark); err != nil {
		return hdr, ioErr("reset wal", s.wal.Path(), err)
	}

	s.compactions.Add(1)
	s.logger.Info("compacted",
		"watermark", watermark,
		"keys", hdr.RecordCount,
		"snapshot_bytes", hdr.Size,
		"wal_bytes", walBytes,
		"wal_records", walRecords,
		"kept_records", s.wal.Records(),
		"took", time.Since(start))
	return hdr, nil
}

// snapshotSource copies the caught-up index under the reader lock, along
// with the log position the copy reflects.
func (s *LogStore) snapshotSource(ctx context.Context) ([]model.Record, uint64, wal.Position, error) {
	g, err := s.locks.AcquireReader(ctx)
	if err != nil {
		return nil, 0, wal.Position{}, lockErr(err)
	}
	defer g.Release()

	if err := s.catchUp(false); err != nil {
		return nil, 0, wal.Position{}, err
	}
	recs, watermark := s.index().Copy()
	return recs, watermark, s.wal.Position(), nil
}

// needsCompaction reports whether the WAL has outgrown the thresholds. Both
// scale with the last snapshot, so a large store is not rewritten on every
// small burst of writes.
func (s *LogStore) needsCompaction() bool {
	if s.opts.DisableAutoCompact {
		return false
	}
	bytesLimit, recordsLimit := s.opts.CompactBytes, s.opts.CompactRecords
	if hdr := s.snap.Load(); hdr != nil {
		bytesLimit = max(bytesLimit, 2*hdr.Size)
		recordsLimit = max(recordsLimit, int64(hdr.RecordCount))
	}
	if bytesLimit > 0 && s.wal.Size() >= bytesLimit {
		return true
	}
	return recordsLimit > 0 && s.wal.Records() >= recordsLimit
}

// scheduleCompaction wakes the compactor without blocking the writer.
func (s *LogStore) scheduleCompaction() {
	if !s.needsCompaction() {
		return
	}
	select {
	case s.compactCh <- struct{}{}:
	default:
	}
}

func (s *LogStore) compactLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.compactCh:
		}
		if !s.needsCompaction() {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-s.stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		_, err := s.Compact(ctx)
		cancel()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.compactFailures.Add(1)
			s.lastCompactErr.Store(errorString(err))
			s.logger.Error("compaction failed", "error", err)
		}
	}
}
