// Package wal implements the append-only write-ahead log that every store
// mutation passes through.
//
// The log is a single file, wal.log, holding codec frames in strictly
// increasing sequence order. It is never rewritten in place: compaction
// replaces it with a fresh empty file by rename, so other processes holding
// the old file notice a new file identity and reload.
package wal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rcliao/agent-memstore/internal/codec"
	"github.com/rcliao/agent-memstore/internal/fsx"
	"github.com/rcliao/agent-memstore/internal/model"
)

// File names inside the store directory.
const (
	FileName = "wal.log"
	TornName = "wal.log.torn"
	tmpName  = "wal.log.tmp"
)

// SyncMode controls when appended records are fsynced.
type SyncMode string

const (
	// SyncAlways fsyncs after every append before returning.
	SyncAlways SyncMode = "always"
	// SyncBatch fsyncs from a background ticker and on Close/Sync.
	SyncBatch SyncMode = "batch"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("wal: closed")

// ErrOutOfSync means the file grew behind this handle's back: another
// process appended without this handle catching up first.
var ErrOutOfSync = errors.New("wal: log changed on disk since last replay")

// Config configures a Log.
type Config struct {
	Sync          SyncMode
	BatchInterval time.Duration
	Logger        *slog.Logger
}

// Log is an open write-ahead log. Callers serialize Append, Repair and
// Reset through the lock coordinator; Log's own mutex only keeps its fields
// consistent for concurrent readers of the counters.
type Log struct {
	mu     sync.Mutex
	dir    string
	path   string
	cfg    Config
	logger *slog.Logger

	file    *os.File
	info    os.FileInfo // identity of file, for staleness checks
	size    int64       // end of the last frame replayed or appended
	lastSeq uint64
	records int64 // frames in the current file
	dirty   bool
	closed  bool
	broken  error // set when the log could not be reopened after a reset

	stopSync chan struct{}
	syncDone chan struct{}
}

// Open opens or creates dir/wal.log. It does not read the log; call Replay.
func Open(dir string, cfg Config) (*Log, error) {
	if cfg.Sync == "" {
		cfg.Sync = SyncAlways
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &Log{
		dir:    dir,
		path:   filepath.Join(dir, FileName),
		cfg:    cfg,
		logger: cfg.Logger,
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}
	if err := fsx.SyncDir(dir); err != nil {
		l.file.Close()
		return nil, fmt.Errorf("wal: %w", err)
	}

	if cfg.Sync == SyncBatch && cfg.BatchInterval > 0 {
		l.stopSync = make(chan struct{})
		l.syncDone = make(chan struct{})
		go l.batchSyncLoop()
	}
	return l, nil
}

func (l *Log) openFile() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("wal: stat: %w", err)
	}
	l.file, l.info = f, info
	l.size, l.records = 0, 0
	return nil
}

func (l *Log) batchSyncLoop() {
	defer close(l.syncDone)
	t := time.NewTicker(l.cfg.BatchInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := l.Sync(); err != nil && !errors.Is(err, ErrClosed) {
				l.logger.Warn("wal batch sync failed", "path", l.path, "error", err)
			}
		case <-l.stopSync:
			return
		}
	}
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// ReplayResult summarizes a replay pass.
type ReplayResult struct {
	From    int64
	End     int64 // offset just past the last intact frame
	Applied int
	Skipped []*codec.CorruptionError
	// Torn is set when the log ends in an incomplete frame starting at End.
	Torn *codec.CorruptionError
}

// Replay reads frames from the handle's current position to the end of the
// file, calling fn for each intact record. Damage followed by an intact
// frame is skipped and logged, and replay resumes at that frame. Damage with
// nothing intact after it stops the pass and is reported in Torn, left in
// place for a writer to Repair.
func (l *Log) Replay(fn func(rec model.Record, offset int64)) (ReplayResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ReplayResult{}, ErrClosed
	}

	res := ReplayResult{From: l.size, End: l.size}
	sc := codec.NewScanner(io.NewSectionReader(l.file, l.size, math.MaxInt64-l.size), l.size)
	for {
		rec, off, err := sc.Next()
		if err == io.EOF {
			break
		}
		var ce *codec.CorruptionError
		if errors.As(err, &ce) {
			if ce.Kind == codec.TruncatedTail {
				res.Torn = ce
				break
			}
			l.logger.Warn("wal record skipped", "path", l.path, "offset", ce.Offset, "bytes", ce.Size, "reason", ce.Reason)
			res.Skipped = append(res.Skipped, ce)
			l.records++
			res.End = sc.Offset()
			continue
		}
		if err != nil {
			return res, fmt.Errorf("wal: replay: %w", err)
		}
		if rec.Seq > l.lastSeq {
			l.lastSeq = rec.Seq
		}
		l.records++
		res.Applied++
		res.End = sc.Offset()
		fn(rec, off)
	}
	l.size = res.End
	if res.Torn != nil {
		l.logger.Debug("wal ends in incomplete record", "path", l.path, "offset", res.Torn.Offset, "reason", res.Torn.Reason)
	}
	return res, nil
}

// Repair cuts a torn tail off the log so the next append starts on a frame
// boundary. Replay only reports a tail with no intact frame in it, so no
// committed record is cut. The discarded bytes are appended to wal.log.torn
// first.
func (l *Log) Repair() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	fi, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("wal: stat: %w", err)
	}
	if fi.Size() <= l.size {
		return nil
	}
	torn := make([]byte, fi.Size()-l.size)
	if _, err := l.file.ReadAt(torn, l.size); err != nil && err != io.EOF {
		return fmt.Errorf("wal: read torn tail: %w", err)
	}
	if err := appendFile(filepath.Join(l.dir, TornName), torn); err != nil {
		l.logger.Warn("wal torn tail not preserved", "path", l.path, "error", err)
	}
	if err := l.file.Truncate(l.size); err != nil {
		return fmt.Errorf("wal: truncate torn tail: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync after truncate: %w", err)
	}
	l.logger.Info("wal torn tail discarded", "path", l.path, "offset", l.size, "bytes", len(torn))
	return nil
}

func appendFile(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, err = f.Write(b)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Append assigns the next sequence numbers to recs, writes them with a single
// write call and, under SyncAlways, fsyncs before returning. recs are updated
// in place with their sequence numbers and timestamps; the returned slice
// holds each frame's offset.
//
// On failure nothing is considered appended: the file is cut back to its
// previous length and no sequence number is consumed.
func (l *Log) Append(recs []model.Record) ([]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.broken != nil {
		return nil, fmt.Errorf("wal: unusable until reopened: %w", l.broken)
	}

	fi, err := l.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("wal: stat: %w", err)
	}
	if fi.Size() != l.size {
		return nil, fmt.Errorf("%w: size %d, replayed to %d", ErrOutOfSync, fi.Size(), l.size)
	}

	now := time.Now().UTC()
	offsets := make([]int64, len(recs))
	var buf []byte
	for i := range recs {
		recs[i].Seq = l.lastSeq + uint64(i) + 1
		if recs[i].Timestamp.IsZero() {
			recs[i].Timestamp = now
		}
		offsets[i] = l.size + int64(len(buf))
		if buf, err = codec.AppendFrame(buf, recs[i]); err != nil {
			return nil, err
		}
	}

	if _, err := l.file.Write(buf); err != nil {
		l.rollback()
		return nil, fmt.Errorf("wal: write: %w", err)
	}
	if l.cfg.Sync == SyncAlways {
		if err := l.file.Sync(); err != nil {
			l.rollback()
			return nil, fmt.Errorf("wal: sync: %w", err)
		}
	} else {
		l.dirty = true
	}

	l.size += int64(len(buf))
	l.lastSeq += uint64(len(recs))
	l.records += int64(len(recs))
	return offsets, nil
}

// rollback cuts the file back after a failed write. Best effort: if this
// fails too, the partial frame is a torn tail the next replay discards.
func (l *Log) rollback() {
	if err := l.file.Truncate(l.size); err != nil {
		l.logger.Error("wal rollback failed", "path", l.path, "offset", l.size, "error", err)
	}
}

// Sync flushes appended records to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.syncLocked()
}

func (l *Log) syncLocked() error {
	if !l.dirty {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	l.dirty = false
	return nil
}

// Position marks a point in one log file.
type Position struct {
	info    os.FileInfo
	Size    int64
	Records int64
	Seq     uint64
}

// Position returns the point this handle has replayed or appended to.
func (l *Log) Position() Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Position{info: l.info, Size: l.size, Records: l.records, Seq: l.lastSeq}
}

// Contains reports whether p was taken from the current log file and lies
// within what this handle has replayed or appended.
func (l *Log) Contains(p Position) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return os.SameFile(l.info, p.info) && p.Size <= l.size
}

// ErrMoved is returned by Reset when the log is no longer the file keep
// was taken from, or has been cut back before it.
var ErrMoved = errors.New("wal: log replaced since position was taken")

// Reset replaces the log with a file holding only the frames appended after
// keep, once everything up to keep is covered by a durable snapshot. The
// replacement is written beside the log, fsynced and renamed over it, so
// the log is either the old file or the new one.
func (l *Log) Reset(keep Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if !os.SameFile(l.info, keep.info) || keep.Size > l.size {
		return ErrMoved
	}
	if err := l.syncLocked(); err != nil {
		return err
	}

	tail := l.size - keep.Size
	tmp := filepath.Join(l.dir, tmpName)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create replacement: %w", err)
	}
	_, err = io.Copy(f, io.NewSectionReader(l.file, keep.Size, tail))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("wal: write replacement: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("wal: install replacement: %w", err)
	}
	if err := fsx.SyncDir(l.dir); err != nil {
		return fmt.Errorf("wal: %w", err)
	}

	old, records := l.file, l.records-keep.Records
	if err := l.openFile(); err != nil {
		// old points at the unlinked log; appends to it would be lost.
		l.file = old
		l.broken = err
		return err
	}
	old.Close()
	l.size, l.records = tail, records
	return nil
}

// Stale reports whether the log on disk differs from what this handle has
// replayed: either it was replaced by another process's compaction or it
// holds bytes past the handle's position.
//
// The file is stat'ed before the handle's position is read, so this
// handle's own concurrent appends never make it look stale.
func (l *Log) Stale() (replaced, grew bool, err error) {
	fi, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, false, nil
		}
		return false, false, fmt.Errorf("wal: stat: %w", err)
	}

	l.mu.Lock()
	info, size := l.info, l.size
	l.mu.Unlock()

	if !os.SameFile(info, fi) {
		return true, false, nil
	}
	return false, fi.Size() > size, nil
}

// Reopen drops the current descriptor and opens whatever file is now at the
// log path, positioned at offset zero. Used after another process replaced
// the log.
func (l *Log) Reopen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	old := l.file
	if err := l.openFile(); err != nil {
		return err
	}
	old.Close()
	l.broken = nil
	return nil
}

// EnsureSeq raises the last assigned sequence number to at least seq, so
// numbering continues past a snapshot watermark.
func (l *Log) EnsureSeq(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.lastSeq {
		l.lastSeq = seq
	}
}

// LastSeq returns the highest sequence number appended or replayed.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Size returns the byte length of the log as known to this handle.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Records returns the number of frames in the current log file.
func (l *Log) Records() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records
}

// Close syncs and closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if l.stopSync != nil {
		close(l.stopSync)
		<-l.syncDone
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.syncLocked()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	return err
}
