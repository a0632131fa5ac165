package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rcliao/agent-memstore/internal/codec"
	"github.com/rcliao/agent-memstore/internal/model"
	"github.com/rcliao/agent-memstore/internal/snapshot"
	"github.com/rcliao/agent-memstore/internal/wal"
)

func openTestStore(t *testing.T, dir string, opts Options) *LogStore {
	t.Helper()
	if opts.Session == "" {
		opts.Session = "test"
	}
	s, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestStore(t *testing.T) *LogStore {
	t.Helper()
	return openTestStore(t, t.TempDir(), Options{DisableAutoCompact: true})
}

func mustSet(t *testing.T, s *LogStore, session, category, key, value string) uint64 {
	t.Helper()
	seq, err := s.Set(context.Background(), session, category, key, []byte(value))
	if err != nil {
		t.Fatalf("set %s/%s/%s: %v", session, category, key, err)
	}
	return seq
}

func mustGet(t *testing.T, s *LogStore, session, category, key string) (string, bool) {
	t.Helper()
	v, ok, err := s.Get(context.Background(), session, category, key)
	if err != nil {
		t.Fatalf("get %s/%s/%s: %v", session, category, key, err)
	}
	return string(v), ok
}

// waitForStats polls Stats until cond holds or five seconds pass.
func waitForStats(t *testing.T, s *LogStore, cond func(*Stats) bool) *Stats {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := s.Stats(context.Background())
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting on stats, last %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// frameOffsets walks the frame headers of a log file.
func frameOffsets(data []byte) []int {
	var offs []int
	for off := 0; off+codec.HeaderSize <= len(data); {
		offs = append(offs, off)
		off += codec.HeaderSize + int(binary.LittleEndian.Uint32(data[off:]))
	}
	return offs
}

func TestSetGetDeleteScenario(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seq, err := s.Set(ctx, "s1", "notes", "greeting", []byte("hello"))
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if seq != 1 {
		t.Errorf("expected seq 1, got %d", seq)
	}

	v, ok := mustGet(t, s, "s1", "notes", "greeting")
	if !ok || v != "hello" {
		t.Errorf("expected 'hello', got %q (ok=%v)", v, ok)
	}

	if err := s.Delete(ctx, "s1", "notes", "greeting"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := mustGet(t, s, "s1", "notes", "greeting"); ok {
		t.Error("expected key to be absent after delete")
	}

	keys, err := s.ListKeys(ctx, "s1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if keys == nil || len(keys) != 0 {
		t.Errorf("expected empty non-nil list, got %#v", keys)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	v, ok, err := s.Get(context.Background(), "s1", "notes", "nope")
	if err != nil || ok || v != nil {
		t.Errorf("expected (nil, false, nil), got (%q, %v, %v)", v, ok, err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	in := []byte("abc")
	s.Set(ctx, "s1", "c", "k", in)
	in[0] = 'x'

	v, _, _ := s.Get(ctx, "s1", "c", "k")
	v[1] = 'y'

	if got, _ := mustGet(t, s, "s1", "c", "k"); got != "abc" {
		t.Errorf("expected stored value to be unaffected by caller buffers, got %q", got)
	}
}

func TestOverwriteOrdering(t *testing.T) {
	s := newTestStore(t)

	var last uint64
	for i := 0; i < 5; i++ {
		seq := mustSet(t, s, "s1", "c", "k", fmt.Sprintf("v%d", i))
		if seq <= last {
			t.Fatalf("expected increasing seq, got %d after %d", seq, last)
		}
		last = seq
	}
	if v, _ := mustGet(t, s, "s1", "c", "k"); v != "v4" {
		t.Errorf("expected last write to win, got %q", v)
	}
	keys, _ := s.ListKeys(context.Background(), "s1", "")
	if len(keys) != 1 {
		t.Errorf("expected 1 live key, got %d", len(keys))
	}
}

func TestDeleteMissingWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Delete(ctx, "s1", "c", "ghost"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	st, _ := s.Stats(ctx)
	if st.WALRecords != 0 || st.LastSeq != 0 {
		t.Errorf("expected no records written, got %d records, seq %d", st.WALRecords, st.LastSeq)
	}
}

func TestListKeysByCategory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustSet(t, s, "s1", "b", "2", "x")
	mustSet(t, s, "s1", "a", "9", "x")
	mustSet(t, s, "s1", "a", "1", "x")
	mustSet(t, s, "s2", "a", "5", "x")

	all, _ := s.ListKeys(ctx, "s1", "")
	want := []model.KeyRef{{Category: "a", Key: "1"}, {Category: "a", Key: "9"}, {Category: "b", Key: "2"}}
	if len(all) != len(want) {
		t.Fatalf("expected %d keys, got %v", len(want), all)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Errorf("key %d: expected %v, got %v", i, want[i], all[i])
		}
	}

	cat, _ := s.ListKeys(ctx, "s1", "a")
	if len(cat) != 2 {
		t.Errorf("expected 2 keys in category a, got %v", cat)
	}
}

func TestSessionIsolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustSet(t, s, "s1", "c", "k", "one")
	mustSet(t, s, "s2", "c", "k", "two")

	if v, _ := mustGet(t, s, "s1", "c", "k"); v != "one" {
		t.Errorf("s1: expected 'one', got %q", v)
	}
	if v, _ := mustGet(t, s, "s2", "c", "k"); v != "two" {
		t.Errorf("s2: expected 'two', got %q", v)
	}

	if err := s.ClearSession(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := mustGet(t, s, "s1", "c", "k"); ok {
		t.Error("expected s1 cleared")
	}
	if v, ok := mustGet(t, s, "s2", "c", "k"); !ok || v != "two" {
		t.Errorf("expected s2 untouched, got %q (ok=%v)", v, ok)
	}
}

func TestClearSessionIsOneWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 10; i++ {
		mustSet(t, s, "s1", "c", fmt.Sprintf("k%d", i), "v")
	}
	if err := s.ClearSession(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	st, _ := s.Stats(ctx)
	if st.LastSeq != 20 || st.LiveKeys != 0 {
		t.Errorf("expected 10 tombstones up to seq 20 and no live keys, got seq %d keys %d", st.LastSeq, st.LiveKeys)
	}
	sessions, _ := s.Sessions(ctx)
	if len(sessions) != 0 {
		t.Errorf("expected no sessions with live keys, got %v", sessions)
	}
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Set(ctx, "", "c", "k", nil); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("empty session: expected ErrInvalidSession, got %v", err)
	}
	if _, err := s.Set(ctx, "s\x00", "c", "k", nil); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("control char: expected ErrInvalidSession, got %v", err)
	}
	if _, err := s.Set(ctx, "s1", "", "k", nil); !errors.Is(err, ErrInvalidName) {
		t.Errorf("empty category: expected ErrInvalidName, got %v", err)
	}
	if _, _, err := s.Get(ctx, "s1", "c", ""); !errors.Is(err, ErrInvalidName) {
		t.Errorf("empty key: expected ErrInvalidName, got %v", err)
	}
}

func TestStrictSessionConflict(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir(), Options{Session: "mine", StrictSession: true, DisableAutoCompact: true})

	if _, err := s.Set(ctx, "mine", "c", "k", []byte("v")); err != nil {
		t.Fatalf("own session: %v", err)
	}

	_, err := s.Set(ctx, "theirs", "c", "k", []byte("v"))
	var conflict *SessionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected SessionConflictError, got %v", err)
	}
	if conflict.Opened != "mine" || conflict.Requested != "theirs" {
		t.Errorf("unexpected conflict: %+v", conflict)
	}
	if _, _, err := s.Get(ctx, "theirs", "c", "k"); !errors.As(err, &conflict) {
		t.Errorf("expected conflict on get, got %v", err)
	}
	if err := s.ClearSession(ctx, "theirs"); !errors.As(err, &conflict) {
		t.Errorf("expected conflict on clear, got %v", err)
	}
}

func TestGeneratedSession(t *testing.T) {
	s, err := Open(t.TempDir(), Options{DisableAutoCompact: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if len(s.Session()) != 26 {
		t.Errorf("expected a ULID session, got %q", s.Session())
	}
}

func TestCapacityErrors(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir(), Options{
		MaxValueBytes:      10,
		MaxStoreBytes:      40,
		DisableAutoCompact: true,
	})

	_, err := s.Set(ctx, "s1", "c", "big", []byte("0123456789x"))
	var capErr *CapacityError
	if !errors.As(err, &capErr) || capErr.What != "value" {
		t.Fatalf("expected value CapacityError, got %v", err)
	}

	// each entry: "s1"+"c"+"kN"+10 bytes = 15
	mustSet(t, s, "s1", "c", "k1", "0123456789")
	mustSet(t, s, "s1", "c", "k2", "0123456789")
	_, err = s.Set(ctx, "s1", "c", "k3", []byte("0123456789"))
	if !errors.As(err, &capErr) || capErr.What != "store" {
		t.Fatalf("expected store CapacityError, got %v", err)
	}

	// overwriting in place does not grow the store
	mustSet(t, s, "s1", "c", "k1", "9876543210")

	st, _ := s.Stats(ctx)
	if st.WALRecords != 3 {
		t.Errorf("expected rejected writes to leave the log alone, got %d records", st.WALRecords)
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{Session: "test", DisableAutoCompact: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustSet(t, s, "s1", "c", "a", "1")
	mustSet(t, s, "s1", "c", "b", "2")
	s.Delete(context.Background(), "s1", "c", "a")
	s.Close()

	s2 := openTestStore(t, dir, Options{DisableAutoCompact: true})
	if _, ok := mustGet(t, s2, "s1", "c", "a"); ok {
		t.Error("expected tombstone to survive reopen")
	}
	if v, _ := mustGet(t, s2, "s1", "c", "b"); v != "2" {
		t.Errorf("expected '2', got %q", v)
	}
	if seq := mustSet(t, s2, "s1", "c", "c", "3"); seq != 4 {
		t.Errorf("expected numbering to continue at 4, got %d", seq)
	}
}

func TestCrashAtEveryOffset(t *testing.T) {
	src := t.TempDir()
	s, err := Open(src, Options{Session: "test", DisableAutoCompact: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	const n = 8
	ends := make([]int64, n)
	for i := 0; i < n; i++ {
		mustSet(t, s, "s1", "c", fmt.Sprintf("k%d", i), fmt.Sprintf("value-%d", i))
		st, _ := s.Stats(context.Background())
		ends[i] = st.WALBytes
	}
	s.Close()

	data, err := os.ReadFile(filepath.Join(src, wal.FileName))
	if err != nil {
		t.Fatalf("read wal: %v", err)
	}

	for cut := 0; cut <= len(data); cut++ {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, wal.FileName), data[:cut], 0o644); err != nil {
			t.Fatalf("write wal: %v", err)
		}
		s, err := Open(dir, Options{Session: "test", DisableAutoCompact: true})
		if err != nil {
			t.Fatalf("cut %d: open: %v", cut, err)
		}

		committed := 0
		for i := 0; i < n; i++ {
			_, ok := mustGet(t, s, "s1", "c", fmt.Sprintf("k%d", i))
			want := ends[i] <= int64(cut)
			if ok != want {
				t.Fatalf("cut %d: key k%d present=%v, want %v", cut, i, ok, want)
			}
			if ok {
				committed++
			}
		}

		seq := mustSet(t, s, "s1", "c", "after", "x")
		if seq != uint64(committed)+1 {
			t.Fatalf("cut %d: expected seq %d after recovery, got %d", cut, committed+1, seq)
		}
		s.Close()
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir, Options{Session: "test", DisableAutoCompact: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustSet(t, s, "s1", "c", "a", "1")
	mustSet(t, s, "s1", "c", "b", "2")
	s.Delete(ctx, "s1", "c", "a")

	walPath := filepath.Join(dir, wal.FileName)
	stale, _ := os.ReadFile(walPath)

	if _, err := s.Compact(ctx); err != nil {
		t.Fatalf("compact: %v", err)
	}
	s.Close()

	// Crash between snapshot install and log reset: the old log is still
	// there, fully covered by the snapshot.
	if err := os.WriteFile(walPath, stale, 0o644); err != nil {
		t.Fatalf("restore wal: %v", err)
	}

	s2 := openTestStore(t, dir, Options{DisableAutoCompact: true})
	if _, ok := mustGet(t, s2, "s1", "c", "a"); ok {
		t.Error("expected a to stay deleted")
	}
	if v, _ := mustGet(t, s2, "s1", "c", "b"); v != "2" {
		t.Errorf("expected '2', got %q", v)
	}
	st, _ := s2.Stats(ctx)
	if st.LiveKeys != 1 || st.LastSeq != 3 {
		t.Errorf("expected 1 key at seq 3, got %d keys at seq %d", st.LiveKeys, st.LastSeq)
	}
	if seq := mustSet(t, s2, "s1", "c", "c", "3"); seq != 4 {
		t.Errorf("expected seq 4, got %d", seq)
	}
}

func TestConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const workers, perWorker = 8, 50
	seqs := make(chan uint64, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seq, err := s.Set(ctx, "s1", fmt.Sprintf("w%d", w), fmt.Sprintf("k%d", i), []byte("v"))
				if err != nil {
					t.Errorf("set: %v", err)
					return
				}
				seqs <- seq
				s.Get(ctx, "s1", fmt.Sprintf("w%d", w), fmt.Sprintf("k%d", i))
			}
		}(w)
	}
	wg.Wait()
	close(seqs)

	seen := map[uint64]bool{}
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("duplicate seq %d", seq)
		}
		seen[seq] = true
	}
	if len(seen) != workers*perWorker {
		t.Errorf("expected %d seqs, got %d", workers*perWorker, len(seen))
	}
	for seq := uint64(1); seq <= workers*perWorker; seq++ {
		if !seen[seq] {
			t.Errorf("missing seq %d", seq)
		}
	}

	keys, _ := s.ListKeys(ctx, "s1", "")
	if len(keys) != workers*perWorker {
		t.Errorf("expected %d keys, got %d", workers*perWorker, len(keys))
	}
}

func TestTwoHandlesShareDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := openTestStore(t, dir, Options{DisableAutoCompact: true})
	b := openTestStore(t, dir, Options{DisableAutoCompact: true})

	if seq := mustSet(t, a, "s1", "c", "from-a", "1"); seq != 1 {
		t.Errorf("expected seq 1, got %d", seq)
	}
	if seq := mustSet(t, b, "s1", "c", "from-b", "2"); seq != 2 {
		t.Errorf("expected b to continue at seq 2, got %d", seq)
	}
	if v, ok := mustGet(t, a, "s1", "c", "from-b"); !ok || v != "2" {
		t.Errorf("expected a to see b's write, got %q (ok=%v)", v, ok)
	}

	var wg sync.WaitGroup
	const perHandle = 40
	for h, s := range []*LogStore{a, b} {
		wg.Add(1)
		go func(h int, s *LogStore) {
			defer wg.Done()
			for i := 0; i < perHandle; i++ {
				if _, err := s.Set(ctx, "s1", "race", fmt.Sprintf("h%d-%d", h, i), []byte("v")); err != nil {
					t.Errorf("handle %d set: %v", h, err)
					return
				}
			}
		}(h, s)
	}
	wg.Wait()

	for _, s := range []*LogStore{a, b} {
		keys, err := s.ListKeys(ctx, "s1", "race")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(keys) != 2*perHandle {
			t.Errorf("expected %d keys from both handles, got %d", 2*perHandle, len(keys))
		}
	}

	c := openTestStore(t, dir, Options{DisableAutoCompact: true})
	if seq := mustSet(t, c, "s1", "c", "last", "x"); seq != 2*perHandle+3 {
		t.Errorf("expected seq %d, got %d", 2*perHandle+3, seq)
	}
}

func TestCompactionVisibleToOtherHandle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := openTestStore(t, dir, Options{DisableAutoCompact: true})
	b := openTestStore(t, dir, Options{DisableAutoCompact: true})

	for i := 0; i < 20; i++ {
		mustSet(t, a, "s1", "c", fmt.Sprintf("k%d", i%5), fmt.Sprintf("v%d", i))
	}
	mustGet(t, b, "s1", "c", "k0")

	if _, err := a.Compact(ctx); err != nil {
		t.Fatalf("compact: %v", err)
	}
	mustSet(t, a, "s1", "c", "post", "p")

	if v, _ := mustGet(t, b, "s1", "c", "k4"); v != "v19" {
		t.Errorf("expected b to reload after compaction, got %q", v)
	}
	if v, _ := mustGet(t, b, "s1", "c", "post"); v != "p" {
		t.Errorf("expected b to see post-compaction write, got %q", v)
	}
	if seq := mustSet(t, b, "s1", "c", "from-b", "x"); seq != 22 {
		t.Errorf("expected seq 22, got %d", seq)
	}
}

func TestCompactAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir, Options{Session: "test", DisableAutoCompact: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 100; i++ {
		mustSet(t, s, "s1", "c", fmt.Sprintf("k%d", i%10), fmt.Sprintf("v%d", i))
	}
	s.Delete(ctx, "s1", "c", "k0")

	hdr, err := s.Compact(ctx)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if hdr.Watermark != 101 || hdr.RecordCount != 9 {
		t.Errorf("expected 9 records at watermark 101, got %+v", hdr)
	}
	st, _ := s.Stats(ctx)
	if st.WALBytes != 0 || st.WALRecords != 0 || st.Compactions != 1 {
		t.Errorf("expected empty log after compaction, got %+v", st)
	}
	s.Close()

	s2 := openTestStore(t, dir, Options{DisableAutoCompact: true})
	if _, ok := mustGet(t, s2, "s1", "c", "k0"); ok {
		t.Error("expected k0 to stay deleted")
	}
	if v, _ := mustGet(t, s2, "s1", "c", "k9"); v != "v99" {
		t.Errorf("expected 'v99', got %q", v)
	}
	if seq := mustSet(t, s2, "s1", "c", "new", "x"); seq != 102 {
		t.Errorf("expected seq 102, got %d", seq)
	}
}

func TestAutoCompaction(t *testing.T) {
	s := openTestStore(t, t.TempDir(), Options{CompactRecords: 10, CompactBytes: -1})

	for i := 0; i < 30; i++ {
		mustSet(t, s, "s1", "c", fmt.Sprintf("k%d", i%3), fmt.Sprintf("v%d", i))
	}

	waitForStats(t, s, func(st *Stats) bool { return st.Compactions > 0 })

	if v, _ := mustGet(t, s, "s1", "c", "k2"); v != "v29" {
		t.Errorf("expected 'v29', got %q", v)
	}
}

func TestWriteCostIndependentOfSize(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir(), Options{Sync: SyncBatch, DisableAutoCompact: true})

	appended := func() int64 {
		before, _ := s.Stats(ctx)
		mustSet(t, s, "s1", "c", "sample", "0123456789")
		after, _ := s.Stats(ctx)
		return after.WALBytes - before.WALBytes
	}

	want := int64(codec.EncodedSize(model.Record{
		Identity: model.Identity{SessionID: "s1", Category: "c", Key: "sample"},
		Op:       model.OpSet,
		Value:    []byte("0123456789"),
	}))

	if got := appended(); got != want {
		t.Errorf("empty store: expected %d bytes appended, got %d", want, got)
	}
	for i := 0; i < 5000; i++ {
		mustSet(t, s, "s1", "fill", fmt.Sprintf("k%d", i), "v")
	}
	if got := appended(); got != want {
		t.Errorf("5000 entries: expected %d bytes appended, got %d", want, got)
	}
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir(), Options{Session: "test"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.Set(ctx, "s1", "c", "k", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("set: expected ErrClosed, got %v", err)
	}
	if _, _, err := s.Get(ctx, "s1", "c", "k"); !errors.Is(err, ErrClosed) {
		t.Errorf("get: expected ErrClosed, got %v", err)
	}
	if _, err := s.Compact(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("compact: expected ErrClosed, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestIOErrorOnReadOnlyDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	dir := filepath.Join(t.TempDir(), "ro")
	if err := os.Mkdir(dir, 0o555); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	_, err := Open(dir, Options{Session: "test"})
	var ioe *IOError
	if !errors.As(err, &ioe) {
		t.Fatalf("expected IOError, got %v", err)
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Errorf("expected permission error underneath, got %v", err)
	}
}

func TestCorruptLengthMidLogKeepsLaterRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{Session: "test", DisableAutoCompact: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, k := range []string{"a", "b", "c", "d"} {
		mustSet(t, s, "s1", "c", k, "value-"+k)
	}
	s.Close()

	walPath := filepath.Join(dir, wal.FileName)
	data, _ := os.ReadFile(walPath)
	offs := frameOffsets(data)
	if len(offs) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(offs))
	}
	n := binary.LittleEndian.Uint32(data[offs[1]:])
	binary.LittleEndian.PutUint32(data[offs[1]:], n^0x01000000)
	if err := os.WriteFile(walPath, data, 0o644); err != nil {
		t.Fatalf("write wal: %v", err)
	}

	s2 := openTestStore(t, dir, Options{DisableAutoCompact: true})
	for _, k := range []string{"a", "c", "d"} {
		if v, ok := mustGet(t, s2, "s1", "c", k); !ok || v != "value-"+k {
			t.Errorf("expected %s to survive, got %q (ok=%v)", k, v, ok)
		}
	}
	if _, ok := mustGet(t, s2, "s1", "c", "b"); ok {
		t.Error("expected the damaged record to be skipped")
	}
	info, _ := os.Stat(walPath)
	if info.Size() != int64(len(data)) {
		t.Errorf("expected the log kept at %d bytes, got %d", len(data), info.Size())
	}
	if _, err := os.Stat(filepath.Join(dir, wal.TornName)); !os.IsNotExist(err) {
		t.Error("expected nothing moved aside as a torn tail")
	}
	if seq := mustSet(t, s2, "s1", "c", "e", "value-e"); seq != 5 {
		t.Errorf("expected seq 5, got %d", seq)
	}
}

func TestWriteFailureKeepsStoreReadable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustSet(t, s, "s1", "c", "a", "1")

	// Appends now fail the way a dead descriptor would.
	s.wal.Close()

	_, err := s.Set(ctx, "s1", "c", "b", []byte("2"))
	var ioe *IOError
	if !errors.As(err, &ioe) {
		t.Fatalf("expected IOError, got %v", err)
	}
	if err := s.Delete(ctx, "s1", "c", "a"); !errors.As(err, &ioe) {
		t.Errorf("expected IOError from delete, got %v", err)
	}

	if v, ok := mustGet(t, s, "s1", "c", "a"); !ok || v != "1" {
		t.Errorf("expected reads to keep working, got %q (ok=%v)", v, ok)
	}
	if _, ok := mustGet(t, s, "s1", "c", "b"); ok {
		t.Error("expected the failed write to leave no trace in the index")
	}
	keys, err := s.ListKeys(ctx, "s1", "")
	if err != nil || len(keys) != 1 {
		t.Errorf("expected one key listed, got %v / %v", keys, err)
	}
}

func TestCompactionFailureLeavesStoreUsable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, dir, Options{DisableAutoCompact: true})
	mustSet(t, s, "s1", "c", "a", "1")
	mustSet(t, s, "s1", "c", "b", "2")

	blocker := filepath.Join(dir, snapshot.TmpName)
	if err := os.MkdirAll(filepath.Join(blocker, "keep"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	walPath := filepath.Join(dir, wal.FileName)
	before, _ := os.ReadFile(walPath)

	_, err := s.Compact(ctx)
	var ioe *IOError
	if !errors.As(err, &ioe) {
		t.Fatalf("expected IOError, got %v", err)
	}
	after, _ := os.ReadFile(walPath)
	if !bytes.Equal(before, after) {
		t.Error("expected the log untouched by a failed compaction")
	}
	if _, err := os.Stat(filepath.Join(dir, snapshot.FileName)); !os.IsNotExist(err) {
		t.Error("expected no snapshot installed")
	}

	mustSet(t, s, "s1", "c", "c", "3")
	if v, _ := mustGet(t, s, "s1", "c", "a"); v != "1" {
		t.Errorf("expected '1', got %q", v)
	}

	os.RemoveAll(blocker)
	hdr, err := s.Compact(ctx)
	if err != nil {
		t.Fatalf("compact after clearing the obstacle: %v", err)
	}
	if hdr.RecordCount != 3 || hdr.Watermark != 3 {
		t.Errorf("expected 3 records at watermark 3, got %+v", hdr)
	}
}

func TestAutoCompactionRetriesAfterFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, snapshot.TmpName)
	if err := os.MkdirAll(filepath.Join(blocker, "keep"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	s := openTestStore(t, dir, Options{CompactRecords: 5, CompactBytes: -1})

	for i := 0; i < 5; i++ {
		mustSet(t, s, "s1", "c", fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}
	st := waitForStats(t, s, func(st *Stats) bool { return st.CompactFailures > 0 })
	if st.Compactions != 0 || st.LastCompactError == "" || st.WALRecords != 5 {
		t.Errorf("expected a recorded failure and the log intact, got %+v", st)
	}

	os.RemoveAll(blocker)
	mustSet(t, s, "s1", "c", "k5", "v5")
	st = waitForStats(t, s, func(st *Stats) bool { return st.Compactions > 0 })
	if st.SnapshotWatermark != 6 || st.WALRecords != 0 {
		t.Errorf("expected the retry to fold in all six records, got %+v", st)
	}
	for i := 0; i < 6; i++ {
		if v, _ := mustGet(t, s, "s1", "c", fmt.Sprintf("k%d", i)); v != fmt.Sprintf("v%d", i) {
			t.Errorf("k%d: expected v%d, got %q", i, i, v)
		}
	}
}

func TestWritesDuringCompactionSurvive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := openTestStore(t, dir, Options{DisableAutoCompact: true})
	b := openTestStore(t, dir, Options{DisableAutoCompact: true})

	for i := 0; i < 200; i++ {
		mustSet(t, a, "s1", "base", fmt.Sprintf("k%d", i), "v")
	}

	const n = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			if _, err := b.Set(ctx, "s1", "live", fmt.Sprintf("k%d", i), []byte(fmt.Sprint(i))); err != nil {
				t.Errorf("set k%d: %v", i, err)
				return
			}
		}
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		if _, err := a.Compact(ctx); err != nil {
			t.Fatalf("compact: %v", err)
		}
	}

	c := openTestStore(t, dir, Options{DisableAutoCompact: true})
	keys, err := c.ListKeys(ctx, "s1", "live")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != n {
		t.Fatalf("expected %d keys written during compaction, got %d", n, len(keys))
	}
	if v, _ := mustGet(t, c, "s1", "live", "k199"); v != "199" {
		t.Errorf("expected '199', got %q", v)
	}
	if seq := mustSet(t, c, "s1", "c", "last", "x"); seq != 200+n+1 {
		t.Errorf("expected seq %d, got %d", 200+n+1, seq)
	}
}

func TestOversizedRecordIsCapacityError(t *testing.T) {
	ctx := context.Background()
	value := make([]byte, codec.MaxFrameSize)

	for _, limit := range []int64{-1, 2 * codec.MaxFrameSize} {
		s := openTestStore(t, t.TempDir(), Options{
			MaxValueBytes:      limit,
			MaxStoreBytes:      -1,
			DisableAutoCompact: true,
		})

		_, err := s.Set(ctx, "s1", "c", "big", value)
		var capErr *CapacityError
		if !errors.As(err, &capErr) || capErr.What != "record" {
			t.Fatalf("limit %d: expected record CapacityError, got %v", limit, err)
		}
		var ioe *IOError
		if errors.As(err, &ioe) {
			t.Errorf("limit %d: expected no IOError, got %v", limit, err)
		}

		_, err = s.Import(ctx, []model.Entry{{SessionID: "s1", Category: "c", Key: "big", Value: value}})
		if !errors.As(err, &capErr) {
			t.Errorf("limit %d: expected import CapacityError, got %v", limit, err)
		}
		st, _ := s.Stats(ctx)
		if st.WALRecords != 0 {
			t.Errorf("limit %d: expected nothing written, got %d records", limit, st.WALRecords)
		}
	}
}

func TestLockTimeout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := openTestStore(t, dir, Options{DisableAutoCompact: true})
	b := openTestStore(t, dir, Options{LockTimeout: 20 * time.Millisecond, DisableAutoCompact: true})

	g, err := a.locks.AcquireWriter(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer g.Release()

	if _, err := b.Set(ctx, "s1", "c", "k", []byte("v")); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("expected ErrLockTimeout, got %v", err)
	}
}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir(), Options{Session: "agent-1", DisableAutoCompact: true})
	h := s.Bind()

	if h.Session() != "agent-1" {
		t.Errorf("expected bound session agent-1, got %q", h.Session())
	}
	if _, err := h.Set(ctx, "c", "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, _ := mustGet(t, s, "agent-1", "c", "k"); v != "v" {
		t.Errorf("expected handle write under its session, got %q", v)
	}
	keys, _ := h.ListKeys(ctx, "")
	if len(keys) != 1 {
		t.Errorf("expected 1 key, got %v", keys)
	}
	if err := h.Delete(ctx, "c", "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := h.Get(ctx, "c", "k"); ok {
		t.Error("expected key deleted")
	}
	mustSet(t, s, "agent-1", "c", "x", "1")
	if err := h.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if keys, _ := h.ListKeys(ctx, ""); len(keys) != 0 {
		t.Errorf("expected cleared session, got %v", keys)
	}
}

func BenchmarkSet(b *testing.B) {
	for _, n := range []int{100, 1000, 10000} {
		b.Run(fmt.Sprintf("entries=%d", n), func(b *testing.B) {
			ctx := context.Background()
			s, err := Open(b.TempDir(), Options{Session: "bench", Sync: SyncBatch, DisableAutoCompact: true})
			if err != nil {
				b.Fatalf("open: %v", err)
			}
			defer s.Close()
			for i := 0; i < n; i++ {
				s.Set(ctx, "bench", "fill", fmt.Sprintf("k%d", i), []byte("value"))
			}
			val := []byte("benchmark-value")
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := s.Set(ctx, "bench", "hot", fmt.Sprintf("k%d", i%n), val); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkGet(b *testing.B) {
	for _, n := range []int{100, 1000, 10000} {
		b.Run(fmt.Sprintf("entries=%d", n), func(b *testing.B) {
			ctx := context.Background()
			s, err := Open(b.TempDir(), Options{Session: "bench", Sync: SyncBatch, DisableAutoCompact: true})
			if err != nil {
				b.Fatalf("open: %v", err)
			}
			defer s.Close()
			for i := 0; i < n; i++ {
				s.Set(ctx, "bench", "fill", fmt.Sprintf("k%d", i), []byte("value"))
			}
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, ok, err := s.Get(ctx, "bench", "fill", fmt.Sprintf("k%d", i%n)); err != nil || !ok {
					b.Fatalf("get: %v %v", ok, err)
				}
			}
		})
	}
}
