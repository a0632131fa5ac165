// Package index holds the in-memory view of live values, rebuilt from the
// snapshot and the WAL tail at startup.
package index

import (
	"sort"
	"sync"
	"time"

	"github.com/rcliao/agent-memstore/internal/model"
)

// Entry is the latest live value for an identity.
type Entry struct {
	Seq       uint64
	Offset    int64 // WAL offset of the record; -1 when loaded from a snapshot
	Timestamp time.Time
	Value     []byte
}

type keyspace map[string]map[string]Entry // category → key → entry

// Index maps (session, category, key) to the latest live entry.
//
// Records must be applied in sequence order. Apply ignores any record at or
// below the watermark, which makes replaying an overlapping WAL harmless.
type Index struct {
	mu        sync.RWMutex
	sessions  map[string]keyspace
	watermark uint64
	keys      int
	bytes     int64
}

// New returns an empty index.
func New() *Index {
	return &Index{sessions: make(map[string]keyspace)}
}

// Apply folds rec into the index. It returns false when rec was already
// covered by the watermark.
func (ix *Index) Apply(rec model.Record, offset int64) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.applyLocked(rec, offset)
}

// ApplyBatch folds a run of records appended together.
func (ix *Index) ApplyBatch(recs []model.Record, offsets []int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i, rec := range recs {
		ix.applyLocked(rec, offsets[i])
	}
}

func (ix *Index) applyLocked(rec model.Record, offset int64) bool {
	if rec.Seq <= ix.watermark {
		return false
	}
	ix.watermark = rec.Seq

	switch rec.Op {
	case model.OpSet:
		ks := ix.sessions[rec.SessionID]
		if ks == nil {
			ks = make(keyspace)
			ix.sessions[rec.SessionID] = ks
		}
		cat := ks[rec.Category]
		if cat == nil {
			cat = make(map[string]Entry)
			ks[rec.Category] = cat
		}
		if old, ok := cat[rec.Key]; ok {
			ix.bytes -= entrySize(rec.Identity, old.Value)
		} else {
			ix.keys++
		}
		cat[rec.Key] = Entry{Seq: rec.Seq, Offset: offset, Timestamp: rec.Timestamp, Value: rec.Value}
		ix.bytes += entrySize(rec.Identity, rec.Value)

	case model.OpDelete:
		ks := ix.sessions[rec.SessionID]
		cat := ks[rec.Category]
		old, ok := cat[rec.Key]
		if !ok {
			return true
		}
		ix.bytes -= entrySize(rec.Identity, old.Value)
		ix.keys--
		delete(cat, rec.Key)
		if len(cat) == 0 {
			delete(ks, rec.Category)
		}
		if len(ks) == 0 {
			delete(ix.sessions, rec.SessionID)
		}
	}
	return true
}

// Get returns the live value for id.
func (ix *Index) Get(id model.Identity) ([]byte, bool) {
	e, ok := ix.Lookup(id)
	return e.Value, ok
}

// Lookup returns the full entry for id.
func (ix *Index) Lookup(id model.Identity) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.sessions[id.SessionID][id.Category][id.Key]
	return e, ok
}

// ListKeys returns the live keys of a session, sorted by category then key.
// An empty category lists every category.
func (ix *Index) ListKeys(sessionID, category string) []model.KeyRef {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ks := ix.sessions[sessionID]
	refs := []model.KeyRef{}
	if category != "" {
		for k := range ks[category] {
			refs = append(refs, model.KeyRef{Category: category, Key: k})
		}
	} else {
		for c, keys := range ks {
			for k := range keys {
				refs = append(refs, model.KeyRef{Category: c, Key: k})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Category != refs[j].Category {
			return refs[i].Category < refs[j].Category
		}
		return refs[i].Key < refs[j].Key
	})
	return refs
}

// Sessions returns the sessions that currently hold live keys, sorted.
func (ix *Index) Sessions() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.sessions))
	for s := range ix.sessions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SessionKeys returns the number of live keys in a session.
func (ix *Index) SessionKeys(sessionID string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, keys := range ix.sessions[sessionID] {
		n += len(keys)
	}
	return n
}

// Watermark returns the highest sequence number applied.
func (ix *Index) Watermark() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.watermark
}

// SetWatermark raises the watermark without applying a record, e.g. after
// loading a snapshot whose last records were tombstones.
func (ix *Index) SetWatermark(seq uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if seq > ix.watermark {
		ix.watermark = seq
	}
}

// Len returns the number of live keys.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.keys
}

// Bytes returns the total size of live identities and values.
func (ix *Index) Bytes() int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.bytes
}

// Each calls fn for every live entry of every session, under the read lock.
// Used for snapshots and exports; fn must not call back into the index.
func (ix *Index) Each(fn func(id model.Identity, e Entry)) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for s, ks := range ix.sessions {
		for c, keys := range ks {
			for k, e := range keys {
				fn(model.Identity{SessionID: s, Category: c, Key: k}, e)
			}
		}
	}
}

// Copy returns a point-in-time copy of every live entry as Set records,
// ordered by sequence number, together with the watermark they reflect.
func (ix *Index) Copy() ([]model.Record, uint64) {
	ix.mu.RLock()
	recs := make([]model.Record, 0, ix.keys)
	for s, ks := range ix.sessions {
		for c, keys := range ks {
			for k, e := range keys {
				recs = append(recs, model.Record{
					Identity: model.Identity{SessionID: s, Category: c, Key: k},
					Op:        model.OpSet,
					Seq:       e.Seq,
					Timestamp: e.Timestamp,
					Value:     e.Value,
				})
			}
		}
	}
	wm := ix.watermark
	ix.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	return recs, wm
}

func entrySize(id model.Identity, value []byte) int64 {
	return int64(len(id.SessionID) + len(id.Category) + len(id.Key) + len(value))
}
