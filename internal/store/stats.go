package store

import (
	"context"
	"sort"
	"time"
)

// Stats holds store statistics.
type Stats struct {
	Dir               string         `json:"dir"`
	Session           string         `json:"session"`
	LastSeq           uint64         `json:"last_seq"`
	LiveKeys          int            `json:"live_keys"`
	LiveBytes         int64          `json:"live_bytes"`
	WALPath           string         `json:"wal_path"`
	WALBytes          int64          `json:"wal_bytes"`
	WALRecords        int64          `json:"wal_records"`
	SnapshotBytes     int64          `json:"snapshot_bytes"`
	SnapshotWatermark uint64         `json:"snapshot_watermark"`
	SnapshotAt        *time.Time     `json:"snapshot_at,omitempty"`
	Compactions       int64          `json:"compactions"`
	CompactFailures   int64          `json:"compact_failures"`
	LastCompactError  string         `json:"last_compact_error,omitempty"`
	Sessions          []SessionStats `json:"sessions"`
}

// SessionStats holds per-session counts.
type SessionStats struct {
	Session string `json:"session"`
	Keys    int    `json:"keys"`
}

// Stats returns store statistics, caught up with other handles.
func (s *LogStore) Stats(ctx context.Context) (*Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}

	ix := s.index()
	st := &Stats{
		Dir:             s.dir,
		Session:         s.sessions.ID(),
		LastSeq:         ix.Watermark(),
		LiveKeys:        ix.Len(),
		LiveBytes:       ix.Bytes(),
		WALPath:         s.wal.Path(),
		WALBytes:        s.wal.Size(),
		WALRecords:      s.wal.Records(),
		Compactions:     s.compactions.Load(),
		CompactFailures: s.compactFailures.Load(),
		Sessions:        []SessionStats{},
	}
	if hdr := s.snap.Load(); hdr != nil {
		st.SnapshotBytes = hdr.Size
		st.SnapshotWatermark = hdr.Watermark
		at := hdr.CreatedAt
		st.SnapshotAt = &at
	}
	if msg := s.lastCompactErr.Load(); msg != nil {
		st.LastCompactError = *msg
	}

	for _, id := range ix.Sessions() {
		st.Sessions = append(st.Sessions, SessionStats{Session: id, Keys: ix.SessionKeys(id)})
	}
	sort.SliceStable(st.Sessions, func(i, j int) bool { return st.Sessions[i].Keys > st.Sessions[j].Keys })

	return st, nil
}
