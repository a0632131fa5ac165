package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/rcliao/agent-memstore/internal/index"
	"github.com/rcliao/agent-memstore/internal/model"
)

// Export returns the live entries of one session, sorted by category and key.
// A strict handle may only export its own session.
func (s *LogStore) Export(ctx context.Context, sessionID string) ([]model.Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.sessions.Check(sessionID); err != nil {
		return nil, err
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}

	entries := []model.Entry{}
	s.index().Each(func(id model.Identity, e index.Entry) {
		if id.SessionID != sessionID {
			return
		}
		entries = append(entries, model.Entry{
			SessionID: id.SessionID,
			Category:  id.Category,
			Key:       id.Key,
			Value:     append([]byte{}, e.Value...),
			Seq:       e.Seq,
			UpdatedAt: e.Timestamp,
		})
	})
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Key < b.Key
	})
	return entries, nil
}

// Import stores entries from an export in a single write: either all of them
// are committed, under fresh sequence numbers, or none are. Exported
// sequence numbers are ignored.
func (s *LogStore) Import(ctx context.Context, entries []model.Entry) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	recs := make([]model.Record, 0, len(entries))
	var added int64
	for i, e := range entries {
		if err := s.checkIdentity(e.SessionID, e.Category, e.Key); err != nil {
			return 0, fmt.Errorf("entry %d: %w", i, err)
		}
		id := model.Identity{SessionID: e.SessionID, Category: e.Category, Key: e.Key}
		if err := s.checkValue(id, e.Value); err != nil {
			return 0, fmt.Errorf("entry %d: %w", i, err)
		}
		recs = append(recs, model.Record{
			Identity:  id,
			Op:        model.OpSet,
			Timestamp: e.UpdatedAt,
			Value:     append([]byte(nil), e.Value...),
		})
		added += entrySize(id, e.Value)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	_, err := s.commit(ctx, func(ix *index.Index) ([]model.Record, error) {
		if limit := s.opts.MaxStoreBytes; limit > 0 {
			total := ix.Bytes() + added
			seen := make(map[model.Identity]bool, len(recs))
			for _, r := range recs {
				if seen[r.Identity] {
					continue
				}
				seen[r.Identity] = true
				if old, ok := ix.Get(r.Identity); ok {
					total -= entrySize(r.Identity, old)
				}
			}
			if total > limit {
				return nil, &CapacityError{What: "store", Size: total, Limit: limit}
			}
		}
		return recs, nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("imported entries", "count", len(recs))
	return len(recs), nil
}
