package store

import (
	"bytes"
	"context"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// ContextParams holds parameters for context assembly.
type ContextParams struct {
	Session  string
	Category string
	Query    string // case-insensitive substring of key or value; empty matches all
	Budget   int    // max tokens in output (rough: 1 token ≈ 4 chars)
}

// ContextEntry is a scored value for context output.
type ContextEntry struct {
	Category string  `json:"category"`
	Key      string  `json:"key"`
	Value    string  `json:"value"`
	Score    float64 `json:"score"`
	Excerpt  bool    `json:"excerpt,omitempty"`
}

// ContextResult is the assembled context response.
type ContextResult struct {
	Session string         `json:"session"`
	Budget  int            `json:"budget"`
	Used    int            `json:"used"`
	Entries []ContextEntry `json:"entries"`
}

// Context packs a session's most relevant text values into a token budget,
// newest and best-matching first. Values that are not valid UTF-8 are
// skipped.
func (s *LogStore) Context(ctx context.Context, p ContextParams) (*ContextResult, error) {
	budget := p.Budget
	if budget <= 0 {
		budget = 4000
	}
	charBudget := budget * 4

	entries, err := s.Export(ctx, p.Session)
	if err != nil {
		return nil, err
	}

	query := strings.ToLower(p.Query)
	now := time.Now()
	var newest uint64
	for _, e := range entries {
		newest = max(newest, e.Seq)
	}

	type scored struct {
		category, key, value string
		score                float64
	}
	var candidates []scored
	for _, e := range entries {
		if p.Category != "" && e.Category != p.Category {
			continue
		}
		if !utf8.Valid(e.Value) {
			continue
		}
		relevance := 0.5
		if query != "" {
			inKey := strings.Contains(strings.ToLower(e.Key), query)
			inValue := bytes.Contains(bytes.ToLower(e.Value), []byte(query))
			if !inKey && !inValue {
				continue
			}
			if inKey {
				relevance = 1
			}
		}

		// Recency by age with a 7-day half-life, plus position in the log so
		// values written in the same instant still order.
		recency := 1.0
		if !e.UpdatedAt.IsZero() {
			recency = math.Exp(-math.Ln2 * now.Sub(e.UpdatedAt).Hours() / (24 * 7))
		}
		position := 1.0
		if newest > 0 {
			position = float64(e.Seq) / float64(newest)
		}

		score := relevance*0.5 + recency*0.3 + position*0.2
		candidates = append(candidates, scored{e.Category, e.Key, string(e.Value), score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	result := &ContextResult{Session: p.Session, Budget: budget, Entries: []ContextEntry{}}
	used := 0
	for _, c := range candidates {
		if used+len(c.value) <= charBudget {
			result.Entries = append(result.Entries, ContextEntry{
				Category: c.category,
				Key:      c.key,
				Value:    c.value,
				Score:    math.Round(c.score*100) / 100,
			})
			used += len(c.value)
			continue
		}
		if remaining := charBudget - used; remaining >= 100 {
			result.Entries = append(result.Entries, ContextEntry{
				Category: c.category,
				Key:      c.key,
				Value:    truncateUTF8(c.value, remaining) + "...",
				Score:    math.Round(c.score*100) / 100,
				Excerpt:  true,
			})
			used += remaining
		}
		break
	}

	result.Used = used / 4
	return result, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
