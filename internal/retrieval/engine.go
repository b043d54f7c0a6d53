// Package retrieval implements the Retrieval Engine: it resolves a query
// to a ranked list of records with a match-type annotation, using the
// Inverted Index for the first two passes and a full content scan for the
// third. Adapted from the composite-score sort.Slice ranking pattern this
// module is grounded on, replacing vector-similarity scoring with the
// spec's fixed keyword-match score table.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abyssac/cogmem/internal/index"
	"github.com/abyssac/cogmem/internal/record"
)

// MatchType labels which pass produced a Hit.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchFuzzy    MatchType = "fuzzy"
	MatchContent  MatchType = "content"
	MatchTag      MatchType = "tag"
)

const (
	scoreExact   = 1.0
	scoreFuzzy   = 0.7
	scoreContent = 0.5
	scoreTag     = 0.3
)

// DefaultLimit bounds the number of hits returned when the caller does not
// specify one.
const DefaultLimit = 20

// touchTopN is how many top-ranked hits get access_count/last_accessed
// side effects, per §4.4.
const touchTopN = 5

// recentSearchesCap bounds the ring buffer length.
const recentSearchesCap = 20

// Hit is one ranked result.
type Hit struct {
	Record    *record.Record
	MatchType MatchType
	Score     float64
}

// Query narrows a retrieval call.
type Query struct {
	Text     string
	Tier     *record.Tier
	Category string
	Limit    int
}

// RecordSource is the subset of the Record Store the engine needs: an
// iteration source for the full-scan pass and a metadata-touch hook for
// the top-N side effect.
type RecordSource interface {
	Iter(ctx context.Context, filter record.Filter) ([]*record.Record, error)
	Read(ctx context.Context, id string) (*record.Record, error)
	Touch(ctx context.Context, id string) error
}

// Engine is the Retrieval Engine.
type Engine struct {
	mu sync.Mutex

	records RecordSource
	idx     *index.Index
	now     func() time.Time
	logger  *zap.Logger

	recentSearches []string
	hotTopics      map[string]int
}

// New constructs an Engine over records and idx.
func New(records RecordSource, idx *index.Index, now func() time.Time, logger *zap.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		records:   records,
		idx:       idx,
		now:       now,
		logger:    logger.With(zap.String("component", "retrieval_engine")),
		hotTopics: make(map[string]int),
	}
}

// Retrieve runs the ordered match passes, ranks, applies side effects, and
// returns up to q.Limit hits. An empty result is not an error.
func (e *Engine) Retrieve(ctx context.Context, q Query) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	e.recordSearch(q.Text)

	seen := make(map[string]struct{})
	var hits []Hit

	appendHit := func(id string, mt MatchType, score float64) {
		if _, ok := seen[id]; ok {
			return
		}
		rec, err := e.records.Read(ctx, id)
		if err != nil {
			return
		}
		if !matchesFilter(rec, q) {
			return
		}
		seen[id] = struct{}{}
		hits = append(hits, Hit{Record: rec, MatchType: mt, Score: score})
	}

	if q.Text != "" {
		lookup := e.idx.Lookup(q.Text)
		for _, id := range lookup.Exact {
			appendHit(id, MatchExact, scoreExact)
		}
		if len(hits) < limit {
			for _, id := range lookup.Fuzzy {
				appendHit(id, MatchFuzzy, scoreFuzzy)
			}
		}
		if len(hits) < limit {
			e.fullScan(ctx, q, appendHit)
		}
	} else {
		e.fullScan(ctx, q, appendHit)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		pa, pb := a.Record.Tier.PriorityWeight(), b.Record.Tier.PriorityWeight()
		if pa != pb {
			return pa > pb
		}
		la, lb := accessedOrZero(a.Record), accessedOrZero(b.Record)
		if !la.Equal(lb) {
			return la.After(lb)
		}
		return a.Record.CreatedAt.After(b.Record.CreatedAt)
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}

	e.touchTop(ctx, hits)
	return hits, nil
}

// fullScan performs the case-insensitive content/tag substring pass.
// records.Iter returns metadata-only clones (Content is never persisted in
// the snapshot, only in the per-record content file), so each candidate's
// content is rehydrated via Read before the substring check.
func (e *Engine) fullScan(ctx context.Context, q Query, appendHit func(id string, mt MatchType, score float64)) {
	recs, err := e.records.Iter(ctx, record.Filter{})
	if err != nil {
		return
	}
	needle := strings.ToLower(q.Text)
	if needle == "" {
		return
	}
	for _, rec := range recs {
		full, err := e.records.Read(ctx, rec.ID)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(full.Content), needle) {
			appendHit(rec.ID, MatchContent, scoreContent)
			continue
		}
		for _, tag := range rec.Tags {
			if strings.Contains(strings.ToLower(tag), needle) {
				appendHit(rec.ID, MatchTag, scoreTag)
				break
			}
		}
	}
}

func matchesFilter(rec *record.Record, q Query) bool {
	if q.Tier != nil && rec.Tier != *q.Tier {
		return false
	}
	if q.Category != "" && rec.Category != q.Category {
		return false
	}
	return true
}

func accessedOrZero(rec *record.Record) time.Time {
	if rec.LastAccessedAt != nil {
		return *rec.LastAccessedAt
	}
	return time.Time{}
}

// touchTop stamps access_count/last_accessed_at on the top touchTopN hits.
func (e *Engine) touchTop(ctx context.Context, hits []Hit) {
	n := touchTopN
	if n > len(hits) {
		n = len(hits)
	}
	now := e.now()
	for i := 0; i < n; i++ {
		rec := hits[i].Record
		if err := e.records.Touch(ctx, rec.ID); err != nil {
			continue
		}
		rec.AccessCount++
		rec.LastAccessedAt = &now
	}
}

// recordSearch appends query to the recent-searches ring buffer and bumps
// the hot-topic counter, held under the engine's own lease per §5.
func (e *Engine) recordSearch(query string) {
	if query == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.recentSearches = append(e.recentSearches, query)
	if len(e.recentSearches) > recentSearchesCap {
		e.recentSearches = e.recentSearches[len(e.recentSearches)-recentSearchesCap:]
	}
	e.hotTopics[query]++
}

// RecentSearches returns a copy of the ring buffer, most recent last.
func (e *Engine) RecentSearches() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.recentSearches...)
}

// HotTopicCount returns how many times query has been searched.
func (e *Engine) HotTopicCount(query string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hotTopics[query]
}
