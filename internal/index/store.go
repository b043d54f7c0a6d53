// Package index implements the Inverted Index: in-memory derived maps from
// keywords, tags, tier, and category to record ids. Never authoritative —
// rebuildable from the Record Store on startup. Adapted from the tag-bucket
// map pattern this module is grounded on, generalized to keyword/tier/
// category buckets plus a record→keyword-set reverse map so unindex can
// remove exactly what a prior index call added (the idempotence contract
// from spec §8: index-unindex-index must leave the index byte-identical to
// a single index call).
package index

import (
	"strings"
	"sync"

	"github.com/abyssac/cogmem/internal/record"
)

// Index is the Inverted Index. Safe for concurrent use.
type Index struct {
	mu sync.RWMutex

	keyword  map[string]map[string]struct{}
	tag      map[string]map[string]struct{}
	tier     map[record.Tier]map[string]struct{}
	category map[string]map[string]struct{}

	// entry remembers exactly what a record last contributed, so Unindex
	// can remove precisely those entries without re-deriving them.
	entry map[string]indexedEntry

	topK int
}

type indexedEntry struct {
	keywords []string
	tags     []string
	tier     record.Tier
	category string
}

// New constructs an empty Index. topK<=0 uses DefaultTopK.
func New(topK int) *Index {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Index{
		keyword:  make(map[string]map[string]struct{}),
		tag:      make(map[string]map[string]struct{}),
		tier:     make(map[record.Tier]map[string]struct{}),
		category: make(map[string]map[string]struct{}),
		entry:    make(map[string]indexedEntry),
		topK:     topK,
	}
}

// Index adds rec to every relevant bucket. Idempotent: indexing the same
// record id twice first removes its prior contribution, so the index state
// after index(r); index(r) equals the state after a single index(r).
func (ix *Index) Index(rec *record.Record) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.unindexLocked(rec.ID)

	keywords := ExtractKeywords(rec.Content, ix.topK)
	for _, kw := range keywords {
		ix.addKeyword(kw, rec.ID)
	}
	for _, tag := range rec.Tags {
		ix.addTag(strings.ToLower(tag), rec.ID)
	}
	ix.addTier(rec.Tier, rec.ID)
	if rec.Category != "" {
		ix.addCategory(strings.ToLower(rec.Category), rec.ID)
	}

	ix.entry[rec.ID] = indexedEntry{
		keywords: keywords,
		tags:     append([]string(nil), rec.Tags...),
		tier:     rec.Tier,
		category: rec.Category,
	}
}

// Unindex removes every bucket entry previously contributed by id.
// Idempotent: unindexing an absent id is a no-op.
func (ix *Index) Unindex(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.unindexLocked(id)
}

func (ix *Index) unindexLocked(id string) {
	prev, ok := ix.entry[id]
	if !ok {
		return
	}
	for _, kw := range prev.keywords {
		ix.removeFrom(ix.keyword, kw, id)
	}
	for _, tag := range prev.tags {
		ix.removeFrom(ix.tag, strings.ToLower(tag), id)
	}
	if set, ok := ix.tier[prev.tier]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(ix.tier, prev.tier)
		}
	}
	if prev.category != "" {
		ix.removeFrom(ix.category, strings.ToLower(prev.category), id)
	}
	delete(ix.entry, id)
}

func (ix *Index) addKeyword(kw, id string) {
	set, ok := ix.keyword[kw]
	if !ok {
		set = make(map[string]struct{})
		ix.keyword[kw] = set
	}
	set[id] = struct{}{}
}

func (ix *Index) addTag(tag, id string) {
	set, ok := ix.tag[tag]
	if !ok {
		set = make(map[string]struct{})
		ix.tag[tag] = set
	}
	set[id] = struct{}{}
}

func (ix *Index) addTier(tier record.Tier, id string) {
	set, ok := ix.tier[tier]
	if !ok {
		set = make(map[string]struct{})
		ix.tier[tier] = set
	}
	set[id] = struct{}{}
}

func (ix *Index) addCategory(cat, id string) {
	set, ok := ix.category[cat]
	if !ok {
		set = make(map[string]struct{})
		ix.category[cat] = set
	}
	set[id] = struct{}{}
}

func (ix *Index) removeFrom(buckets map[string]map[string]struct{}, key, id string) {
	set, ok := buckets[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(buckets, key)
	}
}

// LookupResult separates exact-keyword/tag hits from fuzzy (substring)
// hits, per §4.3's lookup contract.
type LookupResult struct {
	Exact []string
	Fuzzy []string
}

// Lookup returns exact and fuzzy matches for query against the keyword and
// tag buckets. Exact hits are the union of keyword[query] and tag[query].
// Fuzzy hits are every other bucket key where query is a substring of the
// key or the key is a substring of query.
func (ix *Index) Lookup(query string) LookupResult {
	q := strings.ToLower(strings.TrimSpace(query))
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	exactSet := make(map[string]struct{})
	fuzzySet := make(map[string]struct{})

	collect := func(buckets map[string]map[string]struct{}) {
		for key, ids := range buckets {
			switch {
			case key == q:
				for id := range ids {
					exactSet[id] = struct{}{}
				}
			case strings.Contains(key, q) || strings.Contains(q, key):
				for id := range ids {
					if _, already := exactSet[id]; !already {
						fuzzySet[id] = struct{}{}
					}
				}
			}
		}
	}
	collect(ix.keyword)
	collect(ix.tag)

	for id := range exactSet {
		delete(fuzzySet, id)
	}

	return LookupResult{Exact: setToSlice(exactSet), Fuzzy: setToSlice(fuzzySet)}
}

// ByTier returns every indexed record id at tier.
func (ix *Index) ByTier(tier record.Tier) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return setToSlice(ix.tier[tier])
}

// ByCategory returns every indexed record id in category.
func (ix *Index) ByCategory(category string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return setToSlice(ix.category[strings.ToLower(category)])
}

// Count returns the number of currently indexed record ids.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entry)
}

// Rebuild replaces the index's contents with a fresh derivation from recs,
// per §3's "the inverted index is derived state" invariant. Used at startup
// and after a restore.
func (ix *Index) Rebuild(recs []*record.Record) {
	ix.mu.Lock()
	ix.keyword = make(map[string]map[string]struct{})
	ix.tag = make(map[string]map[string]struct{})
	ix.tier = make(map[record.Tier]map[string]struct{})
	ix.category = make(map[string]map[string]struct{})
	ix.entry = make(map[string]indexedEntry)
	ix.mu.Unlock()

	for _, rec := range recs {
		ix.Index(rec)
	}
}

func setToSlice(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
