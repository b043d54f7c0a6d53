package record

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abyssac/cogmem/internal/cogerr"
	cogstore "github.com/abyssac/cogmem/internal/store"
)

// Config configures a Store.
type Config struct {
	RootDir string
	// Now overrides the clock, for deterministic tests.
	Now func() time.Time
	// MaxWriteFailures is the number of consecutive write failures the
	// store tolerates before entering read-only mode. Defaults to 3.
	MaxWriteFailures int
	Logger           *zap.Logger
	EventLog         *cogstore.EventLog
}

// snapshot is the authoritative on-disk document: index_snapshot.json.
// Content is never part of it — only metadata, per §4.1.
type snapshot struct {
	Records   map[string]*Record `json:"records"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Store is the Record Store: single-writer, many-reader, content-addressed.
type Store struct {
	mu       sync.RWMutex
	root     string
	now      func() time.Time
	logger   *zap.Logger
	eventLog *cogstore.EventLog

	records map[string]*Record

	maxWriteFailures int
	writeFailures    int
	readOnly         bool
}

func (cfg Config) snapshotPath() string {
	return filepath.Join(cfg.RootDir, "index_snapshot.json")
}

// New opens (or initializes) a Store rooted at cfg.RootDir. On startup the
// snapshot is verified: if parsing fails, a fresh empty store is installed
// and the failure is logged, per §4.2's startup-verification policy
// (applied here identically to the Record Store's own snapshot).
func New(cfg Config) (*Store, error) {
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("record.New: RootDir is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxWriteFailures <= 0 {
		cfg.MaxWriteFailures = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "record_store"))

	for _, t := range []Tier{TierMetaCognitive, TierIntegrated, TierClassified, TierWorking} {
		if err := os.MkdirAll(filepath.Join(cfg.RootDir, t.dirName()), 0o755); err != nil {
			return nil, cogerr.StorageErr("record.New", err)
		}
	}

	s := &Store{
		root:             cfg.RootDir,
		now:              cfg.Now,
		logger:           logger,
		eventLog:         cfg.EventLog,
		records:          make(map[string]*Record),
		maxWriteFailures: cfg.MaxWriteFailures,
	}

	var snap snapshot
	err := cogstore.ReadJSON(cfg.snapshotPath(), &snap)
	switch {
	case os.IsNotExist(err):
		// first run; nothing to load.
	case err != nil:
		logger.Warn("index_snapshot.json unreadable, installing fresh empty store", zap.Error(err))
	default:
		if snap.Records != nil {
			s.records = snap.Records
		}
	}

	return s, nil
}

func (s *Store) snapshotPath() string { return filepath.Join(s.root, "index_snapshot.json") }

// RootDir returns the store's root directory, for callers (the backup
// command) that need to address the tree directly.
func (s *Store) RootDir() string { return s.root }

// persist writes the current metadata map to index_snapshot.json atomically.
// Callers must hold s.mu (write lock).
func (s *Store) persist() error {
	snap := snapshot{Records: s.records, UpdatedAt: s.now()}
	if err := cogstore.WriteJSONAtomic(s.snapshotPath(), snap); err != nil {
		s.writeFailures++
		if s.writeFailures >= s.maxWriteFailures {
			s.readOnly = true
			s.logger.Error("record store entering read-only mode after repeated write failures",
				zap.Int("failures", s.writeFailures))
		}
		return cogerr.StorageErr("record.persist", err)
	}
	s.writeFailures = 0
	return nil
}

func (s *Store) checkWritable(op string) error {
	if s.readOnly {
		return cogerr.StorageErr(op, cogerr.ErrStoreReadOnly)
	}
	return nil
}

// Create writes a new record's content and metadata, returning its id.
// Identical content written to the same tier within the same millisecond
// produces the same id and is treated as an idempotent no-op write, per §8.
func (s *Store) Create(ctx context.Context, content string, tier Tier, category, subcategory string, tags []string, source string, confidence int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !tier.Valid() {
		return "", cogerr.InvalidInput("record.Create", cogerr.ErrInvalidTier)
	}
	if confidence < 0 || confidence > 100 {
		return "", cogerr.InvalidInput("record.Create", fmt.Errorf("confidence %d out of [0,100]", confidence))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable("record.Create"); err != nil {
		return "", err
	}

	now := s.now()
	id := buildID(tier, now, content)

	if existing, ok := s.records[id]; ok {
		_ = existing
		return id, nil // idempotent on identical id/content
	}

	valueLevel := ValueLevelFor(confidence)
	path := contentPath(s.root, tier, valueLevel, now, id)

	if err := cogstore.WriteFileAtomic(path, []byte(content)); err != nil {
		s.writeFailures++
		return "", cogerr.StorageErr("record.Create", err)
	}

	rec := &Record{
		ID:             id,
		Tier:           tier,
		CreatedAt:      now,
		Confidence:     confidence,
		Category:       category,
		Subcategory:    subcategory,
		Tags:           dedupTags(tags),
		ContentPreview: preview(content),
		ContentPath:    path,
		Source:         source,
	}
	s.records[id] = rec

	if err := s.persist(); err != nil {
		return "", err
	}

	s.logEvent(cogstore.EventCreate, map[string]interface{}{"id": id, "tier": int(tier)})
	return id, nil
}

// Read loads a record's metadata and rehydrates its content from disk.
func (s *Store) Read(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, cogerr.NotFound("record.Read", cogerr.ErrRecordNotFound)
	}

	data, err := os.ReadFile(rec.ContentPath)
	if err != nil {
		return nil, cogerr.StorageErr("record.Read", err)
	}

	out := rec.Clone()
	out.Content = string(data)

	s.logEvent(cogstore.EventRead, map[string]interface{}{"id": id})
	return out, nil
}

// disallowed update_metadata fields, enforced by omission: MetadataPatch has
// no Id/CreatedAt/Tier fields at all, so this is structural rather than a
// runtime check — documented here for the reader matching spec wording.
var _ = "id, created_at, tier are not part of MetadataPatch; see Relocate for tier moves"

// UpdateMetadata applies patch to a record's mutable fields.
func (s *Store) UpdateMetadata(ctx context.Context, id string, patch MetadataPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable("record.UpdateMetadata"); err != nil {
		return err
	}

	rec, ok := s.records[id]
	if !ok {
		return cogerr.NotFound("record.UpdateMetadata", cogerr.ErrRecordNotFound)
	}

	if patch.Confidence != nil {
		if *patch.Confidence < 0 || *patch.Confidence > 100 {
			return cogerr.InvalidInput("record.UpdateMetadata", fmt.Errorf("confidence %d out of [0,100]", *patch.Confidence))
		}
		rec.Confidence = *patch.Confidence
	}
	if patch.Category != nil {
		rec.Category = *patch.Category
	}
	if patch.Subcategory != nil {
		rec.Subcategory = *patch.Subcategory
	}
	if patch.Tags != nil {
		rec.Tags = dedupTags(patch.Tags)
	}
	if patch.Source != nil {
		rec.Source = *patch.Source
	}

	if err := s.persist(); err != nil {
		return err
	}
	s.logEvent(cogstore.EventUpdate, map[string]interface{}{"id": id})
	return nil
}

// Touch stamps last_accessed_at and increments access_count. Called by the
// Retrieval Engine's top-N side effect (§4.4); distinct from
// UpdateMetadata because access bookkeeping is store-owned, not part of an
// external metadata patch.
func (s *Store) Touch(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable("record.Touch"); err != nil {
		return err
	}

	rec, ok := s.records[id]
	if !ok {
		return cogerr.NotFound("record.Touch", cogerr.ErrRecordNotFound)
	}

	now := s.now()
	rec.LastAccessedAt = &now
	rec.AccessCount++

	return s.persist()
}

// Relocate moves a record to a new tier (and, for TierClassified, a new
// value-level subdirectory), preserving its id. newValueLevel is only
// consulted when newTier is TierClassified; the record's displayed value
// level otherwise continues to be derived from confidence at read time.
func (s *Store) Relocate(ctx context.Context, id string, newTier Tier, newValueLevel ValueLevel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !newTier.Valid() {
		return cogerr.InvalidInput("record.Relocate", cogerr.ErrInvalidTier)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable("record.Relocate"); err != nil {
		return err
	}

	rec, ok := s.records[id]
	if !ok {
		return cogerr.NotFound("record.Relocate", cogerr.ErrRecordNotFound)
	}

	valueLevel := newValueLevel
	if newTier != TierClassified {
		valueLevel = ""
	} else if valueLevel == "" {
		valueLevel = rec.ValueLevel()
	}

	newPath := contentPath(s.root, newTier, valueLevel, rec.CreatedAt, id)
	if newPath != rec.ContentPath {
		data, err := os.ReadFile(rec.ContentPath)
		if err != nil {
			return cogerr.StorageErr("record.Relocate", err)
		}
		if err := cogstore.WriteFileAtomic(newPath, data); err != nil {
			return cogerr.StorageErr("record.Relocate", err)
		}
		_ = os.Remove(rec.ContentPath)
	}

	rec.Tier = newTier
	rec.ContentPath = newPath

	if err := s.persist(); err != nil {
		return err
	}
	s.logEvent(cogstore.EventUpdate, map[string]interface{}{"id": id, "relocate_to_tier": int(newTier)})
	return nil
}

// Delete removes a record's content file and metadata.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable("record.Delete"); err != nil {
		return err
	}

	rec, ok := s.records[id]
	if !ok {
		return cogerr.NotFound("record.Delete", cogerr.ErrRecordNotFound)
	}

	_ = os.Remove(rec.ContentPath)
	delete(s.records, id)

	if err := s.persist(); err != nil {
		return err
	}
	s.logEvent(cogstore.EventDelete, map[string]interface{}{"id": id})
	return nil
}

// Iter returns every record matching filter, ordered by CreatedAt ascending.
func (s *Store) Iter(ctx context.Context, filter Filter) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if filter.matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AttachNodeRef and DetachNodeRef mutate a record's nng_refs set under the
// Record Store's own lock only. The Maintenance Pipeline's commit calls
// AttachNodeRef right after the Concept Graph Store's AttachRecord, which
// takes the graph's own lock; no lease spans both stores, so a reader can
// see a node's record refs updated before the record's nng_refs.
func (s *Store) AttachNodeRef(ctx context.Context, id, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return cogerr.NotFound("record.AttachNodeRef", cogerr.ErrRecordNotFound)
	}
	for _, n := range rec.NNGRefs {
		if n == nodeID {
			return nil // idempotent
		}
	}
	rec.NNGRefs = append(rec.NNGRefs, nodeID)
	return s.persist()
}

func (s *Store) DetachNodeRef(ctx context.Context, id, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return cogerr.NotFound("record.DetachNodeRef", cogerr.ErrRecordNotFound)
	}
	out := rec.NNGRefs[:0]
	for _, n := range rec.NNGRefs {
		if n != nodeID {
			out = append(out, n)
		}
	}
	rec.NNGRefs = out
	return s.persist()
}

// FileEntry describes one content file discovered by a disk walk.
type FileEntry struct {
	ID      string
	Tier    Tier
	Path    string
	ModTime time.Time
}

// WalkTierFiles lists content files for tier directly from disk rather than
// the in-memory index, so the working-memory cleanup sweep (§5) tolerates
// index drift: a file can be found and removed even if its metadata entry
// was lost.
func (s *Store) WalkTierFiles(tier Tier) ([]FileEntry, error) {
	var out []FileEntry
	base := filepath.Join(s.root, tier.dirName())

	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".txt") {
			return nil
		}
		id := strings.TrimSuffix(filepath.Base(path), ".txt")
		out = append(out, FileEntry{ID: id, Tier: tier, Path: path, ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, cogerr.StorageErr("record.WalkTierFiles", err)
	}
	return out, nil
}

// ForceDelete removes a file and its metadata entry (if any) by id, used by
// the cleanup sweep when walking the file listing instead of the index.
func (s *Store) ForceDelete(ctx context.Context, entry FileEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = os.Remove(entry.Path)
	delete(s.records, entry.ID)

	if err := s.persist(); err != nil {
		return err
	}
	s.logEvent(cogstore.EventDelete, map[string]interface{}{"id": entry.ID, "reason": "cleanup_sweep"})
	return nil
}

func (s *Store) logEvent(kind cogstore.EventKind, data map[string]interface{}) {
	if s.eventLog == nil {
		return
	}
	if err := s.eventLog.Append(kind, data); err != nil {
		s.logger.Warn("failed to append event log entry", zap.Error(err), zap.String("kind", string(kind)))
	}
}

func preview(content string) string {
	r := []rune(content)
	if len(r) <= 200 {
		return content
	}
	return string(r[:200])
}

func dedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
