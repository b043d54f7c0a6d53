package graph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abyssac/cogmem/internal/cogerr"
	cogstore "github.com/abyssac/cogmem/internal/store"
)

// RootDoc is root.json's shape: the depth-1 node ids and a single
// updated_at stamp, per §6.
type RootDoc struct {
	Children  []string  `json:"children"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config configures a Store.
type Config struct {
	RootDir          string
	Now              func() time.Time
	MaxDepth         int
	MaxWriteFailures int
	Logger           *zap.Logger
	EventLog         *cogstore.EventLog
}

// Store is the Concept Graph Store. Persistence is one JSON document per
// node plus root.json, nested by dotted-path prefix exactly as in the
// reference navigator this store is grounded on; the full structure is
// also held in memory as the "authoritative snapshot" of §4.2, rebuilt by
// walking the on-disk tree on startup.
type Store struct {
	mu       sync.RWMutex
	root     string
	now      func() time.Time
	maxDepth int
	logger   *zap.Logger
	eventLog *cogstore.EventLog

	rootDoc RootDoc
	nodes   map[string]*Node

	maxWriteFailures int
	writeFailures    int
	readOnly         bool
}

// New opens (or initializes) a Store rooted at cfg.RootDir.
func New(cfg Config) (*Store, error) {
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("graph.New: RootDir is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.MaxWriteFailures <= 0 {
		cfg.MaxWriteFailures = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "graph_store"))

	s := &Store{
		root:             cfg.RootDir,
		now:              cfg.Now,
		maxDepth:         cfg.MaxDepth,
		logger:           logger,
		eventLog:         cfg.EventLog,
		nodes:            make(map[string]*Node),
		maxWriteFailures: cfg.MaxWriteFailures,
	}

	if err := s.loadFromDisk(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) rootPath() string { return filepath.Join(s.root, "graph", "root.json") }

// RootDir returns the store's root directory, for callers (the backup
// command) that need to address the tree directly.
func (s *Store) RootDir() string { return s.root }

// loadFromDisk verifies root.json and, on success, walks graph/ to rebuild
// the in-memory node map. On parse failure a fresh empty graph is installed
// and the failure is logged, per §4.2's startup-verification policy.
func (s *Store) loadFromDisk() error {
	var rootDoc RootDoc
	err := cogstore.ReadJSON(s.rootPath(), &rootDoc)
	switch {
	case os.IsNotExist(err):
		s.rootDoc = RootDoc{Children: []string{}, UpdatedAt: s.now()}
		return cogstore.WriteJSONAtomic(s.rootPath(), s.rootDoc)
	case err != nil:
		s.logger.Error("root.json unreadable, installing fresh empty graph", zap.Error(err))
		s.rootDoc = RootDoc{Children: []string{}, UpdatedAt: s.now()}
		return cogstore.WriteJSONAtomic(s.rootPath(), s.rootDoc)
	}

	s.rootDoc = rootDoc
	if s.rootDoc.Children == nil {
		s.rootDoc.Children = []string{}
	}

	graphDir := filepath.Join(s.root, "graph")
	return filepath.Walk(graphDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if info.IsDir() || !strings.HasSuffix(path, ".json") || filepath.Base(path) == "root.json" {
			return nil
		}
		var n Node
		if err := cogstore.ReadJSON(path, &n); err != nil {
			s.logger.Warn("skipping unreadable node file", zap.String("path", path), zap.Error(err))
			return nil
		}
		s.nodes[n.ID] = &n
		return nil
	})
}

func (s *Store) checkWritable(op string) error {
	if s.readOnly {
		return cogerr.StorageErr(op, cogerr.ErrStoreReadOnly)
	}
	return nil
}

func (s *Store) persistFailed(op string, err error) error {
	s.writeFailures++
	if s.writeFailures >= s.maxWriteFailures {
		s.readOnly = true
		s.logger.Error("graph store entering read-only mode after repeated write failures",
			zap.Int("failures", s.writeFailures))
	}
	return cogerr.StorageErr(op, err)
}

func (s *Store) writeNode(n *Node) error {
	if err := cogstore.WriteJSONAtomic(nodeFilePath(s.root, n.ID), n); err != nil {
		return err
	}
	s.writeFailures = 0
	return nil
}

func (s *Store) writeRoot() error {
	s.rootDoc.UpdatedAt = s.now()
	if err := cogstore.WriteJSONAtomic(s.rootPath(), s.rootDoc); err != nil {
		return err
	}
	s.writeFailures = 0
	return nil
}

// CreateNode allocates the next free child index under parentID, writes
// the node, updates the parent's child_refs, and updates root.json if
// parentID is RootID.
func (s *Store) CreateNode(ctx context.Context, parentID, content string, confidence int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if confidence < 0 || confidence > 100 {
		return "", cogerr.InvalidInput("graph.CreateNode", fmt.Errorf("confidence %d out of [0,100]", confidence))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable("graph.CreateNode"); err != nil {
		return "", err
	}

	now := s.now()

	if parentID == RootID {
		depth := 1
		if depth > s.maxDepth {
			return "", cogerr.InvalidInput("graph.CreateNode", cogerr.ErrTooDeep)
		}
		rootRefs := make([]Ref, len(s.rootDoc.Children))
		for i, c := range s.rootDoc.Children {
			rootRefs[i] = Ref{NodeID: c}
		}
		id := strconv.Itoa(nextChildSegment(rootRefs))

		node := &Node{ID: id, Depth: depth, Content: content, Confidence: confidence, CreatedAt: now, UpdatedAt: now}
		if err := s.writeNode(node); err != nil {
			return "", s.persistFailed("graph.CreateNode", err)
		}

		s.rootDoc.Children = append(s.rootDoc.Children, id)
		if err := s.writeRoot(); err != nil {
			return "", s.persistFailed("graph.CreateNode", err)
		}

		s.nodes[id] = node
		s.logEvent(cogstore.EventCreate, map[string]interface{}{"node_id": id, "parent_id": parentID})
		return id, nil
	}

	parent, ok := s.nodes[parentID]
	if !ok {
		return "", cogerr.NotFound("graph.CreateNode", cogerr.ErrParentNotFound)
	}
	depth := parent.Depth + 1
	if depth > s.maxDepth {
		return "", cogerr.InvalidInput("graph.CreateNode", cogerr.ErrTooDeep)
	}

	id := parentID + "." + strconv.Itoa(nextChildSegment(parent.ChildRefs))
	node := &Node{
		ID: id, Depth: depth, Content: content, Confidence: confidence, CreatedAt: now, UpdatedAt: now,
		ParentRefs: []Ref{{NodeID: parentID, Path: parentID, Strength: 50}},
	}

	if err := s.writeNode(node); err != nil {
		return "", s.persistFailed("graph.CreateNode", err)
	}

	parent.ChildRefs = append(parent.ChildRefs, Ref{NodeID: id, Path: id, Strength: 50})
	if err := s.writeNode(parent); err != nil {
		return "", s.persistFailed("graph.CreateNode", err)
	}

	s.nodes[id] = node
	s.logEvent(cogstore.EventCreate, map[string]interface{}{"node_id": id, "parent_id": parentID})
	return id, nil
}

// ReadNode returns a node by id. RootID returns a synthetic node built
// from root.json's child listing.
func (s *Store) ReadNode(ctx context.Context, id string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if id == RootID {
		return s.syntheticRoot(), nil
	}
	n, ok := s.nodes[id]
	if !ok {
		return nil, cogerr.NotFound("graph.ReadNode", cogerr.ErrNodeNotFound)
	}
	return n.Clone(), nil
}

func (s *Store) syntheticRoot() *Node {
	refs := make([]Ref, len(s.rootDoc.Children))
	for i, c := range s.rootDoc.Children {
		refs[i] = Ref{NodeID: c, Path: c}
	}
	return &Node{ID: RootID, Depth: 0, ChildRefs: refs, UpdatedAt: s.rootDoc.UpdatedAt}
}

// UpdateNode mutates a node's content/confidence and re-stamps updated_at.
func (s *Store) UpdateNode(ctx context.Context, id string, patch NodePatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == RootID {
		return cogerr.InvalidInput("graph.UpdateNode", fmt.Errorf("root node has no mutable content/confidence"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable("graph.UpdateNode"); err != nil {
		return err
	}

	n, ok := s.nodes[id]
	if !ok {
		return cogerr.NotFound("graph.UpdateNode", cogerr.ErrNodeNotFound)
	}

	if patch.Confidence != nil {
		if *patch.Confidence < 0 || *patch.Confidence > 100 {
			return cogerr.InvalidInput("graph.UpdateNode", fmt.Errorf("confidence %d out of [0,100]", *patch.Confidence))
		}
		n.Confidence = *patch.Confidence
	}
	if patch.Content != nil {
		n.Content = *patch.Content
	}
	n.UpdatedAt = s.now()

	if err := s.writeNode(n); err != nil {
		return s.persistFailed("graph.UpdateNode", err)
	}
	s.logEvent(cogstore.EventUpdate, map[string]interface{}{"node_id": id})
	return nil
}

// DeleteNode removes node id, allowed only when it has no children and no
// memory summaries, cascading removal from its parent's child_refs (or
// root.json).
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == RootID {
		return cogerr.InvalidInput("graph.DeleteNode", fmt.Errorf("root node cannot be deleted"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable("graph.DeleteNode"); err != nil {
		return err
	}

	n, ok := s.nodes[id]
	if !ok {
		return cogerr.NotFound("graph.DeleteNode", cogerr.ErrNodeNotFound)
	}
	if !n.IsEmpty() {
		return cogerr.IntegrityViolation("graph.DeleteNode", cogerr.ErrNotEmpty)
	}

	parentID := ParentID(id)
	if parentID == RootID {
		out := s.rootDoc.Children[:0]
		for _, c := range s.rootDoc.Children {
			if c != id {
				out = append(out, c)
			}
		}
		s.rootDoc.Children = out
		if err := s.writeRoot(); err != nil {
			return s.persistFailed("graph.DeleteNode", err)
		}
	} else {
		parent, ok := s.nodes[parentID]
		if ok {
			out := parent.ChildRefs[:0]
			for _, c := range parent.ChildRefs {
				if c.NodeID != id {
					out = append(out, c)
				}
			}
			parent.ChildRefs = out
			if err := s.writeNode(parent); err != nil {
				return s.persistFailed("graph.DeleteNode", err)
			}
		}
	}

	// Drop cross-link edges pointing at the deleted node so I2/I3-adjacent
	// association state does not dangle.
	for _, other := range s.nodes {
		if len(other.AssociationEdges) == 0 {
			continue
		}
		out := other.AssociationEdges[:0]
		changed := false
		for _, e := range other.AssociationEdges {
			if e.NodeID == id {
				changed = true
				continue
			}
			out = append(out, e)
		}
		if changed {
			other.AssociationEdges = out
			_ = s.writeNode(other)
		}
	}

	delete(s.nodes, id)
	path := nodeFilePath(s.root, id)
	_ = os.Remove(path)

	s.logEvent(cogstore.EventDelete, map[string]interface{}{"node_id": id})
	return nil
}

// Children returns node id's child refs (or root.json's listing for
// RootID).
func (s *Store) Children(ctx context.Context, id string) ([]Ref, error) {
	n, err := s.ReadNode(ctx, id)
	if err != nil {
		return nil, err
	}
	return n.ChildRefs, nil
}

// Ancestors returns the chain of node ids from id's parent up to (but not
// including) root, nearest-first. The parent/child tree cannot cycle by
// construction (dotted-id rule, I3), so this is a pure string walk with no
// store access beyond the initial existence check.
func (s *Store) Ancestors(ctx context.Context, id string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == RootID {
		return nil, nil
	}

	s.mu.RLock()
	_, ok := s.nodes[id]
	s.mu.RUnlock()
	if !ok {
		return nil, cogerr.NotFound("graph.Ancestors", cogerr.ErrNodeNotFound)
	}

	var out []string
	cur := ParentID(id)
	for cur != RootID {
		out = append(out, cur)
		cur = ParentID(cur)
	}
	return out, nil
}

// AttachRecord adds a memory summary to node id. Idempotent on the
// (node_id, record_id) pair: a repeated attach with the same record_id
// replaces the existing summary entry rather than duplicating it.
func (s *Store) AttachRecord(ctx context.Context, id string, summary MemorySummary) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable("graph.AttachRecord"); err != nil {
		return err
	}

	n, ok := s.nodes[id]
	if !ok {
		return cogerr.NotFound("graph.AttachRecord", cogerr.ErrNodeNotFound)
	}

	for i, ms := range n.MemorySummaries {
		if ms.RecordID == summary.RecordID {
			n.MemorySummaries[i] = summary
			if err := s.writeNode(n); err != nil {
				return s.persistFailed("graph.AttachRecord", err)
			}
			s.logEvent(cogstore.EventAttach, map[string]interface{}{"node_id": id, "record_id": summary.RecordID})
			return nil
		}
	}

	n.MemorySummaries = append(n.MemorySummaries, summary)
	if err := s.writeNode(n); err != nil {
		return s.persistFailed("graph.AttachRecord", err)
	}
	s.logEvent(cogstore.EventAttach, map[string]interface{}{"node_id": id, "record_id": summary.RecordID})
	return nil
}

// DetachRecord removes record_id's summary from node id. Idempotent: a
// detach for an absent pair is a no-op, not an error.
func (s *Store) DetachRecord(ctx context.Context, id, recordID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable("graph.DetachRecord"); err != nil {
		return err
	}

	n, ok := s.nodes[id]
	if !ok {
		return cogerr.NotFound("graph.DetachRecord", cogerr.ErrNodeNotFound)
	}

	out := n.MemorySummaries[:0]
	found := false
	for _, ms := range n.MemorySummaries {
		if ms.RecordID == recordID {
			found = true
			continue
		}
		out = append(out, ms)
	}
	if !found {
		return nil
	}
	n.MemorySummaries = out

	if err := s.writeNode(n); err != nil {
		return s.persistFailed("graph.DetachRecord", err)
	}
	s.logEvent(cogstore.EventDetach, map[string]interface{}{"node_id": id, "record_id": recordID})
	return nil
}

// AddAssociation adds a cross-link from id to targetID, or overwrites the
// weight and relation of an existing one. Called by the maintenance
// commit for a plan's create_association mutations and by the
// Coordinator's create_association command.
func (s *Store) AddAssociation(ctx context.Context, id, targetID, relation string, weight float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritable("graph.AddAssociation"); err != nil {
		return err
	}

	n, ok := s.nodes[id]
	if !ok {
		return cogerr.NotFound("graph.AddAssociation", cogerr.ErrNodeNotFound)
	}
	if _, ok := s.nodes[targetID]; !ok {
		return cogerr.NotFound("graph.AddAssociation", cogerr.ErrNodeNotFound)
	}

	for i, e := range n.AssociationEdges {
		if e.NodeID == targetID {
			n.AssociationEdges[i].Weight = weight
			n.AssociationEdges[i].Relation = relation
			return s.persistOrFail("graph.AddAssociation", n)
		}
	}
	n.AssociationEdges = append(n.AssociationEdges, AssociationEdge{
		NodeID: targetID, Relation: relation, Weight: weight, AddedAt: s.now(),
	})
	return s.persistOrFail("graph.AddAssociation", n)
}

func (s *Store) persistOrFail(op string, n *Node) error {
	if err := s.writeNode(n); err != nil {
		return s.persistFailed(op, err)
	}
	return nil
}

// Snapshot returns every node currently held in memory, for bulk rebuild
// operations (e.g. the Inverted Index startup rebuild).
func (s *Store) Snapshot() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	return out
}

func (s *Store) logEvent(kind cogstore.EventKind, data map[string]interface{}) {
	if s.eventLog == nil {
		return
	}
	if err := s.eventLog.Append(kind, data); err != nil {
		s.logger.Warn("failed to append event log entry", zap.Error(err), zap.String("kind", string(kind)))
	}
}
