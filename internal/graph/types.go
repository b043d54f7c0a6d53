// Package graph implements the Concept Graph Store: the hierarchical
// concept navigation graph (CNG) whose nodes are addressed by dotted paths
// and back-reference memory records. Adapted from the entity/relation
// adjacency-map pattern this module is grounded on, generalized from a flat
// knowledge graph to a strictly-nested parent/child tree plus a separate
// cross-link adjacency for associations.
package graph

import "time"

// RootID is the distinguished root node's id. It is never a valid dotted
// path and is handled specially by every Store method.
const RootID = "root"

// DefaultMaxDepth is the depth cap enforced by CreateNode, per §4.2.
const DefaultMaxDepth = 10

// Ref is a parent or child edge: the node at the other end, its path (same
// as node_id for this tree — kept as a separate field to match the spec's
// wire shape), and an edge strength in [0,100].
type Ref struct {
	NodeID   string `json:"node_id"`
	Path     string `json:"path"`
	Strength int    `json:"strength"`
}

// MemorySummary is one entry in a node's memory_summaries list: a
// denormalized pointer back to a Record plus enough to render it without a
// Record Store round trip.
type MemorySummary struct {
	RecordID   string `json:"record_id"`
	Path       string `json:"path"`
	Summary    string `json:"summary"`
	Tier       int    `json:"tier"`
	ValueLevel string `json:"value_level"`
	Confidence int    `json:"confidence"`
}

// AssociationEdge is a cross-link introduced by maintenance's
// discover_associations task — distinct from the parent/child tree, carries
// its own weight and age, and is the only place cycles can occur (the
// parent/child tree cannot cycle by the dotted-id construction itself).
type AssociationEdge struct {
	NodeID   string    `json:"node_id"`
	Relation string    `json:"relation"`
	Weight   float64   `json:"weight"`
	AddedAt  time.Time `json:"added_at"`
}

// Node is a single CNG node.
type Node struct {
	ID        string    `json:"id"`
	Depth     int       `json:"depth"`
	Content   string    `json:"content"`
	Confidence int      `json:"confidence"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ParentRefs []Ref `json:"parent_refs,omitempty"`
	ChildRefs  []Ref `json:"child_refs,omitempty"`

	MemorySummaries []MemorySummary `json:"memory_summaries,omitempty"`

	// AssociationEdges holds cross-links, kept separate from the
	// parent/child tree per §9's re-architecture note.
	AssociationEdges []AssociationEdge `json:"association_edges,omitempty"`
}

// Clone returns a copy whose slices are independent of the stored node.
func (n *Node) Clone() *Node {
	c := *n
	c.ParentRefs = append([]Ref(nil), n.ParentRefs...)
	c.ChildRefs = append([]Ref(nil), n.ChildRefs...)
	c.MemorySummaries = append([]MemorySummary(nil), n.MemorySummaries...)
	c.AssociationEdges = append([]AssociationEdge(nil), n.AssociationEdges...)
	return &c
}

// IsEmpty reports whether the node has no children and no memory
// summaries, the precondition for DeleteNode per §4.2.
func (n *Node) IsEmpty() bool {
	return len(n.ChildRefs) == 0 && len(n.MemorySummaries) == 0
}

// NodePatch describes an UpdateNode call. Confidence writes outside
// [0,100] are rejected with InvalidInput rather than silently clamped —
// I6's "clamped to [0,100]" invariant holds as a consequence of every
// write being validated at the boundary, per §8's boundary tests.
type NodePatch struct {
	Content    *string
	Confidence *int
}
