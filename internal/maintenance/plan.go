package maintenance

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/abyssac/cogmem/internal/graph"
	"github.com/abyssac/cogmem/internal/record"
)

// MutationKind tags one line of an Organize plan.
type MutationKind string

const (
	MutationCreateNode        MutationKind = "create_node"
	MutationAttachRecord      MutationKind = "attach_record"
	MutationPromoteRecord     MutationKind = "promote_record"
	MutationCreateAssociation MutationKind = "create_association"
)

// Mutation is one concrete store change proposed by Organize and validated
// by Format-Review before being committed.
type Mutation struct {
	Kind MutationKind

	// create_node
	ParentID   string
	Content    string
	Confidence int

	// attach_record
	NodeID     string
	RecordID   string
	Summary    string

	// promote_record
	NewTier int

	// create_association
	SourceID string
	TargetID string
	Relation string
	Weight   float64
}

// ParsePlan parses Organize's pipe-delimited mutation lines. Unparseable
// lines are dropped rather than erroring the whole plan — Format-Review's
// schema checks are the authority on whether the plan is acceptable.
func ParsePlan(text string) []Mutation {
	var out []Mutation
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		m, ok := parseMutation(fields)
		if ok {
			out = append(out, m)
		}
	}
	return out
}

func parseMutation(f []string) (Mutation, bool) {
	if len(f) == 0 {
		return Mutation{}, false
	}
	switch MutationKind(f[0]) {
	case MutationCreateNode:
		if len(f) < 4 {
			return Mutation{}, false
		}
		conf, err := strconv.Atoi(f[3])
		if err != nil {
			return Mutation{}, false
		}
		return Mutation{Kind: MutationCreateNode, ParentID: f[1], Content: f[2], Confidence: conf}, true
	case MutationAttachRecord:
		if len(f) < 4 {
			return Mutation{}, false
		}
		return Mutation{Kind: MutationAttachRecord, NodeID: f[1], RecordID: f[2], Summary: f[3]}, true
	case MutationPromoteRecord:
		if len(f) < 3 {
			return Mutation{}, false
		}
		tier, err := strconv.Atoi(f[2])
		if err != nil {
			return Mutation{}, false
		}
		return Mutation{Kind: MutationPromoteRecord, RecordID: f[1], NewTier: tier}, true
	case MutationCreateAssociation:
		if len(f) < 4 {
			return Mutation{}, false
		}
		weight, err := strconv.ParseFloat(f[3], 64)
		if err != nil {
			return Mutation{}, false
		}
		relation := ""
		if len(f) > 4 {
			relation = f[4]
		}
		return Mutation{Kind: MutationCreateAssociation, SourceID: f[1], TargetID: f[2], Weight: weight, Relation: relation}, true
	default:
		return Mutation{}, false
	}
}

// NodeExistsFn and RecordExistsFn let FormatReview check referenced ids
// against the live stores without importing them here, keeping this file
// test-friendly.
type NodeExistsFn func(id string) bool
type RecordExistsFn func(id string) bool

// FormatReview runs the eight schema checks from §4.6 against plan. Returns
// pass/fail-fatal and the first violated check's reason; any violation
// fails the whole plan — nothing in it is committed.
func FormatReview(plan []Mutation, nodeExists NodeExistsFn, recordExists RecordExistsFn) (Verdict, string) {
	if v, reason := checkIDUniqueness(plan); v != VerdictPass {
		return v, reason
	}
	if v, reason := checkTimestampFormat(plan); v != VerdictPass {
		return v, reason
	}
	if v, reason := checkConfidenceRange(plan); v != VerdictPass {
		return v, reason
	}
	if v, reason := checkPathLayering(plan); v != VerdictPass {
		return v, reason
	}
	if v, reason := checkParentBackLink(plan, nodeExists); v != VerdictPass {
		return v, reason
	}
	if v, reason := checkNoCycles(plan); v != VerdictPass {
		return v, reason
	}
	if v, reason := checkNamingConvention(plan, recordExists); v != VerdictPass {
		return v, reason
	}
	if v, reason := checkFileNameConvention(plan); v != VerdictPass {
		return v, reason
	}
	return VerdictPass, ""
}

// checkIDUniqueness rejects a plan that proposes the same (kind, id) twice.
func checkIDUniqueness(plan []Mutation) (Verdict, string) {
	seen := make(map[string]struct{})
	for _, m := range plan {
		var key string
		switch m.Kind {
		case MutationAttachRecord:
			key = "attach:" + m.NodeID + ":" + m.RecordID
		case MutationCreateAssociation:
			key = "assoc:" + m.SourceID + ":" + m.TargetID
		case MutationPromoteRecord:
			key = "promote:" + m.RecordID
		default:
			continue
		}
		if _, ok := seen[key]; ok {
			return VerdictFailFatal, fmt.Sprintf("duplicate mutation target %q", key)
		}
		seen[key] = struct{}{}
	}
	return VerdictPass, ""
}

// checkTimestampFormat is trivially satisfied: the mutation mini-language
// carries no raw timestamp fields — stores stamp created_at/updated_at
// themselves — so there is nothing for Organize to get wrong here.
func checkTimestampFormat(plan []Mutation) (Verdict, string) { return VerdictPass, "" }

func checkConfidenceRange(plan []Mutation) (Verdict, string) {
	for _, m := range plan {
		if m.Kind == MutationCreateNode && (m.Confidence < 0 || m.Confidence > 100) {
			return VerdictFailFatal, fmt.Sprintf("confidence %d out of [0,100] for create_node under %s", m.Confidence, m.ParentID)
		}
		if m.Kind == MutationCreateAssociation && (m.Weight < 0 || m.Weight > 1) {
			return VerdictFailFatal, fmt.Sprintf("association weight %f out of [0,1]", m.Weight)
		}
	}
	return VerdictPass, ""
}

// checkPathLayering validates every referenced node id against the dotted
// id grammar (depth cap, no leading zero) — this is the check seed
// scenario 6 exercises with a `01.2` node id.
func checkPathLayering(plan []Mutation) (Verdict, string) {
	for _, m := range plan {
		for _, id := range referencedNodeIDs(m) {
			if id == graph.RootID {
				continue
			}
			if !graph.ValidID(id, graph.DefaultMaxDepth) {
				return VerdictFailFatal, fmt.Sprintf("malformed node id %q", id)
			}
		}
	}
	return VerdictPass, ""
}

func referencedNodeIDs(m Mutation) []string {
	switch m.Kind {
	case MutationCreateNode:
		return []string{m.ParentID}
	case MutationAttachRecord:
		return []string{m.NodeID}
	default:
		return nil
	}
}

// checkParentBackLink requires create_node's parent to already exist.
func checkParentBackLink(plan []Mutation, nodeExists NodeExistsFn) (Verdict, string) {
	if nodeExists == nil {
		return VerdictPass, ""
	}
	for _, m := range plan {
		if m.Kind != MutationCreateNode {
			continue
		}
		if m.ParentID != graph.RootID && !nodeExists(m.ParentID) {
			return VerdictFailFatal, fmt.Sprintf("create_node parent %q does not exist", m.ParentID)
		}
	}
	return VerdictPass, ""
}

// checkNoCycles rejects a self-referential association edge; the
// parent/child tree cannot cycle by construction (§9) so this check is
// scoped to the one place a cycle can be introduced.
func checkNoCycles(plan []Mutation) (Verdict, string) {
	for _, m := range plan {
		if m.Kind == MutationCreateAssociation && m.SourceID == m.TargetID {
			return VerdictFailFatal, fmt.Sprintf("association would self-loop on %q", m.SourceID)
		}
	}
	return VerdictPass, ""
}

// checkNamingConvention validates record ids against the record id
// grammar for every mutation that references an existing record.
func checkNamingConvention(plan []Mutation, recordExists RecordExistsFn) (Verdict, string) {
	for _, m := range plan {
		var id string
		switch m.Kind {
		case MutationAttachRecord:
			id = m.RecordID
		case MutationPromoteRecord:
			id = m.RecordID
		case MutationCreateAssociation:
			continue
		default:
			continue
		}
		if id == "" || !record.ValidID(id) {
			return VerdictFailFatal, fmt.Sprintf("malformed record id %q", id)
		}
		if recordExists != nil && !recordExists(id) {
			return VerdictFailFatal, fmt.Sprintf("record %q does not exist", id)
		}
	}
	return VerdictPass, ""
}

// checkFileNameConvention rejects any id containing a path separator,
// since ids double as file/directory name components in the on-disk
// layout (§6).
func checkFileNameConvention(plan []Mutation) (Verdict, string) {
	for _, m := range plan {
		for _, id := range allIDs(m) {
			if strings.ContainsAny(id, "/\\") {
				return VerdictFailFatal, fmt.Sprintf("id %q is not a valid file name component", id)
			}
		}
	}
	return VerdictPass, ""
}

func allIDs(m Mutation) []string {
	var out []string
	for _, id := range []string{m.ParentID, m.NodeID, m.RecordID, m.SourceID, m.TargetID} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
