package graph

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// idSegment matches one dotted-id segment: digits, no leading zero unless
// the segment is exactly "0". A leading zero (e.g. "01") is rejected by
// ValidID, which Format-Review in the maintenance pipeline applies to the
// node ids a plan names (§4.6, seed scenario 6). Ids that CreateNode
// allocates are plain integers and never carry a leading zero.
var idSegment = regexp.MustCompile(`^(0|[1-9]\d*)$`)

// ValidID reports whether id is a well-formed dotted node id within the
// depth cap.
func ValidID(id string, maxDepth int) bool {
	if id == RootID {
		return true
	}
	parts := strings.Split(id, ".")
	if len(parts) > maxDepth {
		return false
	}
	for _, p := range parts {
		if !idSegment.MatchString(p) {
			return false
		}
	}
	return true
}

// Depth returns the number of dot-separated segments in id. Root has
// depth 0.
func Depth(id string) int {
	if id == RootID {
		return 0
	}
	return strings.Count(id, ".") + 1
}

// ParentID returns the id of id's parent, or RootID for a depth-1 id.
func ParentID(id string) string {
	idx := strings.LastIndex(id, ".")
	if idx < 0 {
		return RootID
	}
	return id[:idx]
}

// nodeFilePath mirrors the nested-by-prefix directory scheme from §6:
// graph/<first-segment>/.../<node_id>.json. Reproduces the path-building
// algorithm from the reference navigator implementation this store is
// grounded on.
func nodeFilePath(root, id string) string {
	if id == RootID {
		return filepath.Join(root, "graph", "root.json")
	}

	parts := strings.Split(id, ".")
	prefixes := make([]string, 0, len(parts))
	current := ""
	for i, p := range parts {
		if i == 0 {
			current = p
		} else {
			current = current + "." + p
		}
		prefixes = append(prefixes, current)
	}

	dir := filepath.Join(root, "graph")
	for _, p := range prefixes[:len(prefixes)-1] {
		dir = filepath.Join(dir, p)
	}
	return filepath.Join(dir, id+".json")
}

// nextChildSegment picks the suffix for a new child under parent: one more
// than the largest existing child suffix (1 when there is none). Gaps left
// by deleted children are not reused.
func nextChildSegment(childRefs []Ref) int {
	max := 0
	for _, c := range childRefs {
		seg := c.NodeID
		if idx := strings.LastIndex(seg, "."); idx >= 0 {
			seg = seg[idx+1:]
		}
		if n, err := strconv.Atoi(seg); err == nil && n > max {
			max = n
		}
	}
	return max + 1
}
