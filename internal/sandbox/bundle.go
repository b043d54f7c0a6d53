package sandbox

// MemoryGroupEntry is one record surfaced in a context bundle's
// memory_groups, per §4.5.
type MemoryGroupEntry struct {
	RecordID   string `json:"record_id"`
	Confidence int    `json:"confidence"`
	Summary    string `json:"summary"`
	Role       string `json:"role"`
}

// MemoryGroups buckets selected records by confidence band.
type MemoryGroups struct {
	CoreGroup     []MemoryGroupEntry `json:"core_group"`
	SupportGroup  []MemoryGroupEntry `json:"support_group"`
	ContrastGroup []MemoryGroupEntry `json:"contrast_group"`
}

// Gaps names what the sandbox knows it did not load.
type Gaps struct {
	KnownButNotLoaded  []string `json:"known_but_not_loaded"`
	Suspected          []string `json:"suspected"`
	NeedsClarification []string `json:"needs_clarification"`
}

// ConfidenceAssessment is the bundle's overall confidence verdict.
type ConfidenceAssessment struct {
	Level string   `json:"level"`
	Basis string   `json:"basis"`
	Risks []string `json:"risks"`
}

// ReplyStrategy is heuristic guidance for the consuming model's reply.
type ReplyStrategy struct {
	RecommendedAngle []string `json:"recommended_angle"`
	Emphasize        []string `json:"emphasize"`
	BeCautious       []string `json:"be_cautious"`
	Extensions       []string `json:"extensions"`
}

// Bundle is the fixed-shape context bundle assembled by stage S3.
type Bundle struct {
	Intent               string               `json:"intent"`
	KeyConcepts          []string             `json:"key_concepts"`
	ImplicitNeeds        []string             `json:"implicit_needs"`
	Path                 []string             `json:"path"`
	PathNote             string               `json:"path_note"`
	MemoryGroups         MemoryGroups         `json:"memory_groups"`
	Gaps                 Gaps                 `json:"gaps"`
	ConfidenceAssessment ConfidenceAssessment `json:"confidence_assessment"`
	ReplyStrategy        ReplyStrategy        `json:"reply_strategy"`
}
