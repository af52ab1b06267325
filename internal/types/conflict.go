package types

import "time"

// ConflictType classifies why two knowledge items disagree
type ConflictType string

const (
	ConflictPolicyContradiction ConflictType = "policy_contradiction"
	ConflictPatternMismatch     ConflictType = "pattern_mismatch"
	ConflictVersion             ConflictType = "version_conflict"
	ConflictScopeDisagreement   ConflictType = "scope_disagreement"
	ConflictSecurityViolation   ConflictType = "security_violation"
	ConflictProcessAmbiguity    ConflictType = "process_ambiguity"
)

// ConflictImpact describes what a conflict does to the review
type ConflictImpact string

const (
	ImpactBlocksReview          ConflictImpact = "blocks_review"
	ImpactRequiresClarification ConflictImpact = "requires_clarification"
	ImpactInformational         ConflictImpact = "informational"
)

// ConflictStatus tracks human or system handling of a conflict
type ConflictStatus string

const (
	ConflictPending   ConflictStatus = "pending"
	ConflictEscalated ConflictStatus = "escalated"
	ConflictResolved  ConflictStatus = "resolved"
)

// ConflictingSource is one side's position in a conflict
type ConflictingSource struct {
	SourceID    string       `json:"source_id"`
	SourceName  string       `json:"source_name"`
	SourceType  ProviderType `json:"source_type"`
	ItemID      string       `json:"item_id"`
	Position    string       `json:"position"`
	Confidence  float64      `json:"confidence"`
	Authority   Tier         `json:"authority"`
	Scope       Scope        `json:"scope"`
	LastUpdated time.Time    `json:"last_updated"`
}

// ConflictContext anchors a conflict to the point of the review where it surfaced
type ConflictContext struct {
	File        string `json:"pr_file,omitempty"`
	Line        int    `json:"pr_line,omitempty"`
	CodeSnippet string `json:"code_snippet,omitempty"`
	ReviewStep  string `json:"review_step"`
}

// HasLocation reports whether the context ties to a concrete code location
func (c ConflictContext) HasLocation() bool {
	return c.File != "" && c.Line > 0
}

// ResolutionKind is the decision taken on a conflict
type ResolutionKind string

const (
	ResolveSourceA  ResolutionKind = "source_a"
	ResolveSourceB  ResolutionKind = "source_b"
	ResolveCustom   ResolutionKind = "custom"
	ResolveEscalate ResolutionKind = "escalate"
)

// ConflictResolution is an append-only decision record on a conflict
type ConflictResolution struct {
	ConflictID     string         `json:"conflict_id"`
	Resolution     ResolutionKind `json:"resolution"`
	Reasoning      string         `json:"reasoning"`
	ResolvedBy     string         `json:"resolved_by"`
	Timestamp      time.Time      `json:"timestamp"`
	CustomGuidance string         `json:"custom_guidance,omitempty"`
	WinningItemID  string         `json:"winning_item_id,omitempty"`
}

// Same reports whether two resolutions carry the same decision
func (r ConflictResolution) Same(other ConflictResolution) bool {
	return r.Resolution == other.Resolution &&
		r.CustomGuidance == other.CustomGuidance &&
		r.WinningItemID == other.WinningItemID
}

// KnowledgeConflict is a detected incompatibility between two or more items
type KnowledgeConflict struct {
	ID                  string               `json:"id"`
	Title               string               `json:"title"`
	Description         string               `json:"description"`
	Severity            Tier                 `json:"severity"`
	ConflictType        ConflictType         `json:"conflict_type"`
	Sources             []ConflictingSource  `json:"sources"`
	ItemIDs             []string             `json:"item_ids"`
	Context             ConflictContext      `json:"context"`
	Impact              ConflictImpact       `json:"impact"`
	Timestamp           time.Time            `json:"timestamp"`
	Status              ConflictStatus       `json:"status"`
	HumanReviewRequired bool                 `json:"human_review_required"`
	SuggestedResolution string               `json:"suggested_resolution,omitempty"`
	Resolutions         []ConflictResolution `json:"resolutions,omitempty"`
}

// Blocking reports whether the conflict currently halts a review
func (c *KnowledgeConflict) Blocking() bool {
	return c.Impact == ImpactBlocksReview && c.Status != ConflictResolved
}

// WinningItem returns the item id a resolution favoured, if any
func (c *KnowledgeConflict) WinningItem() string {
	if c.Status != ConflictResolved || len(c.Resolutions) == 0 {
		return ""
	}
	last := c.Resolutions[len(c.Resolutions)-1]
	if last.WinningItemID != "" {
		return last.WinningItemID
	}
	switch last.Resolution {
	case ResolveSourceA:
		if len(c.ItemIDs) > 0 {
			return c.ItemIDs[0]
		}
	case ResolveSourceB:
		if len(c.ItemIDs) > 1 {
			return c.ItemIDs[1]
		}
	}
	return ""
}
