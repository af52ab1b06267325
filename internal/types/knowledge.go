package types

import (
	"fmt"
	"time"
)

// ProviderType identifies the kind of system a knowledge source is pulled from
type ProviderType string

const (
	ProviderGitHub      ProviderType = "github"
	ProviderConfluence  ProviderType = "confluence"
	ProviderGoogleDrive ProviderType = "google_drive"
	ProviderSlack       ProviderType = "slack"
	ProviderJira        ProviderType = "jira"
	ProviderNotion      ProviderType = "notion"
	ProviderPDF         ProviderType = "pdf"
	ProviderWiki        ProviderType = "wiki"
)

// SyncStatus is the ingestion state of a knowledge source
type SyncStatus string

const (
	SyncActive  SyncStatus = "active"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
	SyncStale   SyncStatus = "stale"
)

// Tier is shared by source priority, authority and conflict severity
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// TierRank returns a numeric rank for sorting (higher = stronger).
func TierRank(t Tier) int {
	switch t {
	case TierHigh:
		return 3
	case TierMedium:
		return 2
	case TierLow:
		return 1
	default:
		return 0
	}
}

// Scope bounds where a source's guidance applies
type Scope string

const (
	ScopeRepository   Scope = "repository"
	ScopeTeam         Scope = "team"
	ScopeOrganization Scope = "organization"
	ScopeGlobal       Scope = "global"
)

// ScopeRank orders scopes from narrowest to broadest.
func ScopeRank(s Scope) int {
	switch s {
	case ScopeGlobal:
		return 4
	case ScopeOrganization:
		return 3
	case ScopeTeam:
		return 2
	case ScopeRepository:
		return 1
	default:
		return 0
	}
}

// ItemType classifies a knowledge item
type ItemType string

const (
	ItemPolicy       ItemType = "policy"
	ItemPattern      ItemType = "pattern"
	ItemGuideline    ItemType = "guideline"
	ItemExample      ItemType = "example"
	ItemRequirement  ItemType = "requirement"
	ItemArchitecture ItemType = "architecture"
)

// ValidItemType reports whether t is one of the known item types
func ValidItemType(t ItemType) bool {
	switch t {
	case ItemPolicy, ItemPattern, ItemGuideline, ItemExample, ItemRequirement, ItemArchitecture:
		return true
	}
	return false
}

// KnowledgeSource is a provider of knowledge such as a wiki or a policy document
type KnowledgeSource struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	Type        ProviderType `yaml:"type" json:"type"`
	URL         string       `yaml:"url,omitempty" json:"url,omitempty"`
	LastUpdated time.Time    `yaml:"-" json:"last_updated"`
	Status      SyncStatus   `yaml:"-" json:"status"`
	Confidence  float64      `yaml:"confidence" json:"confidence"`
	Priority    Tier         `yaml:"priority" json:"priority"`
	Scope       Scope        `yaml:"scope" json:"scope"`
	Active      bool         `yaml:"-" json:"active"`
	LastError   string       `yaml:"-" json:"last_error,omitempty"`
}

// Validate checks the registration fields of a source
func (s *KnowledgeSource) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("source id is required")
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("source %s: confidence %.2f outside [0,1]", s.ID, s.Confidence)
	}
	if TierRank(s.Priority) == 0 {
		return fmt.Errorf("source %s: unknown priority %q", s.ID, s.Priority)
	}
	if ScopeRank(s.Scope) == 0 {
		return fmt.Errorf("source %s: unknown scope %q", s.ID, s.Scope)
	}
	return nil
}

// PolicyRule is an optional executable form of a policy item
type PolicyRule struct {
	Pattern    string   `yaml:"pattern" json:"pattern"`
	Severity   Severity `yaml:"severity,omitempty" json:"severity,omitempty"`
	Suggestion string   `yaml:"suggestion,omitempty" json:"suggestion,omitempty"`
	Certainty  float64  `yaml:"certainty,omitempty" json:"certainty,omitempty"`
	AppliesTo  []string `yaml:"applies_to,omitempty" json:"applies_to,omitempty"`
}

// KnowledgeItem is one atomic fact, rule or example owned by a source
type KnowledgeItem struct {
	ID          string      `yaml:"id" json:"id"`
	SourceID    string      `yaml:"source_id" json:"source_id"`
	Title       string      `yaml:"title" json:"title"`
	Content     string      `yaml:"content" json:"content"`
	Type        ItemType    `yaml:"type" json:"type"`
	Tags        []string    `yaml:"tags,omitempty" json:"tags,omitempty"`
	LastUpdated time.Time   `yaml:"last_updated,omitempty" json:"last_updated"`
	Confidence  float64     `yaml:"confidence" json:"confidence"`
	Rule        *PolicyRule `yaml:"rule,omitempty" json:"rule,omitempty"`
}

// Validate checks item fields that do not depend on the owning source
func (i *KnowledgeItem) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("item id is required")
	}
	if i.SourceID == "" {
		return fmt.Errorf("item %s: source id is required", i.ID)
	}
	if !ValidItemType(i.Type) {
		return fmt.Errorf("item %s: unknown type %q", i.ID, i.Type)
	}
	if i.Confidence < 0 || i.Confidence > 1 {
		return fmt.Errorf("item %s: confidence %.2f outside [0,1]", i.ID, i.Confidence)
	}
	return nil
}

// RetrievalType selects the similarity method used by the retrieval engine
type RetrievalType string

const (
	RetrievalSemantic RetrievalType = "semantic"
	RetrievalKeyword  RetrievalType = "keyword"
	RetrievalPattern  RetrievalType = "pattern"
	RetrievalPolicy   RetrievalType = "policy"
	RetrievalExample  RetrievalType = "example"
)

// QueryFilters narrows the candidate set before scoring. Zero values mean "no filter".
type QueryFilters struct {
	Sources       []string   `json:"sources,omitempty"`
	Types         []ItemType `json:"types,omitempty"`
	MinConfidence float64    `json:"min_confidence,omitempty"`
	MaxAgeDays    int        `json:"max_age_days,omitempty"`
}

// KnowledgeQuery is an ephemeral retrieval request
type KnowledgeQuery struct {
	ID            string        `json:"id"`
	Query         string        `json:"query"`
	Context       string        `json:"context"`
	Timestamp     time.Time     `json:"timestamp"`
	RetrievalType RetrievalType `json:"retrieval_type"`
	Filters       QueryFilters  `json:"filters"`
}

// RetrievedKnowledge is the score of one item against one query
type RetrievedKnowledge struct {
	ID              string        `json:"id"`
	QueryID         string        `json:"query_id"`
	Item            KnowledgeItem `json:"item"`
	RelevanceScore  float64       `json:"relevance_score"`
	RetrievalReason string        `json:"retrieval_reason"`
	UsedInReasoning bool          `json:"used_in_reasoning"`
	ConflictsWith   []string      `json:"conflicts_with,omitempty"`
}

// ImpactLevel describes how much a retrieval influenced a decision
type ImpactLevel string

const (
	ImpactHigh   ImpactLevel = "high"
	ImpactMedium ImpactLevel = "medium"
	ImpactLow    ImpactLevel = "low"
	ImpactNone   ImpactLevel = "none"
)

// KnowledgeRetrievalStep records one query and what the orchestrator kept from it
type KnowledgeRetrievalStep struct {
	ID               string               `json:"id"`
	Timestamp        int64                `json:"timestamp"`
	Query            KnowledgeQuery       `json:"query"`
	Results          []RetrievedKnowledge `json:"results"`
	Selected         []RetrievedKnowledge `json:"selected_knowledge"`
	Reasoning        string               `json:"reasoning"`
	Confidence       float64              `json:"confidence"`
	ImpactOnDecision ImpactLevel          `json:"impact_on_decision"`
}
