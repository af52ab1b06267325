package types

import "time"

// Severity is the level of a policy violation
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// SeverityRank returns a numeric rank for sorting (higher = more severe).
func SeverityRank(s Severity) int {
	switch s {
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// PolicyViolation is a finding that code breaks a policy item
type PolicyViolation struct {
	ID          string   `json:"id"`
	Severity    Severity `json:"severity"`
	PolicyID    string   `json:"policy_id"`
	PolicyTitle string   `json:"policy_title"`
	Description string   `json:"description"`
	Suggestion  string   `json:"suggestion"`
	Confidence  float64  `json:"confidence"`
	SourceFile  string   `json:"source_file,omitempty"`
	SourceLine  int      `json:"source_line,omitempty"`
	Code        string   `json:"code,omitempty"`
	RuleID      string   `json:"rule_id,omitempty"`
	Category    Category `json:"category,omitempty"`
}

// StepType is the kind of a chain-of-thought entry
type StepType string

const (
	StepThought     StepType = "thought"
	StepObservation StepType = "observation"
	StepAction      StepType = "action"
	StepReflection  StepType = "reflection"
	StepDecision    StepType = "decision"
)

// StepMetadata anchors a step to code
type StepMetadata struct {
	File    string  `json:"file,omitempty"`
	Line    int     `json:"line,omitempty"`
	Pattern string  `json:"pattern,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// ChainOfThoughtStep is one append-only entry in a review's audit trail.
// Timestamp is the millisecond offset from review start.
type ChainOfThoughtStep struct {
	ID                   string                  `json:"id"`
	Timestamp            int64                   `json:"timestamp"`
	Type                 StepType                `json:"type"`
	Content              string                  `json:"content"`
	Context              string                  `json:"context,omitempty"`
	Confidence           float64                 `json:"confidence,omitempty"`
	RelatedNode          string                  `json:"related_node,omitempty"`
	ActionType           string                  `json:"action_type,omitempty"`
	Metadata             *StepMetadata           `json:"metadata,omitempty"`
	KnowledgeRetrieval   *KnowledgeRetrievalStep `json:"knowledge_retrieval,omitempty"`
	AppliedPolicies      []string                `json:"applied_policies,omitempty"`
	ConflictingKnowledge []string                `json:"conflicting_knowledge,omitempty"`
	KnowledgeConfidence  float64                 `json:"knowledge_confidence,omitempty"`
}

// Category is a scored dimension of a review
type Category string

const (
	CategoryPerformance Category = "performance"
	CategorySecurity    Category = "security"
	CategoryStyle       Category = "style"
	CategoryTesting     Category = "testing"
)

// AllCategories returns the scored categories in display order
func AllCategories() []Category {
	return []Category{CategoryPerformance, CategorySecurity, CategoryStyle, CategoryTesting}
}

// CategoryScores holds a [0,100] score per category
type CategoryScores struct {
	Performance float64 `json:"performance"`
	Security    float64 `json:"security"`
	Style       float64 `json:"style"`
	Testing     float64 `json:"testing"`
}

// Get returns the score for c
func (s CategoryScores) Get(c Category) float64 {
	switch c {
	case CategoryPerformance:
		return s.Performance
	case CategorySecurity:
		return s.Security
	case CategoryStyle:
		return s.Style
	case CategoryTesting:
		return s.Testing
	}
	return 0
}

// Set assigns the score for c
func (s *CategoryScores) Set(c Category, v float64) {
	switch c {
	case CategoryPerformance:
		s.Performance = v
	case CategorySecurity:
		s.Security = v
	case CategoryStyle:
		s.Style = v
	case CategoryTesting:
		s.Testing = v
	}
}

// CommentType is the kind of a review comment
type CommentType string

const (
	CommentSuggestion   CommentType = "suggestion"
	CommentOptimization CommentType = "optimization"
	CommentWarning      CommentType = "warning"
	CommentError        CommentType = "error"
)

// ReviewComment is a file/line anchored remark in the final result
type ReviewComment struct {
	File     string      `json:"file"`
	Line     int         `json:"line"`
	Type     CommentType `json:"type"`
	Message  string      `json:"message"`
	Code     string      `json:"code"`
	PolicyID string      `json:"policy_id,omitempty"`
}

// PackageSuggestion recommends a dependency
type PackageSuggestion struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Warning codes attached to reviews
const (
	WarnSourceUnavailable  = "source_unavailable"
	WarnPolicyUnevaluable  = "policy_unevaluable"
	WarnConflictUnresolved = "conflict_unresolved"
	WarnPersistence        = "persistence"
)

// ReviewWarning records a degradation that may affect the review's conclusion
type ReviewWarning struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Stage    string `json:"stage,omitempty"`
	SourceID string `json:"source_id,omitempty"`
	PolicyID string `json:"policy_id,omitempty"`
}

// ReviewResult is the immutable terminal aggregate of a completed review
type ReviewResult struct {
	Summary    string              `json:"summary"`
	Score      float64             `json:"score"`
	Categories CategoryScores      `json:"categories"`
	Comments   []ReviewComment     `json:"comments"`
	Packages   []PackageSuggestion `json:"packages"`
	Warnings   []ReviewWarning     `json:"warnings"`
	Mode       string              `json:"mode"`
}

// Stage is a phase of the review state machine
type Stage string

const (
	StageContextGathering      Stage = "context_gathering"
	StageCriteriaApplication   Stage = "criteria_application"
	StagePerFileAnalysis       Stage = "per_file_analysis"
	StageDependencyAnalysis    Stage = "dependency_analysis"
	StageErrorHandlingAnalysis Stage = "error_handling_analysis"
	StageTestAnalysis          Stage = "test_analysis"
	StageSummaryGeneration     Stage = "summary_generation"
	StageDone                  Stage = "done"
)

// ReviewStatus is the lifecycle state of a review
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewRunning   ReviewStatus = "running"
	ReviewBlocked   ReviewStatus = "blocked_pending_human_review"
	ReviewCompleted ReviewStatus = "completed"
	ReviewCancelled ReviewStatus = "cancelled"
	ReviewFailed    ReviewStatus = "failed"
)

// Terminal reports whether no further transitions are possible
func (s ReviewStatus) Terminal() bool {
	return s == ReviewCompleted || s == ReviewCancelled || s == ReviewFailed
}

// Hunk is a changed region of a file
type Hunk struct {
	StartLine int    `json:"start_line"`
	Snippet   string `json:"snippet"`
}

// ChangedFile is one file touched by a pull request
type ChangedFile struct {
	Path      string `json:"path"`
	Status    string `json:"status,omitempty"`
	Additions int    `json:"additions,omitempty"`
	Deletions int    `json:"deletions,omitempty"`
	Hunks     []Hunk `json:"hunks,omitempty"`
}

// Reviewable reports whether the file carries content to analyse
func (f ChangedFile) Reviewable() bool {
	for _, h := range f.Hunks {
		if h.Snippet != "" {
			return true
		}
	}
	return false
}

// ReviewRequest describes a pull request to review
type ReviewRequest struct {
	PRID         string        `json:"pr_id"`
	Title        string        `json:"title,omitempty"`
	Description  string        `json:"description,omitempty"`
	Mode         string        `json:"mode,omitempty"`
	CriteriaText string        `json:"criteria_text,omitempty"`
	Files        []ChangedFile `json:"files"`
}

// Review is the full state of a review run
type Review struct {
	ID         string               `json:"id"`
	PRID       string               `json:"pr_id"`
	Request    ReviewRequest        `json:"request"`
	Status     ReviewStatus         `json:"status"`
	Stage      Stage                `json:"stage"`
	Trace      []ChainOfThoughtStep `json:"trace"`
	Conflicts  []KnowledgeConflict  `json:"conflicts"`
	Violations []PolicyViolation    `json:"violations"`
	Warnings   []ReviewWarning      `json:"warnings"`
	Result     *ReviewResult        `json:"result,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// BlockingConflicts returns conflicts that currently halt the review
func (r *Review) BlockingConflicts() []KnowledgeConflict {
	out := make([]KnowledgeConflict, 0)
	for _, c := range r.Conflicts {
		if c.Blocking() {
			out = append(out, c)
		}
	}
	return out
}
