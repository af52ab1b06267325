// Package conflict finds retrieved knowledge items that give contradictory guidance
// on the same topic and grades how much each contradiction matters to a review.
package conflict

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PRSENTINEL/internal/logger"
	"github.com/PRSENTINEL/internal/textutil"
	"github.com/PRSENTINEL/internal/types"
)

// DefaultTopicThreshold is the minimum topic similarity for two items to be compared
const DefaultTopicThreshold = 0.2

// SourceLookup resolves source metadata for conflicting items
type SourceLookup interface {
	Source(id string) (types.KnowledgeSource, error)
}

// Options tunes a Detector
type Options struct {
	Classifier     Classifier
	TopicThreshold float64
	SemanticDims   int
}

// Context locates the review point where candidates were retrieved
type Context struct {
	File        string
	Line        int
	CodeSnippet string
	ReviewStep  string
}

// Detector groups candidates by topic and flags contradictory pairs
type Detector struct {
	classifier Classifier
	sources    SourceLookup
	threshold  float64
	dims       int
	log        *logger.Logger
	now        func() time.Time
}

// NewDetector creates a detector. A nil classifier selects RuleClassifier.
func NewDetector(sources SourceLookup, opts Options, log *logger.Logger) *Detector {
	if opts.Classifier == nil {
		opts.Classifier = RuleClassifier{}
	}
	if opts.TopicThreshold <= 0 {
		opts.TopicThreshold = DefaultTopicThreshold
	}
	if opts.SemanticDims <= 0 {
		opts.SemanticDims = 256
	}
	return &Detector{
		classifier: opts.Classifier,
		sources:    sources,
		threshold:  opts.TopicThreshold,
		dims:       opts.SemanticDims,
		log:        logger.OrNop(log),
		now:        time.Now,
	}
}

// SetClock replaces the time source (tests)
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

// PositionsConflict exposes the configured classifier
func (d *Detector) PositionsConflict(a, b string) bool {
	return d.classifier.PositionsConflict(a, b)
}

// Detect returns one conflict per connected group of contradicting candidates, and
// a copy of candidates with ConflictsWith filled in.
func (d *Detector) Detect(candidates []types.RetrievedKnowledge, at Context) ([]types.KnowledgeConflict, []types.RetrievedKnowledge) {
	marked := make([]types.RetrievedKnowledge, len(candidates))
	copy(marked, candidates)
	for i := range marked {
		marked[i].ConflictsWith = append([]string(nil), candidates[i].ConflictsWith...)
	}

	n := len(marked)
	if n < 2 {
		return []types.KnowledgeConflict{}, marked
	}

	vectors := make([][]float64, n)
	words := make([][]string, n)
	tags := make([][]string, n)
	for i, rk := range marked {
		text := rk.Item.Title + "\n" + rk.Item.Content
		vectors[i] = textutil.HashedVector(text, d.dims)
		words[i] = textutil.StemmedTerms(text)
		tags[i] = stemAll(rk.Item.Tags)
	}

	uf := newUnionFind(n)
	involved := make([]bool, n)
	reasons := make(map[int][]string)
	uncertain := make(map[int]bool)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := marked[i], marked[j]
			if a.Item.ID == b.Item.ID {
				continue
			}
			// cosine only counts when the texts share a term, so hash collisions
			// never make unrelated items comparable
			sim := textutil.Jaccard(tags[i], tags[j])
			if len(textutil.Overlap(words[i], words[j])) > 0 {
				if cos := textutil.Cosine(vectors[i], vectors[j]); cos > sim {
					sim = cos
				}
			}
			if sim < d.threshold {
				continue
			}
			verdict := d.assess(position(a.Item), position(b.Item))
			if !verdict.Conflict {
				continue
			}
			d.log.Debug("contradicting positions",
				"item_a", a.Item.ID, "item_b", b.Item.ID, "similarity", sim,
				"uncertain", verdict.Uncertain, "reason", verdict.Reason)
			uf.union(i, j)
			involved[i], involved[j] = true, true
			reasons[i] = append(reasons[i], verdict.Reason)
			uncertain[i] = uncertain[i] || verdict.Uncertain
			marked[i].ConflictsWith = appendUnique(marked[i].ConflictsWith, refID(b))
			marked[j].ConflictsWith = appendUnique(marked[j].ConflictsWith, refID(a))
		}
	}

	// gather components in candidate order
	groups := make(map[int][]int)
	var roots []int
	for i := 0; i < n; i++ {
		if !involved[i] {
			continue
		}
		r := uf.find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], i)
	}

	conflicts := make([]types.KnowledgeConflict, 0, len(roots))
	for _, r := range roots {
		members := groups[r]
		var why []string
		unsure := false
		for _, m := range members {
			why = append(why, reasons[m]...)
			unsure = unsure || uncertain[m]
		}
		items := make([]types.KnowledgeItem, 0, len(members))
		for _, m := range members {
			items = append(items, marked[m].Item)
		}
		conflicts = append(conflicts, d.build(items, at, dedupe(why), unsure))
	}
	return conflicts, marked
}

func (d *Detector) assess(a, b string) Assessment {
	if as, ok := d.classifier.(Assessor); ok {
		return as.Assess(a, b)
	}
	if d.classifier.PositionsConflict(a, b) {
		return Assessment{Conflict: true, Reason: "classifier reported contradictory positions"}
	}
	return Assessment{}
}

// build assembles a conflict over items. Sides are ordered by authority, then
// scope breadth, then confidence, so source_a is always the stronger side.
func (d *Detector) build(items []types.KnowledgeItem, at Context, reasons []string, uncertain bool) types.KnowledgeConflict {
	sides := make([]types.ConflictingSource, 0, len(items))
	for _, item := range items {
		side := types.ConflictingSource{
			SourceID:    item.SourceID,
			SourceName:  item.SourceID,
			ItemID:      item.ID,
			Position:    position(item),
			Confidence:  item.Confidence,
			Authority:   types.TierLow,
			Scope:       types.ScopeRepository,
			LastUpdated: item.LastUpdated,
		}
		if d.sources != nil {
			if src, err := d.sources.Source(item.SourceID); err == nil {
				side.SourceName = src.Name
				side.SourceType = src.Type
				side.Authority = src.Priority
				side.Scope = src.Scope
			}
		}
		sides = append(sides, side)
	}
	sort.SliceStable(sides, func(i, j int) bool {
		a, b := sides[i], sides[j]
		if ra, rb := types.TierRank(a.Authority), types.TierRank(b.Authority); ra != rb {
			return ra > rb
		}
		if ra, rb := types.ScopeRank(a.Scope), types.ScopeRank(b.Scope); ra != rb {
			return ra > rb
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.ItemID < b.ItemID
	})

	byID := make(map[string]types.KnowledgeItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	itemIDs := make([]string, len(sides))
	ordered := make([]types.KnowledgeItem, len(sides))
	for i, s := range sides {
		itemIDs[i] = s.ItemID
		ordered[i] = byID[s.ItemID]
	}

	ctx := types.ConflictContext{File: at.File, Line: at.Line, CodeSnippet: at.CodeSnippet, ReviewStep: at.ReviewStep}
	severity := Severity(sides)
	impact := Impact(severity, ctx)

	c := types.KnowledgeConflict{
		ID:                  uuid.New().String(),
		Title:               title(ordered),
		Description:         description(sides, reasons, uncertain),
		Severity:            severity,
		ConflictType:        Classify(ordered, sides),
		Sources:             sides,
		ItemIDs:             itemIDs,
		Context:             ctx,
		Impact:              impact,
		Timestamp:           d.now(),
		Status:              types.ConflictPending,
		HumanReviewRequired: impact == types.ImpactBlocksReview,
		SuggestedResolution: suggest(sides, uncertain),
	}
	return c
}

// Severity is high when any side is an organization- or global-scoped source of
// high authority, medium when any side has at least medium authority at team
// scope or broader, and low otherwise.
func Severity(sides []types.ConflictingSource) types.Tier {
	medium := false
	for _, s := range sides {
		broad := s.Scope == types.ScopeOrganization || s.Scope == types.ScopeGlobal
		if broad && s.Authority == types.TierHigh {
			return types.TierHigh
		}
		if types.TierRank(s.Authority) >= types.TierRank(types.TierMedium) &&
			types.ScopeRank(s.Scope) >= types.ScopeRank(types.ScopeTeam) {
			medium = true
		}
	}
	if medium {
		return types.TierMedium
	}
	return types.TierLow
}

// Impact blocks the review only for high severity tied to a code location
func Impact(severity types.Tier, ctx types.ConflictContext) types.ConflictImpact {
	switch {
	case severity == types.TierHigh && ctx.HasLocation():
		return types.ImpactBlocksReview
	case types.TierRank(severity) >= types.TierRank(types.TierMedium):
		return types.ImpactRequiresClarification
	default:
		return types.ImpactInformational
	}
}

// Classify picks the conflict type from the items and sides involved
func Classify(items []types.KnowledgeItem, sides []types.ConflictingSource) types.ConflictType {
	sameSource := true
	for _, s := range sides[1:] {
		if s.SourceID != sides[0].SourceID {
			sameSource = false
			break
		}
	}
	if sameSource {
		return types.ConflictVersion
	}

	policy, security := false, false
	for _, item := range items {
		switch item.Type {
		case types.ItemPattern, types.ItemExample:
			return types.ConflictPatternMismatch
		case types.ItemPolicy, types.ItemRequirement:
			policy = true
		}
		for _, tag := range item.Tags {
			if strings.EqualFold(tag, "security") {
				security = true
			}
		}
	}
	if policy {
		if security {
			return types.ConflictSecurityViolation
		}
		return types.ConflictPolicyContradiction
	}
	for _, s := range sides[1:] {
		if s.Scope != sides[0].Scope {
			return types.ConflictScopeDisagreement
		}
	}
	return types.ConflictProcessAmbiguity
}

func position(item types.KnowledgeItem) string {
	if strings.TrimSpace(item.Content) != "" {
		return item.Content
	}
	return item.Title
}

func title(items []types.KnowledgeItem) string {
	if len(items) == 2 {
		return fmt.Sprintf("Conflicting guidance: %s vs %s", items[0].Title, items[1].Title)
	}
	return fmt.Sprintf("Conflicting guidance across %d items: %s", len(items), items[0].Title)
}

func description(sides []types.ConflictingSource, reasons []string, uncertain bool) string {
	names := make([]string, len(sides))
	for i, s := range sides {
		names[i] = fmt.Sprintf("%s (%s, %s authority)", s.SourceName, s.Scope, s.Authority)
	}
	desc := fmt.Sprintf("%s disagree: %s.", strings.Join(names, " and "), strings.Join(reasons, "; "))
	if uncertain {
		desc += " The disagreement could not be ruled out automatically."
	}
	return desc
}

func suggest(sides []types.ConflictingSource, uncertain bool) string {
	top := sides[0]
	if uncertain {
		return fmt.Sprintf("Confirm with the owners of %s whether the other guidance is an accepted exception.", top.SourceName)
	}
	return fmt.Sprintf("Follow %s (%s scope, %s authority) unless its owners approve the exception.", top.SourceName, top.Scope, top.Authority)
}

func stemAll(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, textutil.Stem(strings.ToLower(t)))
	}
	return out
}

// refID is the retrieved record id, or the item id for records built outside retrieval
func refID(rk types.RetrievedKnowledge) string {
	if rk.ID != "" {
		return rk.ID
	}
	return rk.Item.ID
}

func appendUnique(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}
