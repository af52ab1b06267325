package review

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/PRSENTINEL/internal/apierr"
	"github.com/PRSENTINEL/internal/conflict"
	"github.com/PRSENTINEL/internal/policy"
	"github.com/PRSENTINEL/internal/textutil"
	"github.com/PRSENTINEL/internal/types"
)

const maxQueryTerms = 40

type stageQuery struct {
	text   string
	ctx    string
	method types.RetrievalType
	types  []types.ItemType
}

// plan is one unit of stage work: the queries to issue, where conflicts are
// anchored, and which code the surviving policies are checked against.
type plan struct {
	stage   types.Stage
	label   string
	queries []stageQuery
	at      conflict.Context
	code    []policy.CodeContext
}

type queryRun struct {
	query   types.KnowledgeQuery
	items   []types.RetrievedKnowledge
	skipped []string
}

// outcome is what a plan produced before it is merged into the review
type outcome struct {
	plan        plan
	runs        []queryRun
	candidates  []types.RetrievedKnowledge
	conflicts   []types.KnowledgeConflict
	skipped     map[string]string
	evaluated   map[string]bool
	violations  []types.PolicyViolation
	unevaluable []policy.Skipped
}

// stages walks the fixed stage order and ends with the summary
func (o *Orchestrator) stages(ctx context.Context, rn *run) error {
	steps := []struct {
		stage types.Stage
		fn    func(context.Context, *run) error
	}{
		{types.StageContextGathering, o.gatherContext},
		{types.StageCriteriaApplication, o.applyCriteria},
		{types.StagePerFileAnalysis, o.analyzeFiles},
		{types.StageDependencyAnalysis, o.analyzeDependencies},
		{types.StageErrorHandlingAnalysis, o.analyzeErrorHandling},
		{types.StageTestAnalysis, o.analyzeTests},
		{types.StageSummaryGeneration, o.summarize},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		rn.mu.Lock()
		o.setStageLocked(ctx, rn, s.stage)
		rn.mu.Unlock()

		sctx, span := tracer.Start(ctx, "review.stage", trace.WithAttributes(attribute.String("review.stage", string(s.stage))))
		err := s.fn(sctx, rn)
		span.End()
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) gatherContext(ctx context.Context, rn *run) error {
	req := rn.snapshot().Request
	files := make([]string, 0, len(req.Files))
	adds, dels := 0, 0
	for _, f := range req.Files {
		files = append(files, f.Path)
		adds += f.Additions
		dels += f.Deletions
	}

	rn.mu.Lock()
	title := req.Title
	if title == "" {
		title = req.PRID
	}
	o.appendStepLocked(ctx, rn, types.ChainOfThoughtStep{
		Type:    types.StepThought,
		Content: fmt.Sprintf("Starting review of %q: %d changed files (+%d/-%d)", title, len(files), adds, dels),
		Context: string(types.StageContextGathering),
	})
	rn.mu.Unlock()

	text := strings.TrimSpace(req.Title + " " + req.Description)
	p := plan{
		stage: types.StageContextGathering,
		label: "context gathering",
		queries: []stageQuery{
			{text: text, ctx: strings.Join(files, " "), method: types.RetrievalKeyword},
			{text: strings.Join(languages(files), " "), ctx: strings.Join(files, " "), method: types.RetrievalSemantic,
				types: []types.ItemType{types.ItemGuideline, types.ItemArchitecture, types.ItemPattern}},
		},
		at: conflict.Context{ReviewStep: string(types.StageContextGathering)},
	}
	return o.runPlans(ctx, rn, []plan{p})
}

func (o *Orchestrator) applyCriteria(ctx context.Context, rn *run) error {
	crit := rn.criteria
	req := rn.snapshot().Request

	rn.mu.Lock()
	o.appendStepLocked(ctx, rn, types.ChainOfThoughtStep{
		Type:    types.StepThought,
		Content: crit.Describe(),
		Context: string(types.StageCriteriaApplication),
	})
	if len(crit.Checks) > 0 {
		o.appendStepLocked(ctx, rn, types.ChainOfThoughtStep{
			Type:       types.StepAction,
			ActionType: "apply_criteria",
			Content:    "Checks: " + strings.Join(crit.Checks, "; "),
			Context:    string(types.StageCriteriaApplication),
		})
	}
	rn.mu.Unlock()

	text := crit.Custom
	if text == "" {
		focus := make([]string, 0, 4)
		for _, c := range crit.Mode.Focus() {
			focus = append(focus, string(c))
		}
		text = strings.Join(focus, " ") + " " + strings.Join(crit.Checks, " ")
	}
	p := plan{
		stage:   types.StageCriteriaApplication,
		label:   "criteria application",
		queries: []stageQuery{{text: text, method: types.RetrievalPolicy}},
		at:      conflict.Context{ReviewStep: string(types.StageCriteriaApplication)},
		code:    allCode(req.Files),
	}
	return o.runPlans(ctx, rn, []plan{p})
}

func (o *Orchestrator) analyzeFiles(ctx context.Context, rn *run) error {
	req := rn.snapshot().Request
	var plans []plan
	for _, f := range req.Files {
		if !f.Reviewable() {
			continue
		}
		plans = append(plans, filePlan(f))
	}

	rn.mu.Lock()
	content := fmt.Sprintf("Analyzing %d of %d changed files", len(plans), len(req.Files))
	if len(plans) == 0 {
		content = "No changed file carries reviewable content"
	}
	o.appendStepLocked(ctx, rn, types.ChainOfThoughtStep{
		Type:    types.StepThought,
		Content: content,
		Context: string(types.StagePerFileAnalysis),
	})
	rn.mu.Unlock()

	return o.runPlans(ctx, rn, plans)
}

func filePlan(f types.ChangedFile) plan {
	var snippet strings.Builder
	first := 0
	for _, h := range f.Hunks {
		if h.Snippet == "" {
			continue
		}
		if first == 0 {
			first = h.StartLine
		}
		snippet.WriteString(h.Snippet)
		snippet.WriteString("\n")
	}
	if first <= 0 {
		first = 1
	}
	code := snippet.String()
	terms := textutil.ContentTerms(code)
	if len(terms) > maxQueryTerms {
		terms = terms[:maxQueryTerms]
	}
	hints := policy.Hints(f.Path, code)
	text := strings.TrimSpace(strings.Join(hints, " ") + " " + strings.Join(terms, " "))
	if text == "" {
		text = f.Path
	}
	lang := strings.Join(languages([]string{f.Path}), " ")

	return plan{
		stage: types.StagePerFileAnalysis,
		label: f.Path,
		queries: []stageQuery{
			{text: text, ctx: f.Path + " " + lang, method: types.RetrievalPolicy},
			{text: text + " " + lang, ctx: f.Path, method: types.RetrievalSemantic,
				types: []types.ItemType{types.ItemGuideline, types.ItemPattern, types.ItemExample, types.ItemArchitecture}},
		},
		at: conflict.Context{
			File:        f.Path,
			Line:        first,
			CodeSnippet: firstLine(code),
			ReviewStep:  string(types.StagePerFileAnalysis),
		},
		code: fileCode(f),
	}
}

func (o *Orchestrator) analyzeDependencies(ctx context.Context, rn *run) error {
	req := rn.snapshot().Request
	var imports []string
	for _, f := range req.Files {
		for _, h := range f.Hunks {
			for _, line := range strings.Split(h.Snippet, "\n") {
				if isImport(line) {
					imports = append(imports, textutil.ContentTerms(line)...)
				}
			}
		}
	}
	if len(imports) > maxQueryTerms {
		imports = imports[:maxQueryTerms]
	}
	p := plan{
		stage: types.StageDependencyAnalysis,
		label: "dependency analysis",
		queries: []stageQuery{{
			text:   "dependency package library import version " + strings.Join(imports, " "),
			method: types.RetrievalKeyword,
		}},
		at:   conflict.Context{ReviewStep: string(types.StageDependencyAnalysis)},
		code: allCode(req.Files),
	}
	return o.runPlans(ctx, rn, []plan{p})
}

func (o *Orchestrator) analyzeErrorHandling(ctx context.Context, rn *run) error {
	req := rn.snapshot().Request
	p := plan{
		stage: types.StageErrorHandlingAnalysis,
		label: "error handling analysis",
		queries: []stageQuery{
			{text: "error handling exception catch retry logging", method: types.RetrievalPolicy},
			{text: "error handling exception catch retry logging", method: types.RetrievalKeyword,
				types: []types.ItemType{types.ItemGuideline, types.ItemPattern}},
		},
		at:   conflict.Context{ReviewStep: string(types.StageErrorHandlingAnalysis)},
		code: allCode(req.Files),
	}
	return o.runPlans(ctx, rn, []plan{p})
}

func (o *Orchestrator) analyzeTests(ctx context.Context, rn *run) error {
	req := rn.snapshot().Request
	tests, source := 0, 0
	for _, f := range req.Files {
		switch {
		case isTestFile(f.Path):
			tests++
		case isSourceFile(f.Path):
			source++
		}
	}

	rn.mu.Lock()
	content := fmt.Sprintf("%d test files change alongside %d source files", tests, source)
	if source > 0 && tests == 0 {
		content = fmt.Sprintf("%d source files change without accompanying tests", source)
	}
	o.appendStepLocked(ctx, rn, types.ChainOfThoughtStep{
		Type:    types.StepObservation,
		Content: content,
		Context: string(types.StageTestAnalysis),
	})
	rn.mu.Unlock()

	p := plan{
		stage:   types.StageTestAnalysis,
		label:   "test analysis",
		queries: []stageQuery{{text: "test coverage unit integration testing", method: types.RetrievalKeyword}},
		at:      conflict.Context{ReviewStep: string(types.StageTestAnalysis)},
		code:    allCode(req.Files),
	}
	return o.runPlans(ctx, rn, []plan{p})
}

// runPlans executes plans concurrently, joins them, merges the outcomes in
// plan order, waits out any blocking conflict, then evaluates the knowledge
// that the resolutions released.
func (o *Orchestrator) runPlans(ctx context.Context, rn *run, plans []plan) error {
	if len(plans) == 0 {
		return nil
	}
	known := rn.conflicts()
	outs := make([]*outcome, len(plans))

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(o.opts.FileConcurrency)
	for i, p := range plans {
		i, p := i, p
		eg.Go(func() error {
			out, err := o.gather(egctx, p, known)
			if err != nil {
				return fmt.Errorf("%s: %w", p.label, err)
			}
			outs[i] = out
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, out := range outs {
		o.merge(ctx, rn, out)
	}
	if err := o.awaitResolution(ctx, rn); err != nil {
		return err
	}
	for _, out := range outs {
		o.release(ctx, rn, out)
	}
	return nil
}

// gather retrieves, detects and evaluates for one plan without touching the review
func (o *Orchestrator) gather(ctx context.Context, p plan, known []types.KnowledgeConflict) (*outcome, error) {
	out := &outcome{plan: p, skipped: make(map[string]string), evaluated: make(map[string]bool)}
	byItem := make(map[string]int)

	for _, sq := range p.queries {
		if strings.TrimSpace(sq.text) == "" {
			continue
		}
		res, err := o.deps.Retriever.Retrieve(ctx, types.KnowledgeQuery{
			Query:         sq.text,
			Context:       sq.ctx,
			RetrievalType: sq.method,
			Filters:       types.QueryFilters{Types: sq.types},
		})
		if err != nil {
			if errors.Is(err, apierr.ErrInvalidQuery) {
				o.log.Warn("stage query rejected", "stage", p.stage, "error", err)
				continue
			}
			return nil, err
		}
		qr := queryRun{query: res.Query, items: res.Items}
		for _, s := range res.Skipped {
			out.skipped[s.SourceID] = s.Reason
			qr.skipped = append(qr.skipped, s.SourceID)
		}
		out.runs = append(out.runs, qr)

		for _, rk := range res.Items {
			if i, ok := byItem[rk.Item.ID]; ok {
				if rk.RelevanceScore > out.candidates[i].RelevanceScore {
					out.candidates[i] = rk
				}
				continue
			}
			byItem[rk.Item.ID] = len(out.candidates)
			out.candidates = append(out.candidates, rk)
		}
	}

	conflicts, marked := o.deps.Detector.Detect(out.candidates, p.at)
	out.conflicts = conflicts
	out.candidates = conflict.Select(marked, append(append([]types.KnowledgeConflict(nil), known...), conflicts...))
	o.evaluate(out, out.candidates)
	return out, nil
}

// evaluate checks the used, not yet evaluated policies of out against its code
func (o *Orchestrator) evaluate(out *outcome, candidates []types.RetrievedKnowledge) {
	var policies []types.KnowledgeItem
	for _, rk := range conflict.Used(candidates) {
		if out.evaluated[rk.Item.ID] {
			continue
		}
		out.evaluated[rk.Item.ID] = true
		policies = append(policies, rk.Item)
	}
	if len(policies) == 0 {
		return
	}
	for _, code := range out.plan.code {
		res := o.deps.Evaluator.Evaluate(code, policies)
		out.violations = append(out.violations, res.Violations...)
		out.unevaluable = append(out.unevaluable, res.Skipped...)
	}
}

// merge folds an outcome into the review and records its steps
func (o *Orchestrator) merge(ctx context.Context, rn *run, out *outcome) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	stage := string(out.plan.stage)

	for _, rk := range out.candidates {
		rn.items[rk.Item.ID] = rk.Item
	}

	used := make(map[string]types.RetrievedKnowledge, len(out.candidates))
	for _, rk := range out.candidates {
		used[rk.Item.ID] = rk
	}
	for _, qr := range out.runs {
		results := make([]types.RetrievedKnowledge, len(qr.items))
		var selected []types.RetrievedKnowledge
		total := 0.0
		for i, rk := range qr.items {
			if m, ok := used[rk.Item.ID]; ok {
				rk.UsedInReasoning = m.UsedInReasoning
				rk.ConflictsWith = m.ConflictsWith
			}
			results[i] = rk
			if rk.UsedInReasoning {
				selected = append(selected, rk)
				total += rk.RelevanceScore
			}
		}
		confidence := 0.0
		if len(selected) > 0 {
			confidence = round2(total / float64(len(selected)))
		}
		reasoning := fmt.Sprintf("%d of %d results kept for %s", len(selected), len(results), out.plan.label)
		if len(qr.skipped) > 0 {
			reasoning += fmt.Sprintf("; sources skipped: %s", strings.Join(qr.skipped, ", "))
		}
		o.appendStepLocked(ctx, rn, types.ChainOfThoughtStep{
			Type:       types.StepAction,
			ActionType: "knowledge_retrieval",
			Content:    fmt.Sprintf("Queried %s knowledge for %s", qr.query.RetrievalType, out.plan.label),
			Context:    stage,
			Metadata:   location(out.plan.at),
			KnowledgeRetrieval: &types.KnowledgeRetrievalStep{
				ID:               qr.query.ID,
				Timestamp:        rn.offset(o.now()),
				Query:            qr.query,
				Results:          results,
				Selected:         nonNilSlice(selected),
				Reasoning:        reasoning,
				Confidence:       confidence,
				ImpactOnDecision: impactOf(selected),
			},
			KnowledgeConfidence: confidence,
		})
	}

	sourceIDs := make([]string, 0, len(out.skipped))
	for id := range out.skipped {
		sourceIDs = append(sourceIDs, id)
	}
	sort.Strings(sourceIDs)
	for _, id := range sourceIDs {
		rn.addWarningLocked(types.ReviewWarning{
			Code:     types.WarnSourceUnavailable,
			Message:  fmt.Sprintf("knowledge source %s did not respond: %s", id, out.skipped[id]),
			Stage:    stage,
			SourceID: id,
		})
	}

	for _, c := range out.conflicts {
		o.mergeConflictLocked(ctx, rn, c)
	}
	o.recordEvaluationLocked(ctx, rn, out, out.violations, out.unevaluable)
	out.violations, out.unevaluable = nil, nil
}

// mergeConflictLocked adds c unless the same items already conflict. A known
// conflict is upgraded when c is anchored more severely.
func (o *Orchestrator) mergeConflictLocked(ctx context.Context, rn *run, c types.KnowledgeConflict) {
	r := rn.review
	key := conflictKey(c)
	if idx, ok := rn.conflictBy[key]; ok {
		known := &r.Conflicts[idx]
		if known.Status == types.ConflictResolved || impactRank(c.Impact) <= impactRank(known.Impact) {
			return
		}
		known.Impact = c.Impact
		known.Context = c.Context
		known.HumanReviewRequired = c.HumanReviewRequired
		o.saveConflictLocked(ctx, rn, idx)
		return
	}

	rn.conflictBy[key] = len(r.Conflicts)
	r.Conflicts = append(r.Conflicts, c)
	o.saveConflictLocked(ctx, rn, len(r.Conflicts)-1)
	o.appendStepLocked(ctx, rn, types.ChainOfThoughtStep{
		Type:                 types.StepObservation,
		Content:              fmt.Sprintf("Knowledge conflict: %s (%s severity, %s)", c.Title, c.Severity, c.Impact),
		Context:              c.Context.ReviewStep,
		Metadata:             location(conflict.Context{File: c.Context.File, Line: c.Context.Line}),
		ConflictingKnowledge: append([]string(nil), c.ItemIDs...),
	})
	o.log.Info("knowledge conflict detected",
		"review_id", r.ID, "conflict_id", c.ID, "severity", c.Severity, "impact", c.Impact)
}

func (o *Orchestrator) recordEvaluationLocked(ctx context.Context, rn *run, out *outcome, violations []types.PolicyViolation, skipped []policy.Skipped) {
	added := 0
	var applied []string
	seen := make(map[string]bool)
	for _, v := range violations {
		if rn.addViolationLocked(v) {
			added++
		}
		if !seen[v.PolicyID] {
			seen[v.PolicyID] = true
			applied = append(applied, v.PolicyID)
		}
	}
	for _, s := range skipped {
		rn.addWarningLocked(types.ReviewWarning{
			Code:     types.WarnPolicyUnevaluable,
			Message:  s.Reason,
			Stage:    string(out.plan.stage),
			PolicyID: s.PolicyID,
		})
	}
	if added == 0 {
		return
	}
	o.appendStepLocked(ctx, rn, types.ChainOfThoughtStep{
		Type:            types.StepObservation,
		Content:         fmt.Sprintf("Found %d policy violations in %s", added, out.plan.label),
		Context:         string(out.plan.stage),
		Metadata:        location(out.plan.at),
		AppliedPolicies: applied,
		Confidence:      maxConfidence(violations),
	})
}

// awaitResolution parks the run while a blocking conflict is open
func (o *Orchestrator) awaitResolution(ctx context.Context, rn *run) error {
	for {
		rn.mu.Lock()
		blocking := rn.review.BlockingConflicts()
		if len(blocking) == 0 {
			if rn.review.Status == types.ReviewBlocked {
				o.setStatusLocked(ctx, rn, types.ReviewRunning)
			}
			rn.mu.Unlock()
			return nil
		}
		if rn.review.Status != types.ReviewBlocked {
			titles := make([]string, len(blocking))
			var ids []string
			for i, c := range blocking {
				titles[i] = c.Title
				ids = append(ids, c.ItemIDs...)
			}
			o.appendStepLocked(ctx, rn, types.ChainOfThoughtStep{
				Type:                 types.StepReflection,
				Content:              "Authoritative sources disagree and a human decision is required before continuing: " + strings.Join(titles, "; "),
				Context:              string(rn.review.Stage),
				ConflictingKnowledge: ids,
			})
			o.setStatusLocked(ctx, rn, types.ReviewBlocked)
		}
		rn.mu.Unlock()

		select {
		case <-rn.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// release evaluates knowledge that a resolution made usable
func (o *Orchestrator) release(ctx context.Context, rn *run, out *outcome) {
	current := rn.conflicts()
	out.candidates = conflict.Select(out.candidates, current)
	o.evaluate(out, out.candidates)
	if len(out.violations) == 0 && len(out.unevaluable) == 0 {
		return
	}
	rn.mu.Lock()
	defer rn.mu.Unlock()
	o.recordEvaluationLocked(ctx, rn, out, out.violations, out.unevaluable)
	out.violations, out.unevaluable = nil, nil
}

func fileCode(f types.ChangedFile) []policy.CodeContext {
	out := make([]policy.CodeContext, 0, len(f.Hunks))
	for _, h := range f.Hunks {
		if h.Snippet == "" {
			continue
		}
		out = append(out, policy.CodeContext{File: f.Path, Line: h.StartLine, Snippet: h.Snippet})
	}
	return out
}

func allCode(files []types.ChangedFile) []policy.CodeContext {
	var out []policy.CodeContext
	for _, f := range files {
		out = append(out, fileCode(f)...)
	}
	return out
}

var languageByExt = map[string]string{
	".ts": "typescript", ".tsx": "typescript react", ".js": "javascript", ".jsx": "javascript react",
	".go": "go golang", ".py": "python", ".java": "java", ".rb": "ruby", ".rs": "rust",
	".sql": "sql database", ".json": "json config configuration", ".yaml": "yaml config configuration",
	".yml": "yaml config configuration", ".md": "documentation",
}

// languages names the languages of files, in first-seen order
func languages(files []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, f := range files {
		lang, ok := languageByExt[strings.ToLower(path.Ext(f))]
		if !ok || seen[lang] {
			continue
		}
		seen[lang] = true
		out = append(out, lang)
	}
	return out
}

func isImport(line string) bool {
	l := strings.TrimSpace(line)
	return strings.HasPrefix(l, "import ") || strings.HasPrefix(l, "from ") ||
		strings.Contains(l, "require(") || strings.HasPrefix(l, "use ")
}

func isTestFile(p string) bool {
	base := strings.ToLower(path.Base(p))
	return strings.Contains(base, "_test.") || strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.") || strings.HasPrefix(base, "test_") ||
		strings.Contains(p, "__tests__/")
}

func isSourceFile(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".ts", ".tsx", ".js", ".jsx", ".go", ".py", ".java", ".rb", ".rs":
		return true
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func location(at conflict.Context) *types.StepMetadata {
	if at.File == "" {
		return nil
	}
	return &types.StepMetadata{File: at.File, Line: at.Line}
}

func impactOf(selected []types.RetrievedKnowledge) types.ImpactLevel {
	best := 0.0
	for _, rk := range selected {
		if rk.RelevanceScore > best {
			best = rk.RelevanceScore
		}
	}
	switch {
	case len(selected) == 0:
		return types.ImpactNone
	case best >= 0.6:
		return types.ImpactHigh
	case best >= 0.3:
		return types.ImpactMedium
	default:
		return types.ImpactLow
	}
}

func impactRank(i types.ConflictImpact) int {
	switch i {
	case types.ImpactBlocksReview:
		return 3
	case types.ImpactRequiresClarification:
		return 2
	case types.ImpactInformational:
		return 1
	}
	return 0
}

func maxConfidence(vs []types.PolicyViolation) float64 {
	best := 0.0
	for _, v := range vs {
		if v.Confidence > best {
			best = v.Confidence
		}
	}
	return best
}

func nonNilSlice(in []types.RetrievedKnowledge) []types.RetrievedKnowledge {
	if in == nil {
		return []types.RetrievedKnowledge{}
	}
	return in
}
