// Package review drives a pull request through the staged review state machine,
// recording every reasoning step and pausing on conflicts that need a human.
package review

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PRSENTINEL/internal/apierr"
	"github.com/PRSENTINEL/internal/config"
	"github.com/PRSENTINEL/internal/conflict"
	"github.com/PRSENTINEL/internal/criteria"
	"github.com/PRSENTINEL/internal/events"
	"github.com/PRSENTINEL/internal/logger"
	"github.com/PRSENTINEL/internal/policy"
	"github.com/PRSENTINEL/internal/retrieval"
	"github.com/PRSENTINEL/internal/types"
)

var tracer = otel.Tracer("github.com/PRSENTINEL/internal/review")

var (
	errCancelled = errors.New("review cancelled")
	errShutdown  = errors.New("review engine shutting down")
)

// Retriever runs knowledge queries
type Retriever interface {
	Retrieve(ctx context.Context, q types.KnowledgeQuery) (retrieval.Result, error)
}

// Detector finds contradictions among retrieved knowledge
type Detector interface {
	Detect(candidates []types.RetrievedKnowledge, at conflict.Context) ([]types.KnowledgeConflict, []types.RetrievedKnowledge)
}

// Evaluator checks code against policy items
type Evaluator interface {
	Evaluate(code policy.CodeContext, policies []types.KnowledgeItem) policy.Outcome
}

// Recorder persists review state as it changes
type Recorder interface {
	SaveReview(ctx context.Context, r *types.Review) error
	AppendStep(ctx context.Context, reviewID string, seq int, step types.ChainOfThoughtStep) error
	SaveConflict(ctx context.Context, reviewID string, seq int, c types.KnowledgeConflict) error
	LatestReview(ctx context.Context, prID string) (*types.Review, error)
}

// Publisher fans review events out to subscribers
type Publisher interface {
	Publish(event *events.Event)
}

// Observer is told about every review status change
type Observer interface {
	ObserveReview(r *types.Review)
}

// Deps are the collaborators of the orchestrator. Recorder, Events and
// Observer are optional.
type Deps struct {
	Retriever Retriever
	Detector  Detector
	Evaluator Evaluator
	Recorder  Recorder
	Events    Publisher
	Observer  Observer
}

// Options tune the orchestrator
type Options struct {
	DefaultMode     string
	FileConcurrency int
	Weights         map[string]config.Weights
}

// Orchestrator runs reviews
type Orchestrator struct {
	deps Deps
	opts Options
	log  *logger.Logger
	now  func() time.Time

	base context.Context
	stop context.CancelCauseFunc
	wg   sync.WaitGroup

	mu   sync.Mutex
	byPR map[string]*run
}

// New creates an orchestrator
func New(deps Deps, opts Options, log *logger.Logger) *Orchestrator {
	if opts.FileConcurrency <= 0 {
		opts.FileConcurrency = 4
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = string(criteria.ModeComprehensive)
	}
	if opts.Weights == nil {
		opts.Weights = config.DefaultWeights()
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Orchestrator{
		deps: deps,
		opts: opts,
		log:  logger.OrNop(log),
		now:  func() time.Time { return time.Now().UTC() },
		base: base,
		stop: stop,
		byPR: make(map[string]*run),
	}
}

// SetClock replaces the time source
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Start launches a review in the background and returns it in pending state
func (o *Orchestrator) Start(ctx context.Context, req types.ReviewRequest) (*types.Review, error) {
	rn, runCtx, err := o.prepare(ctx, o.base, req)
	if err != nil {
		return nil, err
	}
	snap := rn.snapshot()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer rn.cancel(nil)
		_ = o.execute(runCtx, rn)
	}()
	return snap, nil
}

// Run reviews synchronously. A blocked review waits for ResolveConflict or
// for ctx to end.
func (o *Orchestrator) Run(ctx context.Context, req types.ReviewRequest) (*types.Review, error) {
	rn, runCtx, err := o.prepare(ctx, ctx, req)
	if err != nil {
		return nil, err
	}
	defer rn.cancel(nil)

	o.wg.Add(1)
	defer o.wg.Done()
	err = o.execute(runCtx, rn)
	return rn.snapshot(), err
}

// Replay re-runs the latest stored request for prID under another criteria mode
func (o *Orchestrator) Replay(ctx context.Context, prID, mode string) (*types.Review, error) {
	prev, err := o.Get(ctx, prID)
	if err != nil {
		return nil, err
	}
	if !prev.Status.Terminal() {
		return nil, apierr.InvalidState("review for %s is still %s", prID, prev.Status)
	}
	req := prev.Request
	req.Mode = mode
	return o.Start(ctx, req)
}

// Get returns the latest review for prID, live or stored
func (o *Orchestrator) Get(ctx context.Context, prID string) (*types.Review, error) {
	o.mu.Lock()
	rn := o.byPR[prID]
	o.mu.Unlock()
	if rn != nil {
		return rn.snapshot(), nil
	}
	if o.deps.Recorder != nil {
		return o.deps.Recorder.LatestReview(ctx, prID)
	}
	return nil, apierr.NotFound("no review for %s", prID)
}

// Cancel abandons an unfinished review. It waits for the run to settle and
// returns its final state.
func (o *Orchestrator) Cancel(ctx context.Context, prID string) (*types.Review, error) {
	o.mu.Lock()
	rn := o.byPR[prID]
	o.mu.Unlock()
	if rn == nil {
		return nil, apierr.NotFound("no active review for %s", prID)
	}
	if snap := rn.snapshot(); snap.Status.Terminal() {
		return nil, apierr.InvalidState("review for %s is already %s", prID, snap.Status)
	}
	rn.cancel(errCancelled)
	select {
	case <-rn.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return rn.snapshot(), nil
}

// ResolveConflict records a decision on a blocking conflict. Resolving the
// last blocking conflict resumes the review; escalation keeps it blocked.
func (o *Orchestrator) ResolveConflict(ctx context.Context, prID, conflictID string, res types.ConflictResolution) (*types.Review, error) {
	o.mu.Lock()
	rn := o.byPR[prID]
	o.mu.Unlock()
	if rn == nil {
		return nil, o.resolveStored(ctx, prID, conflictID)
	}

	rn.mu.Lock()
	defer rn.mu.Unlock()
	r := rn.review

	idx := -1
	for i := range r.Conflicts {
		if r.Conflicts[i].ID == conflictID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, apierr.NotFound("conflict %s does not belong to the review for %s", conflictID, prID)
	}
	c := &r.Conflicts[idx]

	res.ConflictID = conflictID
	if n := len(c.Resolutions); n > 0 && c.Resolutions[n-1].Same(res) {
		return nil, apierr.InvalidState("conflict %s already carries resolution %s", conflictID, res.Resolution)
	}
	if r.Status != types.ReviewBlocked || !c.Blocking() {
		return nil, apierr.InvalidState("review for %s is not blocked on conflict %s", prID, conflictID)
	}
	if err := completeResolution(&res, c, o.now()); err != nil {
		return nil, err
	}

	c.Resolutions = append(c.Resolutions, res)
	if res.Resolution == types.ResolveEscalate {
		c.Status = types.ConflictEscalated
	} else {
		c.Status = types.ConflictResolved
	}
	r.UpdatedAt = o.now()
	o.saveConflictLocked(ctx, rn, idx)

	content := fmt.Sprintf("Conflict %q %s by %s", c.Title, resolutionVerb(res), res.ResolvedBy)
	if res.Reasoning != "" {
		content += ": " + res.Reasoning
	}
	o.appendStepLocked(ctx, rn, types.ChainOfThoughtStep{
		Type:                 types.StepDecision,
		Content:              content,
		Context:              "conflict_resolution",
		ActionType:           "resolve_conflict",
		ConflictingKnowledge: append([]string(nil), c.ItemIDs...),
	})
	o.log.Info("conflict resolution recorded",
		"review_id", r.ID, "conflict_id", conflictID, "resolution", res.Resolution)

	rn.signal()
	return cloneReview(r), nil
}

// resolveStored answers a resolution for a review that is no longer live
func (o *Orchestrator) resolveStored(ctx context.Context, prID, conflictID string) error {
	if o.deps.Recorder == nil {
		return apierr.NotFound("no active review for %s", prID)
	}
	r, err := o.deps.Recorder.LatestReview(ctx, prID)
	if err != nil {
		return err
	}
	for _, c := range r.Conflicts {
		if c.ID == conflictID {
			return apierr.InvalidState("review for %s is %s, not blocked on conflict %s", prID, r.Status, conflictID)
		}
	}
	return apierr.NotFound("conflict %s does not belong to the review for %s", conflictID, prID)
}

func completeResolution(res *types.ConflictResolution, c *types.KnowledgeConflict, now time.Time) error {
	switch res.Resolution {
	case types.ResolveSourceA, types.ResolveSourceB:
		i := 0
		if res.Resolution == types.ResolveSourceB {
			i = 1
		}
		if i >= len(c.ItemIDs) {
			return apierr.New(http.StatusBadRequest, "invalid_resolution",
				fmt.Errorf("conflict %s has no %s", c.ID, res.Resolution))
		}
		if res.WinningItemID == "" {
			res.WinningItemID = c.ItemIDs[i]
		}
	case types.ResolveCustom:
		if strings.TrimSpace(res.CustomGuidance) == "" {
			return apierr.New(http.StatusBadRequest, "invalid_resolution",
				errors.New("custom resolution requires guidance"))
		}
	case types.ResolveEscalate:
	default:
		return apierr.New(http.StatusBadRequest, "invalid_resolution",
			fmt.Errorf("unknown resolution %q", res.Resolution))
	}
	if res.WinningItemID != "" {
		found := false
		for _, id := range c.ItemIDs {
			found = found || id == res.WinningItemID
		}
		if !found {
			return apierr.New(http.StatusBadRequest, "invalid_resolution",
				fmt.Errorf("item %s is not part of conflict %s", res.WinningItemID, c.ID))
		}
	}
	if res.ResolvedBy == "" {
		res.ResolvedBy = "human"
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = now
	}
	return nil
}

func resolutionVerb(res types.ConflictResolution) string {
	switch res.Resolution {
	case types.ResolveEscalate:
		return "escalated"
	case types.ResolveCustom:
		return "resolved with custom guidance"
	default:
		return "resolved in favour of " + res.WinningItemID
	}
}

// Shutdown stops background reviews and waits for them to settle
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop(errShutdown)
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepare validates req and registers the run under its PR. The run's context
// derives from parent and can be cancelled as soon as the run is visible.
func (o *Orchestrator) prepare(ctx, parent context.Context, req types.ReviewRequest) (*run, context.Context, error) {
	req.PRID = strings.TrimSpace(req.PRID)
	if req.PRID == "" {
		return nil, nil, apierr.New(http.StatusBadRequest, "invalid_request", errors.New("pr_id is required"))
	}
	for i, f := range req.Files {
		if strings.TrimSpace(f.Path) == "" {
			return nil, nil, apierr.New(http.StatusBadRequest, "invalid_request", fmt.Errorf("file %d has no path", i))
		}
	}
	crit, err := criteria.Resolve(req.Mode, req.CriteriaText, o.opts.Weights, o.opts.DefaultMode)
	if err != nil {
		return nil, nil, err
	}
	req.Mode = string(crit.Mode)

	now := o.now()
	r := &types.Review{
		ID:         uuid.New().String(),
		PRID:       req.PRID,
		Request:    req,
		Status:     types.ReviewPending,
		Stage:      types.StageContextGathering,
		Trace:      make([]types.ChainOfThoughtStep, 0),
		Conflicts:  make([]types.KnowledgeConflict, 0),
		Violations: make([]types.PolicyViolation, 0),
		Warnings:   make([]types.ReviewWarning, 0),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	rn := newRun(r, crit, now)
	runCtx, cancel := context.WithCancelCause(parent)
	rn.cancel = cancel

	o.mu.Lock()
	if prev := o.byPR[req.PRID]; prev != nil {
		if snap := prev.snapshot(); !snap.Status.Terminal() {
			o.mu.Unlock()
			cancel(nil)
			return nil, nil, apierr.InvalidState("review for %s is already %s", req.PRID, snap.Status)
		}
	}
	o.byPR[req.PRID] = rn
	o.mu.Unlock()

	rn.mu.Lock()
	o.saveHeaderLocked(ctx, rn)
	rn.mu.Unlock()
	o.log.Info("review created", "review_id", r.ID, "pr_id", r.PRID, "mode", crit.Mode, "files", len(req.Files))
	return rn, runCtx, nil
}

// execute walks the stages and settles the terminal status
func (o *Orchestrator) execute(ctx context.Context, rn *run) (err error) {
	defer close(rn.done)

	snap := rn.snapshot()
	ctx, span := tracer.Start(ctx, "review.run", trace.WithAttributes(
		attribute.String("review.id", snap.ID),
		attribute.String("review.pr_id", snap.PRID),
		attribute.String("review.mode", string(rn.criteria.Mode)),
	))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("review panicked: %v", p)
			o.fail(rn, err)
		}
	}()

	o.setStatus(ctx, rn, types.ReviewRunning)
	err = o.stages(ctx, rn)
	switch {
	case err == nil:
	case ctx.Err() != nil && !errors.Is(context.Cause(ctx), errShutdown):
		o.settle(rn, types.ReviewCancelled, "Review cancelled before completion; no result was produced")
		span.SetStatus(codes.Error, "cancelled")
		err = nil
	default:
		if cause := context.Cause(ctx); ctx.Err() != nil && cause != nil {
			err = cause
		}
		o.fail(rn, err)
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	return err
}

func (o *Orchestrator) fail(rn *run, err error) {
	rn.mu.Lock()
	rn.addWarningLocked(types.ReviewWarning{Code: "review_failed", Message: err.Error(), Stage: string(rn.review.Stage)})
	rn.mu.Unlock()
	o.log.Error("review failed", "pr_id", rn.review.PRID, "error", err)
	o.settle(rn, types.ReviewFailed, "Review stopped: "+err.Error())
}

// settle records a final reflection and moves the review to a terminal status
func (o *Orchestrator) settle(rn *run, status types.ReviewStatus, note string) {
	ctx := context.Background()
	rn.mu.Lock()
	o.appendStepLocked(ctx, rn, types.ChainOfThoughtStep{Type: types.StepReflection, Content: note, Context: string(status)})
	rn.mu.Unlock()
	o.setStatus(ctx, rn, status)
}

// setStatus persists and announces a status change
func (o *Orchestrator) setStatus(ctx context.Context, rn *run, status types.ReviewStatus) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	o.setStatusLocked(ctx, rn, status)
}

func (o *Orchestrator) setStatusLocked(ctx context.Context, rn *run, status types.ReviewStatus) {
	r := rn.review
	if r.Status == status {
		return
	}
	r.Status = status
	r.UpdatedAt = o.now()
	o.saveHeaderLocked(ctx, rn)
	if o.deps.Observer != nil {
		o.deps.Observer.ObserveReview(cloneReview(r))
	}
	o.publish(events.EventReviewStatus, r.PRID, events.PriorityHigh, map[string]interface{}{
		"review_id": r.ID,
		"status":    string(status),
		"stage":     string(r.Stage),
	})
	o.log.Info("review status changed", "review_id", r.ID, "pr_id", r.PRID, "status", status, "stage", r.Stage)
}

func (o *Orchestrator) setStageLocked(ctx context.Context, rn *run, stage types.Stage) {
	rn.review.Stage = stage
	rn.review.UpdatedAt = o.now()
	o.saveHeaderLocked(ctx, rn)
}

// appendStepLocked stamps, stores and announces a trace step
func (o *Orchestrator) appendStepLocked(ctx context.Context, rn *run, step types.ChainOfThoughtStep) {
	r := rn.review
	seq := len(r.Trace)
	step.ID = fmt.Sprintf("step-%03d", seq+1)
	step.Timestamp = rn.offset(o.now())
	r.Trace = append(r.Trace, step)

	if o.deps.Recorder != nil {
		if err := o.deps.Recorder.AppendStep(context.WithoutCancel(ctx), r.ID, seq, step); err != nil {
			o.persistFailedLocked(rn, err)
		}
	}
	o.publish(events.EventReviewStep, r.PRID, events.PriorityNormal, map[string]interface{}{
		"review_id": r.ID,
		"seq":       seq,
		"step":      step,
	})
}

func (o *Orchestrator) saveHeaderLocked(ctx context.Context, rn *run) {
	if o.deps.Recorder == nil {
		return
	}
	if err := o.deps.Recorder.SaveReview(context.WithoutCancel(ctx), rn.review); err != nil {
		o.persistFailedLocked(rn, err)
	}
}

func (o *Orchestrator) saveConflictLocked(ctx context.Context, rn *run, idx int) {
	r := rn.review
	c := r.Conflicts[idx]
	if o.deps.Recorder != nil {
		if err := o.deps.Recorder.SaveConflict(context.WithoutCancel(ctx), r.ID, idx, c); err != nil {
			o.persistFailedLocked(rn, err)
		}
	}
	o.publish(events.EventReviewConflict, r.PRID, events.PriorityHigh, map[string]interface{}{
		"review_id":   r.ID,
		"conflict_id": c.ID,
		"title":       c.Title,
		"status":      string(c.Status),
		"severity":    string(c.Severity),
		"impact":      string(c.Impact),
	})
}

func (o *Orchestrator) persistFailedLocked(rn *run, err error) {
	o.log.Error("review state not persisted", "review_id", rn.review.ID, "error", err)
	rn.addWarningLocked(types.ReviewWarning{
		Code:    types.WarnPersistence,
		Message: "part of the review could not be persisted; the stored trace may be incomplete",
	})
}

func (o *Orchestrator) publish(kind events.EventType, target string, priority int, payload map[string]interface{}) {
	if o.deps.Events == nil {
		return
	}
	o.deps.Events.Publish(events.NewEvent(kind, "orchestrator", target, priority, payload))
}
