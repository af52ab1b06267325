package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/PRSENTINEL/internal/apierr"
	"github.com/PRSENTINEL/internal/logger"
	"github.com/PRSENTINEL/internal/types"
	"github.com/nats-io/nats.go"
)

// HandlerCallbacks defines callbacks the handler uses to reach the engine
type HandlerCallbacks struct {
	OnStartReview     func(ctx context.Context, req types.ReviewRequest) (*types.Review, error)
	OnCancelReview    func(ctx context.Context, prID string) (*types.Review, error)
	OnResolveConflict func(ctx context.Context, prID, conflictID string, res types.ConflictResolution) (*types.Review, error)
	OnSyncSource      func(ctx context.Context, sourceID string) (types.KnowledgeSource, error)
}

// Handler serves engine commands received over NATS
type Handler struct {
	client    *Client
	callbacks HandlerCallbacks
	log       *logger.Logger
	timeout   time.Duration

	subs   []*nats.Subscription
	subsMu sync.Mutex

	running bool
}

// NewHandler creates a new NATS command handler
func NewHandler(client *Client, callbacks HandlerCallbacks, log *logger.Logger) *Handler {
	return &Handler{
		client:    client,
		callbacks: callbacks,
		log:       logger.OrNop(log).With("component", "nats-handler"),
		timeout:   30 * time.Second,
		subs:      make([]*nats.Subscription, 0),
	}
}

// Start subscribes to the command subjects
func (h *Handler) Start() error {
	if h.running {
		return fmt.Errorf("handler already running")
	}

	routes := []struct {
		subject string
		fn      func(*Message)
	}{
		{SubjectCmdStartReview, h.handleStartReview},
		{SubjectCmdCancelReview, h.handleCancelReview},
		{SubjectCmdResolveConflict, h.handleResolveConflict},
		{SubjectCmdSyncSource, h.handleSyncSource},
	}
	for _, r := range routes {
		sub, err := h.client.QueueSubscribe(r.subject, "prsentinel", r.fn)
		if err != nil {
			h.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", r.subject, err)
		}
		h.addSub(sub)
	}

	h.running = true
	h.log.Info("command handler started")
	return nil
}

// Stop terminates message processing
func (h *Handler) Stop() {
	h.subsMu.Lock()
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.subs = nil
	h.subsMu.Unlock()

	if h.running {
		h.running = false
		h.log.Info("command handler stopped")
	}
}

func (h *Handler) addSub(sub *nats.Subscription) {
	h.subsMu.Lock()
	h.subs = append(h.subs, sub)
	h.subsMu.Unlock()
}

func (h *Handler) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.timeout)
}

func (h *Handler) handleStartReview(msg *Message) {
	var cmd StartReviewCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		h.replyError(msg.Reply, apierr.New(http.StatusBadRequest, "invalid_request", err))
		return
	}
	if h.callbacks.OnStartReview == nil {
		h.replyError(msg.Reply, fmt.Errorf("no review handler configured"))
		return
	}
	ctx, cancel := h.context()
	defer cancel()
	review, err := h.callbacks.OnStartReview(ctx, cmd.Request)
	h.replyReview(msg.Reply, review, err)
}

func (h *Handler) handleCancelReview(msg *Message) {
	var cmd CancelReviewCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		h.replyError(msg.Reply, apierr.New(http.StatusBadRequest, "invalid_request", err))
		return
	}
	if h.callbacks.OnCancelReview == nil {
		h.replyError(msg.Reply, fmt.Errorf("no review handler configured"))
		return
	}
	ctx, cancel := h.context()
	defer cancel()
	review, err := h.callbacks.OnCancelReview(ctx, cmd.PRID)
	h.replyReview(msg.Reply, review, err)
}

func (h *Handler) handleResolveConflict(msg *Message) {
	var cmd ResolveConflictCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		h.replyError(msg.Reply, apierr.New(http.StatusBadRequest, "invalid_request", err))
		return
	}
	if h.callbacks.OnResolveConflict == nil {
		h.replyError(msg.Reply, fmt.Errorf("no review handler configured"))
		return
	}
	ctx, cancel := h.context()
	defer cancel()
	review, err := h.callbacks.OnResolveConflict(ctx, cmd.PRID, cmd.ConflictID, cmd.Resolution)
	h.replyReview(msg.Reply, review, err)
}

func (h *Handler) handleSyncSource(msg *Message) {
	var cmd SyncSourceCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		h.replyError(msg.Reply, apierr.New(http.StatusBadRequest, "invalid_request", err))
		return
	}
	if h.callbacks.OnSyncSource == nil {
		h.replyError(msg.Reply, fmt.Errorf("no sync handler configured"))
		return
	}
	ctx, cancel := h.context()
	defer cancel()
	src, err := h.callbacks.OnSyncSource(ctx, cmd.SourceID)
	if err != nil {
		h.replyError(msg.Reply, err)
		return
	}
	h.reply(msg.Reply, CommandReply{Success: true, Source: &src, Timestamp: time.Now().UTC()})
}

func (h *Handler) replyReview(subject string, review *types.Review, err error) {
	if err != nil {
		h.replyError(subject, err)
		return
	}
	h.reply(subject, CommandReply{Success: true, Review: review, Timestamp: time.Now().UTC()})
}

// reply sends a JSON response to a reply subject
func (h *Handler) reply(subject string, data interface{}) {
	if subject == "" {
		return
	}
	if err := h.client.PublishJSON(subject, data); err != nil {
		h.log.Warn("failed to send reply", "subject", subject, "error", err)
	}
}

// replyError sends an error response carrying the api error code
func (h *Handler) replyError(subject string, err error) {
	h.log.Debug("command failed", "error", err)
	h.reply(subject, CommandReply{
		Success:   false,
		Error:     err.Error(),
		Code:      apierr.CodeOf(err),
		Timestamp: time.Now().UTC(),
	})
}
