package nats

import (
	"fmt"
	"strings"
	"time"

	"github.com/PRSENTINEL/internal/types"
)

// Stream names
const (
	StreamReviews   = "REVIEWS"
	StreamKnowledge = "KNOWLEDGE"
)

// Subject pattern constants for NATS messaging
const (
	// SubjectReview is the pattern for review events.
	// Use ReviewSubject(prID, kind) to build one.
	SubjectReview = "prsentinel.review.%s.%s"

	// SubjectKnowledgeSync is the pattern for source sync outcomes
	SubjectKnowledgeSync = "prsentinel.knowledge.%s.sync"

	// SubjectAllReviews subscribes to every review event
	SubjectAllReviews = "prsentinel.review.>"

	// SubjectAllKnowledge subscribes to every knowledge event
	SubjectAllKnowledge = "prsentinel.knowledge.>"

	// SubjectCmdStartReview starts a review (request/reply)
	SubjectCmdStartReview = "prsentinel.cmd.review.start"

	// SubjectCmdCancelReview cancels a review (request/reply)
	SubjectCmdCancelReview = "prsentinel.cmd.review.cancel"

	// SubjectCmdResolveConflict resolves a blocking conflict (request/reply)
	SubjectCmdResolveConflict = "prsentinel.cmd.review.resolve"

	// SubjectCmdSyncSource triggers a knowledge source sync (request/reply)
	SubjectCmdSyncSource = "prsentinel.cmd.knowledge.sync"
)

// ReviewSubject builds the subject for one review event kind
func ReviewSubject(prID, kind string) string {
	return fmt.Sprintf(SubjectReview, token(prID), token(kind))
}

// KnowledgeSyncSubject builds the subject for one source's sync outcome
func KnowledgeSyncSubject(sourceID string) string {
	return fmt.Sprintf(SubjectKnowledgeSync, token(sourceID))
}

// token makes s safe as a single subject token
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// EventMessage is the envelope republished for every domain event
type EventMessage struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Target    string                 `json:"target"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// StartReviewCommand asks the engine to start a review
type StartReviewCommand struct {
	Request types.ReviewRequest `json:"request"`
}

// CancelReviewCommand asks the engine to cancel a running review
type CancelReviewCommand struct {
	PRID string `json:"pr_id"`
}

// ResolveConflictCommand records a human decision on a conflict
type ResolveConflictCommand struct {
	PRID       string                   `json:"pr_id"`
	ConflictID string                   `json:"conflict_id"`
	Resolution types.ConflictResolution `json:"resolution"`
}

// SyncSourceCommand triggers a source sync
type SyncSourceCommand struct {
	SourceID string `json:"source_id"`
}

// CommandReply answers every command
type CommandReply struct {
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Review    *types.Review          `json:"review,omitempty"`
	Source    *types.KnowledgeSource `json:"source,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
