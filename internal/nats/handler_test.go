package nats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/PRSENTINEL/internal/apierr"
	"github.com/PRSENTINEL/internal/types"
)

func requestJSON(t *testing.T, client *Client, subject string, req interface{}) CommandReply {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := client.RawConn().Request(subject, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request to %s failed: %v", subject, err)
	}
	var reply CommandReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("invalid reply from %s: %v", subject, err)
	}
	return reply
}

func TestHandler_Commands(t *testing.T) {
	srv := startTestServer(t, false)
	client, err := NewClient(srv.URL(), nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	var resolved types.ConflictResolution
	h := NewHandler(client, HandlerCallbacks{
		OnStartReview: func(ctx context.Context, req types.ReviewRequest) (*types.Review, error) {
			return &types.Review{ID: "r1", PRID: req.PRID, Status: types.ReviewRunning}, nil
		},
		OnCancelReview: func(ctx context.Context, prID string) (*types.Review, error) {
			return nil, apierr.NotFound("review for %s", prID)
		},
		OnResolveConflict: func(ctx context.Context, prID, conflictID string, res types.ConflictResolution) (*types.Review, error) {
			resolved = res
			return &types.Review{ID: "r1", PRID: prID, Status: types.ReviewRunning}, nil
		},
		OnSyncSource: func(ctx context.Context, sourceID string) (types.KnowledgeSource, error) {
			return types.KnowledgeSource{ID: sourceID, Status: types.SyncSyncing}, nil
		},
	}, nil)
	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.Stop()
	if err := h.Start(); err == nil {
		t.Error("second Start should fail")
	}

	reply := requestJSON(t, client, SubjectCmdStartReview, StartReviewCommand{Request: types.ReviewRequest{PRID: "pr-9"}})
	if !reply.Success || reply.Review == nil || reply.Review.PRID != "pr-9" {
		t.Errorf("unexpected start reply: %+v", reply)
	}

	reply = requestJSON(t, client, SubjectCmdCancelReview, CancelReviewCommand{PRID: "pr-x"})
	if reply.Success || reply.Code != "not_found" {
		t.Errorf("cancel reply = %+v, want not_found", reply)
	}

	reply = requestJSON(t, client, SubjectCmdResolveConflict, ResolveConflictCommand{
		PRID: "pr-9", ConflictID: "c1",
		Resolution: types.ConflictResolution{Resolution: types.ResolveSourceA, Reasoning: "org policy wins"},
	})
	if !reply.Success || resolved.Resolution != types.ResolveSourceA {
		t.Errorf("resolve reply = %+v, resolution = %+v", reply, resolved)
	}

	reply = requestJSON(t, client, SubjectCmdSyncSource, SyncSourceCommand{SourceID: "wiki"})
	if !reply.Success || reply.Source == nil || reply.Source.Status != types.SyncSyncing {
		t.Errorf("sync reply = %+v", reply)
	}

	msg, err := client.RawConn().Request(SubjectCmdSyncSource, []byte("{not json"), 2*time.Second)
	if err != nil {
		t.Fatalf("raw request failed: %v", err)
	}
	if string(msg.Data) == "" {
		t.Error("expected an error reply for malformed input")
	}
}
