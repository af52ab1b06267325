package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PRSENTINEL/internal/events"
	"github.com/PRSENTINEL/internal/persistence"
	"github.com/PRSENTINEL/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dbctl.db")
	db, err := persistence.Open(path)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	now := time.Date(2025, 5, 2, 9, 30, 0, 0, time.UTC)
	require.NoError(t, db.SaveSource(ctx, &types.KnowledgeSource{
		ID: "security_guidelines", Name: "Security Guidelines", Type: types.ProviderPDF,
		Status: types.SyncActive, Confidence: 0.95, Priority: types.TierHigh,
		Scope: types.ScopeOrganization, Active: true, LastUpdated: now,
	}))
	require.NoError(t, db.SaveItem(ctx, &types.KnowledgeItem{
		ID: "policy_sql_injection", SourceID: "security_guidelines", Title: "SQL Injection Prevention",
		Content: "Use parameterized statements.", Type: types.ItemPolicy, Confidence: 0.95, LastUpdated: now,
	}))

	r := &types.Review{
		ID: "rev-1", PRID: "pr-42", Status: types.ReviewCompleted,
		Request:   types.ReviewRequest{PRID: "pr-42", Mode: "security"},
		Result:    &types.ReviewResult{Score: 91.5, Mode: "security"},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.SaveReview(ctx, r))
	require.NoError(t, db.AppendStep(ctx, "rev-1", 0, types.ChainOfThoughtStep{
		ID: "s1", Type: types.StepObservation, Content: "Reviewing 1 changed file",
	}))

	store, err := events.NewSQLiteStore(db.SQL())
	require.NoError(t, err)
	require.NoError(t, store.Save(events.NewEvent(events.EventReviewStatus, "review", "pr-42",
		events.PriorityNormal, map[string]interface{}{"status": "completed"})))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	jsonOutput, showTrace, reviewLimit, eventLimit, pendingOnly, purgeOlderThan = false, false, 20, 50, false, 72*time.Hour

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestReviewsCommands(t *testing.T) {
	path := seedDB(t)

	out, err := execute(t, "--db", path, "reviews", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "pr-42")
	assert.Contains(t, out, "91.5")

	out, err = execute(t, "--db", path, "reviews", "show", "pr-42", "--trace")
	require.NoError(t, err)
	assert.Contains(t, out, "Review rev-1 (PR pr-42)")
	assert.Contains(t, out, "Reviewing 1 changed file")

	out, err = execute(t, "--db", path, "--json", "reviews", "show", "rev-1")
	require.NoError(t, err)
	var r types.Review
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, types.ReviewCompleted, r.Status)

	_, err = execute(t, "--db", path, "reviews", "show", "missing")
	assert.Error(t, err)
}

func TestSourcesCommands(t *testing.T) {
	path := seedDB(t)

	out, err := execute(t, "--db", path, "sources", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "security_guidelines")

	out, err = execute(t, "--db", path, "sources", "items", "security_guidelines")
	require.NoError(t, err)
	assert.Contains(t, out, "policy_sql_injection")

	out, err = execute(t, "--db", path, "sources", "items", "unknown")
	require.NoError(t, err)
	assert.Contains(t, out, "No items")
}

func TestEventsCommands(t *testing.T) {
	path := seedDB(t)

	out, err := execute(t, "--db", path, "--json", "events", "list", "pr-42")
	require.NoError(t, err)
	var evs []events.Event
	require.NoError(t, json.Unmarshal([]byte(out), &evs))
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventReviewStatus, evs[0].Type)

	out, err = execute(t, "--db", path, "--json", "events", "list", "--pending", "pr-42")
	require.NoError(t, err)
	evs = nil
	require.NoError(t, json.Unmarshal([]byte(out), &evs))
	require.Len(t, evs, 1)

	out, err = execute(t, "--db", path, "events", "list", "--pending", "pr-7")
	require.NoError(t, err)
	assert.Contains(t, out, "No events for pr-7")

	out, err = execute(t, "--db", path, "events", "purge", "--older-than", "1h")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Purged"))
}

func TestMissingDatabase(t *testing.T) {
	_, err := execute(t, "--db", filepath.Join(t.TempDir(), "absent.db"), "reviews", "list")
	assert.Error(t, err)
}
