package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/PRSENTINEL/internal/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const authPR = `{
  "title": "Add user authentication feature",
  "description": "This PR adds JWT-based user authentication.",
  "files": [
    {"path": "src/auth/jwt.py", "status": "added", "additions": 15,
     "hunks": [{"start_line": 3, "snippet": "SECRET = 'hardcoded-key'"}]}
  ]
}`

func TestPRDirectory_FetchPR(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pr-1.json"), []byte(authPR), 0o644))
	d := PRDirectory{Dir: dir}

	req, err := d.FetchPR(context.Background(), "pr-1")
	require.NoError(t, err)
	assert.Equal(t, "pr-1", req.PRID)
	assert.Equal(t, "Add user authentication feature", req.Title)
	require.Len(t, req.Files, 1)
	assert.Equal(t, "src/auth/jwt.py", req.Files[0].Path)
	require.Len(t, req.Files[0].Hunks, 1)
	assert.Equal(t, 3, req.Files[0].Hunks[0].StartLine)
}

func TestPRDirectory_Errors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pr-2.json"), []byte(`{"pr_id": "pr-3"}`), 0o644))
	d := PRDirectory{Dir: dir}
	ctx := context.Background()

	_, err := d.FetchPR(ctx, "pr-missing")
	assert.True(t, errors.Is(err, apierr.ErrNotFound), "got %v", err)

	_, err = d.FetchPR(ctx, "../etc/passwd")
	assert.True(t, errors.Is(err, apierr.ErrInvalidQuery), "got %v", err)

	_, err = d.FetchPR(ctx, "broken")
	assert.Error(t, err)

	_, err = d.FetchPR(ctx, "pr-2")
	assert.ErrorContains(t, err, "describes pull request pr-3")
}
