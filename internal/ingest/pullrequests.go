package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/PRSENTINEL/internal/apierr"
	"github.com/PRSENTINEL/internal/types"
)

// PRDirectory serves pull request snapshots saved as <Dir>/<prId>.json.
// A snapshot has the shape of a review request: title, description and files.
type PRDirectory struct {
	Dir string
}

// FetchPR loads the snapshot of prID
func (d PRDirectory) FetchPR(ctx context.Context, prID string) (types.ReviewRequest, error) {
	var req types.ReviewRequest
	if prID == "" || strings.ContainsAny(prID, `/\`) || strings.Contains(prID, "..") {
		return req, apierr.InvalidQuery("invalid pull request id %q", prID)
	}
	path := filepath.Join(d.Dir, prID+".json")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return req, apierr.NotFound("pull request %s", prID)
	}
	if err != nil {
		return req, fmt.Errorf("reading pull request %s: %w", prID, err)
	}
	if err := ctx.Err(); err != nil {
		return req, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parsing %s: %w", path, err)
	}
	if req.PRID != "" && req.PRID != prID {
		return req, fmt.Errorf("%s describes pull request %s", path, req.PRID)
	}
	req.PRID = prID
	return req, nil
}
