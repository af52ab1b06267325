package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/PRSENTINEL/internal/apierr"
	"github.com/PRSENTINEL/internal/types"
)

const reviewColumns = `id, pr_id, request, status, stage, violations, warnings, result, created_at, updated_at`

// SaveReview creates or updates the review header: request, status, stage,
// violations, warnings and result. Steps and conflicts are written separately.
func (d *DB) SaveReview(ctx context.Context, r *types.Review) error {
	request, err := json.Marshal(r.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	violations, err := json.Marshal(nonNil(r.Violations))
	if err != nil {
		return fmt.Errorf("failed to marshal violations: %w", err)
	}
	warnings, err := json.Marshal(nonNil(r.Warnings))
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}
	var result sql.NullString
	if r.Result != nil {
		data, err := json.Marshal(r.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO reviews (`+reviewColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			stage=excluded.stage,
			violations=excluded.violations,
			warnings=excluded.warnings,
			result=excluded.result,
			updated_at=excluded.updated_at
	`,
		r.ID, r.PRID, string(request), string(r.Status), string(r.Stage),
		string(violations), string(warnings), result,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save review %s: %w", r.ID, err)
	}
	return nil
}

// AppendStep writes one trace step. seq is the step's position in the trace.
func (d *DB) AppendStep(ctx context.Context, reviewID string, seq int, step types.ChainOfThoughtStep) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO review_steps (review_id, seq, step_id, type, data)
		VALUES (?, ?, ?, ?, ?)
	`, reviewID, seq, step.ID, string(step.Type), string(data))
	if err != nil {
		return fmt.Errorf("failed to append step %d of review %s: %w", seq, reviewID, err)
	}
	return nil
}

// SaveConflict creates or updates a conflict recorded against a review
func (d *DB) SaveConflict(ctx context.Context, reviewID string, seq int, c types.KnowledgeConflict) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO review_conflicts (review_id, conflict_id, seq, status, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(review_id, conflict_id) DO UPDATE SET
			status=excluded.status,
			data=excluded.data
	`, reviewID, c.ID, seq, string(c.Status), string(data))
	if err != nil {
		return fmt.Errorf("failed to save conflict %s: %w", c.ID, err)
	}
	return nil
}

// GetReview loads a review with its trace and conflicts
func (d *DB) GetReview(ctx context.Context, id string) (*types.Review, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id = ?`, id)
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("review %s", id)
	}
	if err != nil {
		return nil, err
	}
	if err := d.loadChildren(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// LatestReview loads the most recent review of a pull request
func (d *DB) LatestReview(ctx context.Context, prID string) (*types.Review, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+reviewColumns+` FROM reviews WHERE pr_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, prID)
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("review for PR %s", prID)
	}
	if err != nil {
		return nil, err
	}
	if err := d.loadChildren(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListReviews returns review headers, newest first. limit <= 0 means no limit.
func (d *DB) ListReviews(ctx context.Context, limit int) ([]*types.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews ORDER BY created_at DESC, rowid DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*types.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reviews: %w", err)
	}
	return reviews, nil
}

// MarkInterrupted fails reviews left unfinished by a previous process.
// Their traces are kept for audit.
func (d *DB) MarkInterrupted(ctx context.Context, now time.Time) (int, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE reviews SET status = ?, updated_at = ?
		WHERE status IN (?, ?, ?)
	`, string(types.ReviewFailed), formatTime(now),
		string(types.ReviewPending), string(types.ReviewRunning), string(types.ReviewBlocked))
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted reviews: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func (d *DB) loadChildren(ctx context.Context, r *types.Review) error {
	steps, err := d.db.QueryContext(ctx, `SELECT data FROM review_steps WHERE review_id = ? ORDER BY seq`, r.ID)
	if err != nil {
		return fmt.Errorf("failed to query steps: %w", err)
	}
	defer steps.Close()
	for steps.Next() {
		var data string
		if err := steps.Scan(&data); err != nil {
			return fmt.Errorf("failed to scan step row: %w", err)
		}
		var step types.ChainOfThoughtStep
		if err := json.Unmarshal([]byte(data), &step); err != nil {
			return fmt.Errorf("failed to unmarshal step: %w", err)
		}
		r.Trace = append(r.Trace, step)
	}
	if err := steps.Err(); err != nil {
		return fmt.Errorf("error iterating steps: %w", err)
	}

	conflicts, err := d.db.QueryContext(ctx, `SELECT data FROM review_conflicts WHERE review_id = ? ORDER BY seq`, r.ID)
	if err != nil {
		return fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer conflicts.Close()
	for conflicts.Next() {
		var data string
		if err := conflicts.Scan(&data); err != nil {
			return fmt.Errorf("failed to scan conflict row: %w", err)
		}
		var c types.KnowledgeConflict
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return fmt.Errorf("failed to unmarshal conflict: %w", err)
		}
		r.Conflicts = append(r.Conflicts, c)
	}
	if err := conflicts.Err(); err != nil {
		return fmt.Errorf("error iterating conflicts: %w", err)
	}
	if r.Trace == nil {
		r.Trace = []types.ChainOfThoughtStep{}
	}
	if r.Conflicts == nil {
		r.Conflicts = []types.KnowledgeConflict{}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReview(row rowScanner) (*types.Review, error) {
	var r types.Review
	var request, status, stage, violations, warnings, createdAt, updatedAt string
	var result sql.NullString
	err := row.Scan(&r.ID, &r.PRID, &request, &status, &stage, &violations, &warnings, &result, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan review row: %w", err)
	}
	r.Status = types.ReviewStatus(status)
	r.Stage = types.Stage(stage)
	if err := json.Unmarshal([]byte(request), &r.Request); err != nil {
		return nil, fmt.Errorf("review %s: failed to unmarshal request: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(violations), &r.Violations); err != nil {
		return nil, fmt.Errorf("review %s: failed to unmarshal violations: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
		return nil, fmt.Errorf("review %s: failed to unmarshal warnings: %w", r.ID, err)
	}
	if result.Valid && result.String != "" {
		r.Result = &types.ReviewResult{}
		if err := json.Unmarshal([]byte(result.String), r.Result); err != nil {
			return nil, fmt.Errorf("review %s: failed to unmarshal result: %w", r.ID, err)
		}
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
