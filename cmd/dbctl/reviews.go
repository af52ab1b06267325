package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/PRSENTINEL/internal/apierr"
	"github.com/PRSENTINEL/internal/types"
	"github.com/spf13/cobra"
)

var (
	reviewLimit int
	showTrace   bool
)

var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "List and inspect reviews",
}

var reviewsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent reviews, newest first",
	RunE:  runReviewsList,
}

var reviewsShowCmd = &cobra.Command{
	Use:   "show <review-id|pr-id>",
	Short: "Show one review; a pull request id shows its latest review",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewsShow,
}

func init() {
	reviewsListCmd.Flags().IntVar(&reviewLimit, "limit", 20, "Maximum reviews to list")
	reviewsShowCmd.Flags().BoolVar(&showTrace, "trace", false, "Print the reasoning trace")
}

func runReviewsList(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	reviews, err := db.ListReviews(cmd.Context(), reviewLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, reviews)
	}
	if len(reviews) == 0 {
		fmt.Fprintln(out, "No reviews found.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PR\tSTATUS\tMODE\tSCORE\tCONFLICTS\tVIOLATIONS\tUPDATED")
	for _, r := range reviews {
		score := "-"
		if r.Result != nil {
			score = fmt.Sprintf("%.1f", r.Result.Score)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.PRID, r.Status, r.Request.Mode, score, len(r.Conflicts), len(r.Violations),
			r.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func runReviewsShow(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	r, err := findReview(cmd.Context(), db, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, r)
	}

	fmt.Fprintf(out, "Review %s (PR %s)\n", r.ID, r.PRID)
	fmt.Fprintf(out, "  Status:   %s\n", r.Status)
	fmt.Fprintf(out, "  Stage:    %s\n", r.Stage)
	fmt.Fprintf(out, "  Mode:     %s\n", r.Request.Mode)
	fmt.Fprintf(out, "  Files:    %d\n", len(r.Request.Files))
	fmt.Fprintf(out, "  Created:  %s\n", r.CreatedAt.Format(time.RFC3339))
	if r.Result != nil {
		fmt.Fprintf(out, "  Score:    %.1f (%d comments)\n", r.Result.Score, len(r.Result.Comments))
	}
	if len(r.Conflicts) > 0 {
		fmt.Fprintln(out, "\nConflicts:")
		for _, c := range r.Conflicts {
			fmt.Fprintf(out, "  %s  %s  %s  %s\n", c.ID, c.Status, c.Impact, truncate(c.Description, 60))
		}
	}
	if len(r.Violations) > 0 {
		fmt.Fprintln(out, "\nViolations:")
		for _, v := range r.Violations {
			fmt.Fprintf(out, "  %s  %s:%d  %s\n", v.PolicyID, v.SourceFile, v.SourceLine, truncate(v.Description, 60))
		}
	}
	if len(r.Warnings) > 0 {
		fmt.Fprintln(out, "\nWarnings:")
		for _, w := range r.Warnings {
			fmt.Fprintf(out, "  %s  %s\n", w.Code, w.Message)
		}
	}
	if showTrace {
		fmt.Fprintln(out, "\nTrace:")
		for i, s := range r.Trace {
			fmt.Fprintf(out, "  %3d. [%s] %s\n", i+1, s.Type, truncate(s.Content, 90))
		}
	}
	return nil
}

// findReview resolves a review id, falling back to the latest review of a pull request
func findReview(ctx context.Context, db interface {
	GetReview(ctx context.Context, id string) (*types.Review, error)
	LatestReview(ctx context.Context, prID string) (*types.Review, error)
}, ref string) (*types.Review, error) {
	r, err := db.GetReview(ctx, ref)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, apierr.ErrNotFound) {
		return nil, err
	}
	return db.LatestReview(ctx, ref)
}
