package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/PRSENTINEL/internal/types"
	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List knowledge sources and their items",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered knowledge sources",
	RunE:  runSourcesList,
}

var sourcesItemsCmd = &cobra.Command{
	Use:   "items <source-id>",
	Short: "List the items of one source",
	Args:  cobra.ExactArgs(1),
	RunE:  runSourcesItems,
}

func runSourcesList(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	sources, err := db.LoadSources(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, sources)
	}
	if len(sources) == 0 {
		fmt.Fprintln(out, "No sources registered.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tACTIVE\tCONFIDENCE\tPRIORITY\tSCOPE\tUPDATED")
	for _, s := range sources {
		status := string(s.Status)
		if s.LastError != "" {
			status += " (" + truncate(s.LastError, 30) + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%.2f\t%s\t%s\t%s\n",
			s.ID, s.Type, status, s.Active, s.Confidence, s.Priority, s.Scope,
			s.LastUpdated.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func runSourcesItems(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	all, err := db.LoadItems(cmd.Context())
	if err != nil {
		return err
	}
	items := []*types.KnowledgeItem{}
	for _, item := range all {
		if item.SourceID == args[0] {
			items = append(items, item)
		}
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, items)
	}
	if len(items) == 0 {
		fmt.Fprintf(out, "No items for source %s.\n", args[0])
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tCONFIDENCE\tRULE\tTITLE")
	for _, item := range items {
		rule := "-"
		if item.Rule != nil {
			rule = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%s\n", item.ID, item.Type, item.Confidence, rule, truncate(item.Title, 50))
	}
	return tw.Flush()
}
