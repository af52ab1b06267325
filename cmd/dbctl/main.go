// Command dbctl inspects the prsentinel SQLite database: reviews, traces,
// knowledge sources and the event log.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/PRSENTINEL/internal/persistence"
	"github.com/spf13/cobra"
)

var (
	dbPath     string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "dbctl",
	Short:         "Inspect the prsentinel database",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "data/prsentinel.db", "Path to SQLite database")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	reviewsCmd.AddCommand(reviewsListCmd, reviewsShowCmd)
	sourcesCmd.AddCommand(sourcesListCmd, sourcesItemsCmd)
	eventsCmd.AddCommand(eventsListCmd, eventsPurgeCmd)
	rootCmd.AddCommand(reviewsCmd, sourcesCmd, eventsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dbctl: %v\n", err)
		os.Exit(1)
	}
}

// openDB opens an existing database. It refuses to create a new file.
func openDB() (*persistence.DB, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database %s: %w", dbPath, err)
	}
	return persistence.Open(dbPath)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
