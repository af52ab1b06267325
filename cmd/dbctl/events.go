package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/PRSENTINEL/internal/events"
	"github.com/spf13/cobra"
)

var (
	eventLimit     int
	pendingOnly    bool
	purgeOlderThan time.Duration
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and prune the event log",
}

var eventsListCmd = &cobra.Command{
	Use:   "list <target>",
	Short: "List logged events for a pull request or source id, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventsList,
}

var eventsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete delivered events older than --older-than",
	RunE:  runEventsPurge,
}

func init() {
	eventsListCmd.Flags().IntVar(&eventLimit, "limit", 50, "Maximum events to list")
	eventsListCmd.Flags().BoolVar(&pendingOnly, "pending", false, "Only list events no websocket client has received")
	eventsPurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 72*time.Hour, "Age of delivered events to delete")
}

func openEventLog() (*events.SQLiteStore, func(), error) {
	db, err := openDB()
	if err != nil {
		return nil, nil, err
	}
	store, err := events.NewSQLiteStore(db.SQL())
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

func runEventsList(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openEventLog()
	if err != nil {
		return err
	}
	defer closeDB()

	var evs []*events.Event
	if pendingOnly {
		evs, err = store.GetPending(args[0], nil)
	} else {
		evs, err = store.Recent(args[0], eventLimit)
	}
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		if evs == nil {
			evs = []*events.Event{}
		}
		return writeJSON(out, evs)
	}
	if len(evs) == 0 {
		fmt.Fprintf(out, "No events for %s.\n", args[0])
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tSOURCE\tPAYLOAD")
	for _, ev := range evs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.CreatedAt.Format("15:04:05.000"), ev.Type, ev.Source,
			truncate(fmt.Sprint(ev.Payload), 70))
	}
	return tw.Flush()
}

func runEventsPurge(cmd *cobra.Command, args []string) error {
	if purgeOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	store, closeDB, err := openEventLog()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := store.Cleanup(purgeOlderThan); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged delivered events older than %s\n", purgeOlderThan)
	return nil
}
