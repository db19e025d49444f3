package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"hookbuild/internal/config"
	"hookbuild/internal/history"
	"hookbuild/pkg/fileutil"

	"github.com/spf13/cobra"
)

var (
	historyDB    string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent builds",
	Long:  `List the most recent builds recorded in the history database, newest first.`,
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyDB, "db", getEnvOrDefault("HOOKBUILD_DB_PATH", config.DefaultHistoryDB), "Path to SQLite history database")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of builds to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if !fileutil.FileExists(historyDB) {
		return fmt.Errorf("no history database at %s", historyDB)
	}

	hist, err := history.NewHistory(historyDB)
	if err != nil {
		return err
	}
	defer hist.Close()

	records, err := hist.GetBuildHistory(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No builds recorded yet")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tEXIT\tDURATION\tREF\tCOMMIT\tDELIVERY")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			r.Status,
			r.ExitCode,
			formatDuration(r.DurationSeconds),
			orDash(r.Ref),
			shortCommit(r.CommitHash),
			orDash(r.Delivery))
	}
	return w.Flush()
}

func formatDuration(seconds *float64) string {
	if seconds == nil {
		return "-"
	}
	return (time.Duration(*seconds * float64(time.Second))).Round(time.Millisecond).String()
}

func shortCommit(commit *string) string {
	if commit == nil || *commit == "" {
		return "-"
	}
	if len(*commit) > 7 {
		return (*commit)[:7]
	}
	return *commit
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
