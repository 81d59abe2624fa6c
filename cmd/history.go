package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:         "history [session_id]",
	Short:       "List journaled sessions, or the frame outcomes of one session",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{requiresDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if len(args) == 1 {
			return runSessionHistory(cmd.Context(), os.Stdout, args[0])
		}
		return runHistory(cmd.Context(), os.Stdout, historyLimit)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Number of recent sessions to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(ctx context.Context, w io.Writer, limit int) error {
	sessions, err := DB.ListSessions(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions found in database.")
		return nil
	}
	printSessions(w, sessions)
	return nil
}

func printSessions(w io.Writer, sessions []store.SessionSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tLABEL\tSOURCE\tBACKEND\tSTARTED\tFRAMES\tFOUND\tTOO SMALL\tMULTIPLE\tNONE")
	fmt.Fprintln(tw, "-------\t-----\t------\t-------\t-------\t------\t-----\t---------\t--------\t----")

	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			s.ID, s.Label, s.Source, s.Backend, s.StartedAt.Local().Format("2006-01-02 15:04"),
			s.Frames, s.Found, s.TooSmall, s.Multiple, s.None)
	}
	tw.Flush()
}

func runSessionHistory(ctx context.Context, w io.Writer, sessionID string) error {
	entries, err := DB.SessionOutcomes(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if len(entries) == 0 {
		fmt.Fprintf(w, "No frames recorded for session %s.\n", sessionID)
		return nil
	}
	printEntries(w, entries)
	return nil
}

func printEntries(w io.Writer, entries []store.Entry) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "FRAME\tFORMAT\tSIDE\tOUTCOME\tLATENCY")
	fmt.Fprintln(tw, "-----\t------\t----\t-------\t-------")

	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", e.FrameIndex, e.Format, e.Side, e.Outcome, e.Latency)
	}
	tw.Flush()
}
