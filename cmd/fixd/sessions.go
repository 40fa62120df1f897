package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var sessionsLimit int

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Maximum sessions to list")
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions [id]",
	Short: "List diagnostic sessions or show one",
	Long: `Without an id, list the most recent diagnostic sessions. With an id,
show the session's recorded phases and checkpoints.

Examples:
  fixd sessions
  fixd sessions 01J9Z3... --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSessions,
}

func runSessions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		entry, err := a.sessions.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			return output(out, entry, "")
		}
		s := entry.Session
		fmt.Fprintf(out, "Session:  %s\n", s.ID)
		fmt.Fprintf(out, "Problem:  %s\n", s.Problem)
		fmt.Fprintf(out, "Status:   %s\n", s.Status)
		fmt.Fprintf(out, "Created:  %s\n", s.CreatedAt.Format(time.RFC3339))
		if s.Error != "" {
			fmt.Fprintf(out, "Error:    %s\n", s.Error)
		}
		fmt.Fprintf(out, "\nPhases (%d):\n", len(entry.Phases))
		for _, p := range entry.Phases {
			fmt.Fprintf(out, "  %d %s\n", p.Phase, p.Name)
		}
		fmt.Fprintf(out, "Checkpoints: %d\n", len(entry.Checkpoints))
		return nil
	}

	list, err := a.sessions.List(ctx, sessionsLimit)
	if err != nil {
		return err
	}
	if outputJSON {
		return output(out, list, "")
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No diagnostic sessions recorded.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tPROBLEM")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Status, s.CreatedAt.Format(time.RFC3339), truncate(s.Problem, 60))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
