package main

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/fixd/internal/report"
)

var (
	restoreRoot     string
	restoreSnapshot string
	restoreList     bool
)

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().StringVar(&restoreRoot, "root", ".", "Project root the path is relative to")
	restoreCmd.Flags().StringVar(&restoreSnapshot, "snapshot", "", "Snapshot id to restore (default: latest)")
	restoreCmd.Flags().BoolVarP(&restoreList, "list", "l", false, "List snapshots instead of restoring")
}

var restoreCmd = &cobra.Command{
	Use:   "restore <path>",
	Short: "Restore an artifact from a fix backup",
	Long: `Every applied fix first writes <file>.backup-<millis> next to the
artifact. restore copies a backup back over the artifact; without
--snapshot the latest backup is used.

Examples:
  fixd restore src/orders.js --list
  fixd restore src/orders.js --snapshot 1700000000000`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	store, err := a.openStore(restoreRoot, restoreList)
	if err != nil {
		return err
	}
	path := filepath.ToSlash(args[0])
	out := cmd.OutOrStdout()

	if restoreList {
		snaps, err := store.Snapshots(ctx, path)
		if err != nil {
			return err
		}
		if outputJSON {
			return report.Encode(out, snaps)
		}
		if len(snaps) == 0 {
			fmt.Fprintf(out, "No snapshots for %s.\n", path)
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SNAPSHOT\tTAKEN\tSIZE\tBACKUP")
		for _, s := range snaps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.TakenAt.Format(time.RFC3339), report.FormatBytes(s.Size), s.BackupPath)
		}
		return w.Flush()
	}

	snap, err := store.Restore(ctx, path, restoreSnapshot)
	if err != nil {
		return err
	}
	if outputJSON {
		return report.Encode(out, snap)
	}
	fmt.Fprintf(out, "Restored %s from snapshot %s (%s)\n", snap.ArtifactPath, snap.ID, snap.TakenAt.Format(time.RFC3339))
	return nil
}
