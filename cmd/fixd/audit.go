package main

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/report"
)

var auditFailUnhealthy bool

func init() {
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(reportsCmd)
	auditCmd.Flags().BoolVar(&auditFailUnhealthy, "fail-unhealthy", false, "Exit non-zero when the health score is below audit.health_min")
}

var auditCmd = &cobra.Command{
	Use:   "audit <session-ref>",
	Short: "Audit a session directory's storage layers",
	Long: `Check the memory, session, durable and cache layers of a session
directory, score its health and list oversized or stale files.

Examples:
  fixd audit ~/.cache/agent/session-42
  fixd audit ./session --json`,
	Args: cobra.ExactArgs(1),
	RunE: runAudit,
}

func runAudit(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	rep, err := a.auditor().Audit(ctx, args[0])
	if err != nil {
		return err
	}

	id := fmt.Sprintf("%s-%s", filepath.Base(filepath.Clean(args[0])), rep.Timestamp.UTC().Format("20060102T150405Z"))
	if _, err := a.reports.Save(report.KindAudit, id, rep); err != nil {
		a.logger.Warn("saving audit report", zap.Error(err))
	}
	if err := output(cmd.OutOrStdout(), rep, report.Audit(rep)); err != nil {
		return err
	}
	if auditFailUnhealthy && !rep.Healthy(a.cfg.Audit.HealthMin) {
		return fmt.Errorf("health score %d below %d", rep.HealthScore, a.cfg.Audit.HealthMin)
	}
	return nil
}

var reportsCmd = &cobra.Command{
	Use:   "reports [kind]",
	Short: "List saved reports",
	Long: `List report ids saved under storage.reports_dir. Kind is one of
mission, diagnostic, analysis or audit; without it every kind is listed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReports,
}

func runReports(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	kinds := []report.Kind{report.KindMission, report.KindDiagnostic, report.KindAnalysis, report.KindAudit}
	if len(args) == 1 {
		kinds = []report.Kind{report.Kind(args[0])}
	}

	listing := make(map[report.Kind][]string, len(kinds))
	for _, k := range kinds {
		ids, err := a.reports.List(k)
		if err != nil {
			return err
		}
		listing[k] = ids
	}
	if outputJSON {
		return report.Encode(cmd.OutOrStdout(), listing)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tID")
	for _, k := range kinds {
		for _, id := range listing[k] {
			fmt.Fprintf(w, "%s\t%s\n", k, id)
		}
	}
	return w.Flush()
}
