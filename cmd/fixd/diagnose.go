package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/reasoning"
	"github.com/fyrsmithlabs/fixd/internal/report"
)

var (
	diagnoseRoot  string
	diagnoseApply bool

	rootCauseContext []string
)

func init() {
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(rootCauseCmd)

	diagnoseCmd.Flags().StringVar(&diagnoseRoot, "root", ".", "Project root holding the artifacts")
	diagnoseCmd.Flags().BoolVar(&diagnoseApply, "apply", false, "Write the chosen fix during the solution phase")

	rootCauseCmd.Flags().StringArrayVar(&rootCauseContext, "context", nil, "Supporting text such as log lines (repeatable)")
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose <problem>",
	Short: "Run the eight-phase diagnostic for a problem",
	Long: `Run a checkpointed diagnostic session: scope, gather information,
hypothesize, plan and run tests, identify the root cause, propose a
solution and validate it.

Every phase is recorded in the session log (see 'fixd sessions').

Examples:
  fixd diagnose "Orders page hangs after the retry change" --root ./web`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDiagnose,
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	store, err := a.openStore(diagnoseRoot, !diagnoseApply)
	if err != nil {
		return err
	}
	artifacts, err := artifact.ReadAll(ctx, store)
	if err != nil {
		return err
	}
	scanner, err := a.scanner(diagnoseRoot)
	if err != nil {
		return err
	}
	machine, err := a.machine(scanner, diagnoseRoot, store, diagnoseApply)
	if err != nil {
		return err
	}

	sess, runErr := machine.Run(ctx, strings.Join(args, " "), artifacts)
	if sess == nil {
		return runErr
	}
	if _, err := a.reports.Save(report.KindDiagnostic, sess.ID, sess); err != nil {
		a.logger.Warn("saving diagnostic report", zap.Error(err))
	}
	if err := output(cmd.OutOrStdout(), sess, report.Session(sess)); err != nil {
		return err
	}
	return runErr
}

var rootCauseCmd = &cobra.Command{
	Use:   "rootcause <problem>",
	Short: "Rank likely root causes for a problem statement",
	Long: `Analyze a problem with five whys, fishbone and failure-mode scoring,
weighted by past outcomes from the learning store.

Examples:
  fixd rootcause "checkout times out" --context "upstream 504 from payments"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRootCause,
}

func runRootCause(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	rep, err := a.reasoner().Analyze(ctx, reasoning.Problem{
		Statement: strings.Join(args, " "),
		Context:   rootCauseContext,
	})
	if err != nil {
		return err
	}
	return output(cmd.OutOrStdout(), rep, report.RootCause(rep))
}
