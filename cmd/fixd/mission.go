package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/diagnostic"
	"github.com/fyrsmithlabs/fixd/internal/mission"
	"github.com/fyrsmithlabs/fixd/internal/report"
)

var (
	missionApply      bool
	missionSessionRef string
	missionProblem    string
	missionName       string
	missionEscalate   bool
)

func init() {
	rootCmd.AddCommand(missionCmd)
	missionCmd.Flags().BoolVar(&missionApply, "apply", false, "Write fixes instead of planning them")
	missionCmd.Flags().StringVar(&missionSessionRef, "session-ref", "", "Session directory to audit after verification")
	missionCmd.Flags().StringVar(&missionProblem, "problem", "", "Problem statement handed to diagnostics on escalation")
	missionCmd.Flags().StringVar(&missionName, "name", "", "Label for the artifact set in reports")
	missionCmd.Flags().BoolVar(&missionEscalate, "escalate", false, "Run deep diagnostics when escalation is recommended")
}

var missionCmd = &cobra.Command{
	Use:   "mission [root]",
	Short: "Scan, remediate, verify and audit a project",
	Long: `Run a full mission against the artifacts under root (default: current
directory): scan for defects, remediate them, verify the result and, with
--session-ref, audit session storage.

Without --apply the mission is a dry run and no file is written. With
--apply every modified file is backed up first and restored if
verification fails.

The report is printed and saved under storage.reports_dir. The command
exits non-zero when the mission fails.

Examples:
  # Plan fixes for the current project
  fixd mission

  # Apply fixes and audit a session directory
  fixd mission ./web --apply --session-ref ~/.cache/agent/session-42`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMission,
}

func runMission(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	root := rootArg(args)
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	store, err := a.openStore(root, !missionApply)
	if err != nil {
		return err
	}
	scanner, err := a.scanner(root)
	if err != nil {
		return err
	}

	escalate := missionEscalate || a.cfg.Mission.AutoEscalate
	a.cfg.Mission.AutoEscalate = escalate
	var progress mission.ProgressFunc
	if !outputJSON {
		progress = func(p mission.Progress) {
			fmt.Fprintf(cmd.ErrOrStderr(), "[%3d%%] %s: %s\n", p.Percentage, p.State, p.Message)
		}
	}
	var machine *diagnostic.Machine
	if escalate {
		if machine, err = a.machine(scanner, root, store, missionApply); err != nil {
			return err
		}
	}
	ctrl, err := a.controller(scanner, machine, progress)
	if err != nil {
		return err
	}

	dryRun := !missionApply
	rep, runErr := ctrl.Run(ctx, mission.Request{
		Name:       missionName,
		Store:      store,
		SessionRef: missionSessionRef,
		Problem:    missionProblem,
		DryRun:     &dryRun,
	})
	if rep == nil {
		return runErr
	}

	if path, err := a.reports.Save(report.KindMission, rep.ID, rep); err != nil {
		a.logger.Warn("saving mission report", zap.Error(err))
	} else {
		a.logger.Debug("mission report saved", zap.String("path", path))
	}
	if err := output(cmd.OutOrStdout(), rep, report.Mission(rep)); err != nil {
		return err
	}
	return runErr
}

// rootArg returns the optional root argument, defaulting to ".".
func rootArg(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return "."
}

// output writes v as JSON with --json, otherwise the rendered text.
func output(w io.Writer, v any, text string) error {
	if outputJSON {
		return report.Encode(w, v)
	}
	_, err := fmt.Fprint(w, text)
	return err
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
