package main

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/config"
	"github.com/fyrsmithlabs/fixd/internal/ignore"
	"github.com/fyrsmithlabs/fixd/internal/mission"
	"github.com/fyrsmithlabs/fixd/internal/monitor"
	"github.com/fyrsmithlabs/fixd/internal/report"
	"github.com/fyrsmithlabs/fixd/internal/watch"
)

var (
	watchMission bool
	watchApply   bool
	watchTUI     bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchMission, "mission", false, "Run a mission on each change instead of a scan")
	watchCmd.Flags().BoolVar(&watchApply, "apply", false, "With --mission, write fixes")
	watchCmd.Flags().BoolVar(&watchTUI, "tui", false, "Show a live dashboard instead of printing reports")
}

var watchCmd = &cobra.Command{
	Use:   "watch [root]",
	Short: "Rescan a project whenever its artifacts change",
	Long: `Watch root (default: current directory) and rescan after each burst of
changes. Bursts are debounced by watch.debounce.

With --mission each burst runs a full mission; add --apply to write fixes.
Backups and temporary files written by fixes do not retrigger the watcher.

With --tui the results are shown on a live dashboard with finding
history, mission progress and host resources. Press q to quit.

Examples:
  fixd watch ./web
  fixd watch --mission --apply
  fixd watch --tui`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	root := rootArg(args)
	var overrides []func(*config.Config)
	if watchTUI && logLevel == "" {
		overrides = append(overrides, func(c *config.Config) { c.Logging.Level = "error" })
	}
	a, err := newApp(ctx, overrides...)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	matcher, err := ignore.NewParser().Load(root)
	if err != nil {
		return fmt.Errorf("loading ignore files: %w", err)
	}
	store, err := a.openStore(root, !(watchMission && watchApply))
	if err != nil {
		return err
	}
	scanner, err := a.scanner(root)
	if err != nil {
		return err
	}

	var program *tea.Program
	if watchTUI {
		model := monitor.NewModel(store.Root(), 0, a.host, prometheus.DefaultGatherer)
		program = tea.NewProgram(model, tea.WithContext(ctx), tea.WithAltScreen())
	}

	var progress mission.ProgressFunc
	if program != nil {
		progress = func(p mission.Progress) { program.Send(monitor.ProgressMsg(p)) }
	}
	ctrl, err := a.controller(scanner, nil, progress)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	handler := func(ctx context.Context, changed []string) error {
		msg := monitor.BatchMsg{Changed: changed}
		defer func() {
			if program != nil {
				program.Send(msg)
			}
		}()

		if watchMission {
			dryRun := !watchApply
			rep, err := ctrl.Run(ctx, mission.Request{Name: "watch", Store: store, DryRun: &dryRun})
			msg.Mission, msg.Err = rep, err
			if rep != nil {
				if _, serr := a.reports.Save(report.KindMission, rep.ID, rep); serr != nil {
					a.logger.Warn("saving mission report", zap.Error(serr))
				}
				if program == nil {
					if oerr := output(out, rep, report.Mission(rep)); oerr != nil {
						return oerr
					}
				}
			}
			return err
		}

		artifacts, err := artifact.ReadAll(ctx, store)
		if err != nil {
			msg.Err = err
			return err
		}
		msg.Analysis = scanner.Scan(ctx, artifacts)
		if program != nil {
			return nil
		}
		return output(out, msg.Analysis, report.Analysis(msg.Analysis))
	}

	w, err := watch.New(root, &watch.Config{
		Debounce:   a.cfg.Watch.Debounce.Duration(),
		Extensions: a.cfg.Detector.Extensions,
		Matcher:    matcher,
	}, handler, a.logger)
	if err != nil {
		return err
	}
	if program == nil {
		return w.Run(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- w.Run(ctx)
		program.Quit()
	}()
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	cancel()
	return <-watchErr
}
