package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/report"
)

var errCriticalFindings = errors.New("critical findings detected")

var (
	scanFormat         string
	scanFailOnCritical bool
	scanSave           bool
)

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "text", "Output format: text, json or sarif")
	scanCmd.Flags().BoolVar(&scanFailOnCritical, "fail-on-critical", false, "Exit non-zero when a critical finding is reported")
	scanCmd.Flags().BoolVar(&scanSave, "save", false, "Save the analysis under storage.reports_dir")
}

var scanCmd = &cobra.Command{
	Use:   "scan [root]",
	Short: "Scan artifacts for defects without changing them",
	Long: `Scan the artifacts under root (default: current directory) and report
findings with confidence, severity and prioritized recommendations.

SARIF output can be uploaded to code scanning dashboards.

Examples:
  fixd scan
  fixd scan ./web --format sarif > fixd.sarif
  fixd scan --fail-on-critical`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	format := scanFormat
	if outputJSON {
		format = "json"
	}
	if format != "text" && format != "json" && format != "sarif" {
		return fmt.Errorf("unknown format %q", format)
	}

	root := rootArg(args)
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	store, err := a.openStore(root, true)
	if err != nil {
		return err
	}
	artifacts, err := artifact.ReadAll(ctx, store)
	if err != nil {
		return err
	}
	scanner, err := a.scanner(root)
	if err != nil {
		return err
	}

	analysis := scanner.Scan(ctx, artifacts)
	if scanSave {
		id := analysis.Timestamp.UTC().Format("20060102T150405Z")
		if _, err := a.reports.Save(report.KindAnalysis, id, analysis); err != nil {
			a.logger.Warn("saving analysis", zap.Error(err))
		}
	}

	out := cmd.OutOrStdout()
	switch format {
	case "sarif":
		err = detector.WriteSARIF(out, analysis)
	case "json":
		err = report.Encode(out, analysis)
	default:
		_, err = fmt.Fprint(out, report.Analysis(analysis))
	}
	if err != nil {
		return err
	}

	if scanFailOnCritical && analysis.Summary.Critical > 0 {
		return fmt.Errorf("%w: %d", errCriticalFindings, analysis.Summary.Critical)
	}
	return nil
}
