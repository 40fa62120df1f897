// Package remediation applies deterministic text transformations to
// artifacts flagged by the defect detector.
//
// Every remediation attempt is a single logical transaction over the
// artifact store:
//
//  1. Every artifact referenced by a Critical or Warning finding is
//     snapshotted, and each backup is verified against the original hash,
//     before anything is written. Any snapshot failure aborts the attempt.
//  2. Findings are processed Critical first, then Warning, in finding order.
//  3. Each finding's category selects a registered Transformation, a pure
//     guarded function of the artifact text. No match is recorded as
//     skipped_no_match and is not an error.
//  4. Each changed artifact is written once. A failed write restores every
//     snapshot for the artifacts touched so far and the report is marked
//     rolled_back.
//
// # Usage
//
//	engine := remediation.NewEngine(&remediation.Config{MaxRetryAttempts: 3}, nil, logger)
//	report, err := engine.Remediate(ctx, analysis.Findings, store)
//	if err != nil {
//	    // report.Status is failed or rolled_back; report.Snapshots lists the
//	    // backups that can be restored externally.
//	}
//
// # Dry Run
//
// With Config.DryRun set nothing is snapshotted or written. Fix records are
// marked planned and each changed artifact still carries its unified diff.
//
// # Guard Markers
//
// Every transformation leaves a marker in its output (MAX_RETRY_ATTEMPTS,
// "fixd: cleanup", "fixd: handled") so post-write verification can confirm
// the fix landed. Transformations refuse to produce output whose brace,
// paren or bracket balance differs from the input.
package remediation
