// Package diagnostic implements the deep diagnostic state machine.
//
// A session walks eight phases in a fixed order:
//
//	problem_scope → information_gathering → hypothesis_generation →
//	test_design → systematic_testing → root_cause_id →
//	solution_implementation → validation_and_prevention
//
// Phases are never skipped or revisited. A checkpoint carrying a host
// resource snapshot is captured before and after every phase, and each
// completed phase is appended to the session log. When a phase fails the
// session is marked failed and returned together with the error, so the
// caller can inspect every phase that did complete.
//
// Hypotheses are scored as likelihood + testability (each 1 to 3). The top
// hypotheses get a reproduction test and an isolation test. Reproduction
// tests run first; an isolation test only runs when its hypothesis was
// reproduced. The category with the most passing tests is the root cause.
//
// Solution implementation plans fixes as a dry run against an in-memory copy
// of the artifacts unless Config.Apply is set, in which case fixes go through
// the configured artifact store with the usual snapshot and rollback rules.
package diagnostic
