// Package mission drives the standard remediation mission.
//
// A mission moves through a fixed sequence of states:
//
//	idle -> scanning -> remediating -> verifying -> [auditing] -> completed
//
// and may enter failed from any non-terminal state. Stages run strictly in
// order because each consumes the output of the previous one. Cancellation
// is checked between stages, never inside one, so a remediation is either
// committed or rolled back before the mission observes it.
//
// On failure the controller still returns the report, marked partial, with
// every stage output gathered so far. The accompanying *StageError names the
// stage that failed, the stages that completed and whether a rollback ran.
//
// Missions are isolated: a Controller keeps no per-run state, so concurrent
// calls to Run (or RunAll) share nothing mutable.
package mission
