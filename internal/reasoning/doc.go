// Package reasoning ranks candidate root causes for a problem statement.
//
// Three independent strategies run over the same Problem:
//
//   - FiveWhys follows a keyword-selected chain of answers to "why did this
//     occur", stopping at an answer that names a root (policy, process,
//     standard) or at depth five.
//   - Fishbone scores a fixed candidate list per causal category by keyword
//     presence and keeps candidates above a cutoff.
//   - FMEA looks up failure modes of the affected components and keeps those
//     whose risk priority number exceeds 100.
//
// Engine.Analyze merges their causes into a ConsolidatedReport with an
// overall confidence and deduplicated recommendations. When a learning.Store
// is configured, causes confirmed for similar past problems gain up to 0.1
// confidence.
package reasoning
