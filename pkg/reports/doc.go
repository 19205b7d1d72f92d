// Package reports answers questions about the mirrored billing data:
// cohort counts by start and cancel month, per-plan summaries, churn,
// and transfer totals. Reports only read the local mirror; they never
// talk to the processor. Month windows are half-open UTC intervals.
package reports
