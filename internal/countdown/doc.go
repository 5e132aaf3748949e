// Package countdown computes the time remaining until the next monthly rollover
// (midnight on the 1st of next month) in a target timezone and keeps that target
// armed.
//
// The package is split in three layers:
//   - pure functions: NextRollover, RemainingUntil
//   - Scheduler: owns the current target and recomputes it lazily on rollover
//   - Service: the refresh protocol (tick now, then on a fixed interval) that
//     pushes frames to render sinks
package countdown
