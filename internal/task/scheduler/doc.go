// Package scheduler fires named triggers: cron expressions, fixed intervals and
// one-shot instants.
//
// Jobs run on the trigger goroutine with a per-job timeout. A cron or interval
// trigger that fires while its previous run is still in flight is skipped, so a
// job never overlaps itself.
package scheduler
