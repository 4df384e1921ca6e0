// Package reminder is the durable delayed-notification scheduler.
//
// A Trigger arms one countdown per Key. The record is written to the store
// before the countdown starts, so a restart never loses an armed reminder;
// Restore rebuilds the countdowns from the store and the sweeper deletes
// records whose deadline passed without a fire.
//
// Firing re-checks eligibility, delivers at most once and always cleans up:
// the durable record is deleted first, then the in-memory entry.
package reminder
