// Package periodic runs named tasks on fixed intervals.
//
// Each task gets a warm-up delay before its first run and then fires every
// Interval. Runs of the same task never overlap: a tick that arrives while
// the previous one is still running is skipped, and Trigger shares the same
// guard. Scheduling is backed by robfig/cron.
package periodic
