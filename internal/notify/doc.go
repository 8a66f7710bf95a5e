// Package notify sends short operator alerts when posts fail or are
// blocked on an unconfigured platform.
//
// Alerts are derived from event bus traffic, queued, rate limited, and sent
// by a single worker. A full queue drops the alert instead of blocking the
// dispatch loop. A small in-memory history is kept for the status API.
package notify
