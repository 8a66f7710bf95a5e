package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("post not found")
	ErrClosed   = errors.New("store closed")
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): JSON document at Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Location is used for zone-less timestamps in the file document.
	Location *time.Location
	// Now overrides the clock used for created_at. Nil means time.Now.
	Now func() time.Time
}

// AuditKind mirrors the SUCCESS/ERROR/RETRY lines of the dispatch log.
type AuditKind string

const (
	AuditSuccess AuditKind = "SUCCESS"
	AuditError   AuditKind = "ERROR"
	AuditRetry   AuditKind = "RETRY"
	AuditBlocked AuditKind = "BLOCKED"
	AuditMetrics AuditKind = "METRICS"
)

// AuditEntry records one dispatch or refresh outcome.
type AuditEntry struct {
	At         time.Time `json:"at"`
	Kind       AuditKind `json:"kind"`
	PostID     int64     `json:"post_id"`
	Platform   string    `json:"platform"`
	ExternalID string    `json:"external_id,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Message    string    `json:"message,omitempty"`
}
