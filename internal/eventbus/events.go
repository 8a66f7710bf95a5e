package eventbus

import "time"

// Event types published by the dispatch and metrics loops.
const (
	PostSent       = "post.sent"
	PostFailed     = "post.failed"
	PostBlocked    = "post.blocked"
	PostRetry      = "post.retry"
	PostUnsaved    = "post.unsaved" // published, but the sent status was not stored
	MetricsUpdated = "metrics.updated"
)

// PostEvent is the Data payload of post.* events.
type PostEvent struct {
	PostID     int64         `json:"post_id"`
	Platform   string        `json:"platform"`
	ExternalID string        `json:"external_id,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	Wait       time.Duration `json:"wait,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// MetricsEvent is the Data payload of metrics.updated.
type MetricsEvent struct {
	PostID   int64            `json:"post_id"`
	Platform string           `json:"platform"`
	Metrics  map[string]int64 `json:"metrics"`
}
