// Package platform defines the adapter contract for publishing targets and
// the Router that dispatches to them.
//
// Adapters live in subpackages (twitter, linkedin, telegram). Each one
// validates content before touching the network, retries transient failures
// with the shared retry policy, and reports "no data" from FetchMetrics as
// nil, nil.
package platform

import (
	"context"

	"postbot/internal/post"
)

// Adapter publishes to and reads metrics from one platform.
type Adapter interface {
	// Name is the display name posts use to address the platform.
	Name() string
	// Publish returns the platform's identifier for the new post.
	Publish(ctx context.Context, content string, postID int64) (string, error)
	// FetchMetrics returns nil, nil when the platform has no data for the id.
	FetchMetrics(ctx context.Context, externalID string) (post.Metrics, error)
}

// Pinger is implemented by adapters that can verify credentials cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}
