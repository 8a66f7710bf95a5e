package platform

import (
	"context"
	"time"

	"postbot/internal/task/retry"
	logx "postbot/pkg/logx"
)

// RetryObserver is told about every retry an adapter schedules.
type RetryObserver func(postID int64, platform string, attempt int, wait time.Duration, err error)

// Retrier runs adapter calls under the shared retry policy.
type Retrier struct {
	Policy  retry.Policy
	Log     logx.Logger
	Observe RetryObserver
}

// Do runs op with the platform classifier and a per-post retry hook.
func (r Retrier) Do(ctx context.Context, platform string, postID int64, op func(ctx context.Context, attempt int) error) error {
	p := r.Policy
	if p.Classify == nil {
		p.Classify = Classify
	}
	log := r.Log
	observe := r.Observe
	p = p.WithOnRetry(func(attempt int, class retry.Class, wait time.Duration, err error) {
		log.Warn("publish retry scheduled",
			logx.String("platform", platform),
			logx.Int64("post_id", postID),
			logx.Int("attempt", attempt),
			logx.String("class", class.String()),
			logx.Duration("wait", wait),
			logx.Err(err),
		)
		if observe != nil {
			observe(postID, platform, attempt, wait, err)
		}
	})
	return p.Do(ctx, func(ctx context.Context, attempt int) error {
		log.Trace("publish attempt",
			logx.String("platform", platform),
			logx.Int64("post_id", postID),
			logx.Int("attempt", attempt),
		)
		return op(ctx, attempt)
	})
}
