package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

// Store is the persistence API used by the dispatch and metrics loops and the API.
type Store interface {
	// ListAll returns every post in creation order.
	ListAll(ctx context.Context) ([]post.Post, error)
	ListPendingDue(ctx context.Context, now time.Time) ([]post.Post, error)
	ListSentWithExternalID(ctx context.Context) ([]post.Post, error)
	Get(ctx context.Context, id int64) (post.Post, error)

	// Append assigns the next id and stores d as a pending post with default metrics.
	Append(ctx context.Context, d post.Draft) (post.Post, error)
	// UpdateStatus applies pending -> sent|failed. Any other transition
	// returns an error wrapping post.ErrInvalidTransition.
	UpdateStatus(ctx context.Context, id int64, status post.Status, externalID string, at time.Time) (post.Post, error)
	// MergeMetrics partially merges delta and stamps last_updated.
	MergeMetrics(ctx context.Context, id int64, delta post.Metrics, at time.Time) (post.Post, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file", "json":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func filterPosts(all []post.Post, keep func(post.Post) bool) []post.Post {
	out := make([]post.Post, 0, len(all))
	for _, p := range all {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func newPost(id int64, d post.Draft, now time.Time) post.Post {
	return post.Post{
		ID:              id,
		Content:         d.Content,
		Platform:        strings.TrimSpace(d.Platform),
		ScheduleTime:    post.StoredScheduleTime(d.ScheduleTime),
		Status:          post.StatusPending,
		Metrics:         post.DefaultMetrics(),
		CreatedAt:       now,
		ResubmittedFrom: d.ResubmittedFrom,
	}
}
