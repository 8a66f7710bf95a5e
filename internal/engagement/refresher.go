// Package engagement polls platforms for metrics of sent posts.
package engagement

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/post"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

const (
	DefaultInitialDelay = 60 * time.Second
	DefaultInterval     = 10 * time.Minute
	TaskName            = "metrics"
)

// MetricsSource is the part of platform.Router the refresher needs.
type MetricsSource interface {
	FetchMetrics(ctx context.Context, platform, externalID string) post.Metrics
}

type RefreshReport struct {
	At      time.Time     `json:"at"`
	Took    time.Duration `json:"took"`
	Checked int           `json:"checked"`
	Updated int           `json:"updated"`
	Empty   int           `json:"empty"`
	Errors  int           `json:"errors"`
}

type Refresher struct {
	store  storage.Store
	source MetricsSource
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	mu   sync.Mutex
	last RefreshReport
}

func New(store storage.Store, source MetricsSource, bus eventbus.Bus, log logx.Logger, now func() time.Time) *Refresher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Refresher{store: store, source: source, bus: bus, log: log, now: now}
}

// RunOnce refreshes metrics for every sent post that has an external id.
func (r *Refresher) RunOnce(ctx context.Context) (RefreshReport, error) {
	start := r.now()
	rep := RefreshReport{At: start}

	posts, err := r.store.ListSentWithExternalID(ctx)
	if err != nil {
		err = fmt.Errorf("list sent posts: %w", err)
		r.log.Error("refresh failed", logx.Err(err))
		r.setLast(rep)
		return rep, err
	}
	for _, p := range posts {
		if err := ctx.Err(); err != nil {
			r.setLast(rep)
			return rep, err
		}
		rep.Checked++
		r.refreshOne(ctx, p, &rep)
	}
	rep.Took = time.Since(start)
	r.setLast(rep)
	if rep.Checked > 0 {
		r.log.Info("metrics refreshed",
			logx.Int("checked", rep.Checked),
			logx.Int("updated", rep.Updated),
			logx.Int("errors", rep.Errors),
		)
	}
	return rep, nil
}

func (r *Refresher) refreshOne(ctx context.Context, p post.Post, rep *RefreshReport) {
	log := r.log.With(logx.Int64("post_id", p.ID), logx.String("platform", p.Platform))
	defer func() {
		if rec := recover(); rec != nil {
			rep.Errors++
			log.Error("metrics refresh panic", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()

	m := r.source.FetchMetrics(ctx, p.Platform, p.APIPostID)
	if len(m) == 0 {
		rep.Empty++
		return
	}
	updated, err := r.store.MergeMetrics(ctx, p.ID, m, r.now())
	if err != nil {
		rep.Errors++
		log.Error("merge metrics failed", logx.Err(err))
		return
	}
	rep.Updated++
	log.Debug("metrics merged", logx.Any("metrics", map[string]int64(updated.Metrics)))
	eventbus.Emit(r.bus, eventbus.MetricsUpdated, eventbus.MetricsEvent{PostID: p.ID, Platform: p.Platform, Metrics: updated.Metrics})
}

func (r *Refresher) setLast(rep RefreshReport) {
	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()
}

// Last returns the report of the most recent run.
func (r *Refresher) Last() RefreshReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
