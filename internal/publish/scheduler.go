// Package publish dispatches due posts to their platforms.
package publish

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/platform"
	"postbot/internal/post"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

const (
	DefaultInterval = 30 * time.Second
	// TaskName is the periodic task that runs RunOnce.
	TaskName = "scheduler"
)

// Publisher is the part of platform.Router the scheduler needs.
type Publisher interface {
	Publish(ctx context.Context, platform, content string, postID int64) (ok bool, externalID string, err error)
}

// TickReport summarizes one dispatch tick.
type TickReport struct {
	At      time.Time     `json:"at"`
	Took    time.Duration `json:"took"`
	Due     int           `json:"due"`
	Sent    int           `json:"sent"`
	Failed  int           `json:"failed"`
	Blocked int           `json:"blocked"`
	Skipped int           `json:"skipped"`
	Errors  int           `json:"errors"`
}

// BlockedPost is a due post whose platform has no adapter. It stays pending.
type BlockedPost struct {
	PostID   int64     `json:"post_id"`
	Platform string    `json:"platform"`
	Since    time.Time `json:"since"`
}

type Snapshot struct {
	Ticks    uint64        `json:"ticks"`
	LastTick time.Time     `json:"last_tick"`
	Last     TickReport    `json:"last"`
	LastErr  string        `json:"last_error,omitempty"`
	Blocked  []BlockedPost `json:"blocked"`
	// Unsaved maps post ids to external ids of posts that were published
	// but could not be marked sent yet.
	Unsaved map[int64]string `json:"unsaved,omitempty"`
}

type Scheduler struct {
	store  storage.Store
	router Publisher
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	mu      sync.Mutex
	ticks   uint64
	last    TickReport
	lastErr string
	blocked map[int64]BlockedPost
	unsaved map[int64]string
}

// New builds a scheduler. now defaults to time.Now; bus may be nil.
func New(store storage.Store, router Publisher, bus eventbus.Bus, log logx.Logger, now func() time.Time) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{store: store, router: router, bus: bus, log: log, now: now, blocked: map[int64]BlockedPost{}, unsaved: map[int64]string{}}
}

// RunOnce performs one tick: every due pending post ends the tick sent,
// failed, or still pending (blocked, throttled, circuit open).
func (s *Scheduler) RunOnce(ctx context.Context) (TickReport, error) {
	start := s.now()
	rep := TickReport{At: start}

	due, err := s.store.ListPendingDue(ctx, start)
	if err != nil {
		err = fmt.Errorf("list due posts: %w", err)
		s.log.Error("tick failed", logx.Err(err))
		s.finish(rep, err, nil)
		return rep, err
	}
	rep.Due = len(due)
	if len(due) == 0 {
		s.log.Debug("no due posts")
		s.finish(rep, nil, map[int64]BlockedPost{})
		return rep, nil
	}
	s.log.Info("dispatching due posts", logx.Int("count", len(due)))

	s.mu.Lock()
	prev := make(map[int64]BlockedPost, len(s.blocked))
	for k, v := range s.blocked {
		prev[k] = v
	}
	s.pruneUnsaved(due)
	s.mu.Unlock()
	blocked := map[int64]BlockedPost{}

	for _, p := range due {
		if err := ctx.Err(); err != nil {
			s.finish(rep, err, mergeBlocked(prev, blocked))
			return rep, err
		}
		s.dispatch(ctx, p, &rep, prev, blocked)
	}
	rep.Took = time.Since(start)
	s.finish(rep, nil, blocked)
	s.log.Info("tick done",
		logx.Int("due", rep.Due),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("blocked", rep.Blocked),
		logx.Int("skipped", rep.Skipped),
		logx.Int("errors", rep.Errors),
	)
	return rep, nil
}

// mergeBlocked keeps earlier entries for posts the interrupted tick did not reach.
func mergeBlocked(prev, cur map[int64]BlockedPost) map[int64]BlockedPost {
	out := make(map[int64]BlockedPost, len(prev)+len(cur))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range cur {
		out[k] = v
	}
	return out
}

func (s *Scheduler) finish(rep TickReport, err error, blocked map[int64]BlockedPost) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks++
	s.last = rep
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	if blocked != nil {
		s.blocked = blocked
	}
}

// dispatch handles one post. Panics and store errors stay inside.
func (s *Scheduler) dispatch(ctx context.Context, p post.Post, rep *TickReport, prev, blocked map[int64]BlockedPost) {
	log := s.log.With(logx.Int64("post_id", p.ID), logx.String("platform", p.Platform))
	defer func() {
		if rec := recover(); rec != nil {
			rep.Errors++
			log.Error("dispatch panic", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()

	if extID, found := s.unsavedID(p.ID); found {
		log.Info("post already published; saving sent status", logx.String("external_id", extID))
		s.markSent(ctx, p, extID, rep, log)
		return
	}

	ok, extID, err := s.router.Publish(ctx, p.Platform, p.Content, p.ID)
	switch {
	case errors.Is(err, platform.ErrUnavailable):
		rep.Blocked++
		if old, seen := prev[p.ID]; seen {
			blocked[p.ID] = old
			return
		}
		blocked[p.ID] = BlockedPost{PostID: p.ID, Platform: p.Platform, Since: s.now()}
		log.Warn("platform not configured; post stays pending")
		eventbus.Emit(s.bus, eventbus.PostBlocked, eventbus.PostEvent{PostID: p.ID, Platform: p.Platform, Error: err.Error()})
		return
	case errors.Is(err, platform.ErrThrottled), errors.Is(err, platform.ErrCircuitOpen):
		rep.Skipped++
		log.Info("dispatch deferred", logx.Err(err))
		return
	case err != nil && ctx.Err() != nil:
		rep.Skipped++
		log.Warn("dispatch interrupted; post stays pending", logx.Err(err))
		return
	}

	if ok {
		s.markSent(ctx, p, extID, rep, log)
		return
	}

	reason := "publish failed"
	if err != nil {
		reason = err.Error()
	}
	if _, uerr := s.store.UpdateStatus(ctx, p.ID, post.StatusFailed, "", s.now()); uerr != nil {
		rep.Errors++
		log.Error("mark failed failed", logx.Err(uerr))
		return
	}
	rep.Failed++
	log.Warn("post failed", logx.String("reason", reason))
	eventbus.Emit(s.bus, eventbus.PostFailed, eventbus.PostEvent{PostID: p.ID, Platform: p.Platform, Error: reason})
}

// markSent records a published post. When the store write fails the
// external id is kept so later ticks save it instead of publishing again.
func (s *Scheduler) markSent(ctx context.Context, p post.Post, extID string, rep *TickReport, log logx.Logger) {
	if _, err := s.store.UpdateStatus(context.WithoutCancel(ctx), p.ID, post.StatusSent, extID, s.now()); err != nil {
		s.mu.Lock()
		s.unsaved[p.ID] = extID
		s.mu.Unlock()
		rep.Errors++
		log.Error("mark sent failed; will not publish again", logx.String("external_id", extID), logx.Err(err))
		eventbus.Emit(s.bus, eventbus.PostUnsaved, eventbus.PostEvent{PostID: p.ID, Platform: p.Platform, ExternalID: extID, Error: err.Error()})
		return
	}
	s.mu.Lock()
	delete(s.unsaved, p.ID)
	s.mu.Unlock()
	rep.Sent++
	log.Info("post sent", logx.String("external_id", extID))
	eventbus.Emit(s.bus, eventbus.PostSent, eventbus.PostEvent{PostID: p.ID, Platform: p.Platform, ExternalID: extID})
}

func (s *Scheduler) unsavedID(id int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	extID, ok := s.unsaved[id]
	return extID, ok
}

// pruneUnsaved drops entries for posts that are no longer pending and due.
// Caller holds s.mu.
func (s *Scheduler) pruneUnsaved(due []post.Post) {
	if len(s.unsaved) == 0 {
		return
	}
	keep := make(map[int64]bool, len(due))
	for _, p := range due {
		keep[p.ID] = true
	}
	for id := range s.unsaved {
		if !keep[id] {
			delete(s.unsaved, id)
		}
	}
}

// Snapshot returns the last tick and the current blocked set.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{Ticks: s.ticks, LastTick: s.last.At, Last: s.last, LastErr: s.lastErr}
	if len(s.unsaved) > 0 {
		out.Unsaved = make(map[int64]string, len(s.unsaved))
		for k, v := range s.unsaved {
			out.Unsaved[k] = v
		}
	}
	out.Blocked = make([]BlockedPost, 0, len(s.blocked))
	for _, b := range s.blocked {
		out.Blocked = append(out.Blocked, b)
	}
	sort.Slice(out.Blocked, func(i, j int) bool { return out.Blocked[i].PostID < out.Blocked[j].PostID })
	return out
}
