package engagement

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/post"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type mapSource map[string]post.Metrics

func (m mapSource) FetchMetrics(_ context.Context, platform, id string) post.Metrics {
	if id == "panic" {
		panic("bad source")
	}
	return m[platform+"/"+id]
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Path:     filepath.Join(t.TempDir(), "posts.json"),
		Location: time.UTC,
		Now:      func() time.Time { return now },
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sent(t *testing.T, st storage.Store, platform, extID string) post.Post {
	t.Helper()
	ctx := context.Background()
	p, err := st.Append(ctx, post.Draft{Content: "c", Platform: platform, ScheduleTime: now})
	if err != nil {
		t.Fatal(err)
	}
	p, err = st.UpdateStatus(ctx, p.ID, post.StatusSent, extID, now)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRunOnceMergesMetrics(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()

	tw := sent(t, st, "Twitter", "T1")
	if _, err := st.MergeMetrics(ctx, tw.ID, post.Metrics{post.MetricShares: 2}, now); err != nil {
		t.Fatal(err)
	}
	li := sent(t, st, "LinkedIn", "L1")
	pending, _ := st.Append(ctx, post.Draft{Content: "p", Platform: "Twitter", ScheduleTime: now})
	bad := sent(t, st, "Twitter", "panic")

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	at := now.Add(10 * time.Minute)
	src := mapSource{"Twitter/T1": {post.MetricLikes: 8}}
	r := New(st, src, bus, logx.Nop(), func() time.Time { return at })

	rep, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Checked != 3 || rep.Updated != 1 || rep.Empty != 1 || rep.Errors != 1 {
		t.Fatalf("report = %+v", rep)
	}

	got, _ := st.Get(ctx, tw.ID)
	if got.Metrics[post.MetricLikes] != 8 || got.Metrics[post.MetricShares] != 2 {
		t.Fatalf("metrics = %v", got.Metrics)
	}
	if got.LastUpdated == nil || !got.LastUpdated.Equal(at) {
		t.Fatalf("last_updated = %v", got.LastUpdated)
	}
	if got, _ := st.Get(ctx, li.ID); got.LastUpdated != nil {
		t.Fatal("post without data was stamped")
	}
	if got, _ := st.Get(ctx, pending.ID); got.LastUpdated != nil {
		t.Fatal("pending post touched")
	}
	if got, _ := st.Get(ctx, bad.ID); got.Status != post.StatusSent {
		t.Fatal("panicking source changed status")
	}

	select {
	case e := <-events:
		me, ok := e.Data.(eventbus.MetricsEvent)
		if e.Type != eventbus.MetricsUpdated || !ok || me.PostID != tw.ID {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatal("no metrics.updated event")
	}

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := st.Get(ctx, tw.ID); got.Metrics[post.MetricLikes] != 8 {
		t.Fatalf("second refresh changed likes: %v", got.Metrics)
	}
	if r.Last().Checked != 3 {
		t.Fatalf("Last = %+v", r.Last())
	}
}

func TestRunOnceEmptyStore(t *testing.T) {
	t.Parallel()
	r := New(openStore(t), mapSource{}, nil, logx.Nop(), nil)
	rep, err := r.RunOnce(context.Background())
	if err != nil || rep.Checked != 0 {
		t.Fatalf("RunOnce = %+v, %v", rep, err)
	}
}
