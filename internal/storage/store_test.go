package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"postbot/internal/post"
	logx "postbot/pkg/logx"
)

var base = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	name := "posts.json"
	if driver == "sqlite" {
		name = "posts.db"
	}
	st, err := Open(Config{
		Driver:   driver,
		Path:     filepath.Join(t.TempDir(), name),
		Location: time.UTC,
		Now:      func() time.Time { return base },
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			fn(t, openTestStore(t, driver))
		})
	}
}

func TestAppendAssignsIDsAndDefaults(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		p1, err := st.Append(ctx, post.Draft{Content: "one", Platform: "Twitter", ScheduleTime: base})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		p2, err := st.Append(ctx, post.Draft{Content: "two", Platform: "LinkedIn", ScheduleTime: base})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if p1.ID != 1 || p2.ID != 2 {
			t.Fatalf("ids = %d, %d", p1.ID, p2.ID)
		}
		if p1.Status != post.StatusPending || p1.APIPostID != "" {
			t.Fatalf("new post = %+v", p1)
		}
		if !p1.CreatedAt.Equal(base) {
			t.Fatalf("created_at = %v", p1.CreatedAt)
		}

		got, err := st.Get(ctx, 1)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		for _, k := range []string{post.MetricLikes, post.MetricShares, post.MetricReplies, post.MetricImpressions} {
			if v, ok := got.Metrics[k]; !ok || v != 0 {
				t.Fatalf("metric %s = %d (present %v)", k, v, ok)
			}
		}

		all, err := st.ListAll(ctx)
		if err != nil || len(all) != 2 || all[0].ID != 1 || all[1].ID != 2 {
			t.Fatalf("ListAll = %+v, %v", all, err)
		}
	})
}

func TestListPendingDue(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		past, _ := st.Append(ctx, post.Draft{Content: "past", Platform: "Twitter", ScheduleTime: base.Add(-time.Hour)})
		_, _ = st.Append(ctx, post.Draft{Content: "future", Platform: "Twitter", ScheduleTime: base.Add(time.Hour)})
		now, _ := st.Append(ctx, post.Draft{Content: "now", Platform: "Twitter", ScheduleTime: base})
		sent, _ := st.Append(ctx, post.Draft{Content: "sent", Platform: "Twitter", ScheduleTime: base.Add(-time.Hour)})
		if _, err := st.UpdateStatus(ctx, sent.ID, post.StatusSent, "X1", base); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}

		due, err := st.ListPendingDue(ctx, base)
		if err != nil {
			t.Fatalf("ListPendingDue: %v", err)
		}
		if len(due) != 2 || due[0].ID != past.ID || due[1].ID != now.ID {
			t.Fatalf("due = %+v", due)
		}
	})
}

func TestScheduleTimeKeepsSeconds(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			name := "posts.json"
			if driver == "sqlite" {
				name = "posts.db"
			}
			cfg := Config{Driver: driver, Path: filepath.Join(t.TempDir(), name), Location: time.UTC, Now: func() time.Time { return base }}
			ctx := context.Background()
			at := base.Add(45 * time.Second)

			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			p, err := st.Append(ctx, post.Draft{Content: "c", Platform: "Twitter", ScheduleTime: at.Add(250 * time.Millisecond)})
			if err != nil {
				t.Fatalf("Append: %v", err)
			}
			_ = st.Close()

			st, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			got, err := st.Get(ctx, p.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !got.ScheduleTime.Equal(p.ScheduleTime) || !got.ScheduleTime.Equal(at.Add(time.Second)) {
				t.Fatalf("schedule_time = %v, appended %v", got.ScheduleTime, p.ScheduleTime)
			}
			for _, now := range []time.Time{base.Add(10 * time.Second), at} {
				if due, _ := st.ListPendingDue(ctx, now); len(due) != 0 {
					t.Fatalf("due at %v: %+v", now, due)
				}
			}
			if due, _ := st.ListPendingDue(ctx, at.Add(time.Second)); len(due) != 1 {
				t.Fatalf("not due at schedule time: %+v", due)
			}
		})
	}
}

func TestUpdateStatusEnforcesLifecycle(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		p, _ := st.Append(ctx, post.Draft{Content: "c", Platform: "Twitter", ScheduleTime: base})

		if _, err := st.UpdateStatus(ctx, p.ID, post.StatusSent, "", base); !errors.Is(err, post.ErrInvalidTransition) {
			t.Fatalf("sent without id: err = %v", err)
		}
		got, err := st.UpdateStatus(ctx, p.ID, post.StatusSent, "T123", base)
		if err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
		if got.Status != post.StatusSent || got.APIPostID != "T123" || got.SentAt == nil {
			t.Fatalf("after send = %+v", got)
		}
		if _, err := st.UpdateStatus(ctx, p.ID, post.StatusPending, "", base); !errors.Is(err, post.ErrInvalidTransition) {
			t.Fatalf("sent -> pending: err = %v", err)
		}
		if _, err := st.UpdateStatus(ctx, p.ID, post.StatusFailed, "", base); !errors.Is(err, post.ErrInvalidTransition) {
			t.Fatalf("sent -> failed: err = %v", err)
		}

		sent, err := st.ListSentWithExternalID(ctx)
		if err != nil || len(sent) != 1 || sent[0].APIPostID != "T123" {
			t.Fatalf("ListSentWithExternalID = %+v, %v", sent, err)
		}

		if _, err := st.UpdateStatus(ctx, 999, post.StatusFailed, "", base); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing id: err = %v", err)
		}
	})
}

func TestFailedClearsExternalID(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		p, _ := st.Append(ctx, post.Draft{Content: "c", Platform: "Twitter", ScheduleTime: base})
		got, err := st.UpdateStatus(ctx, p.ID, post.StatusFailed, "leak", base)
		if err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
		if got.APIPostID != "" {
			t.Fatalf("failed post kept api_post_id %q", got.APIPostID)
		}
		reread, _ := st.Get(ctx, p.ID)
		if reread.Status != post.StatusFailed || reread.APIPostID != "" {
			t.Fatalf("reread = %+v", reread)
		}
	})
}

func TestMergeMetricsPartial(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		p, _ := st.Append(ctx, post.Draft{Content: "c", Platform: "Twitter", ScheduleTime: base})
		if _, err := st.MergeMetrics(ctx, p.ID, post.Metrics{post.MetricLikes: 5, post.MetricShares: 2}, base); err != nil {
			t.Fatalf("MergeMetrics: %v", err)
		}
		at := base.Add(time.Minute)
		if _, err := st.MergeMetrics(ctx, p.ID, post.Metrics{post.MetricLikes: 8}, at); err != nil {
			t.Fatalf("MergeMetrics: %v", err)
		}
		if _, err := st.MergeMetrics(ctx, p.ID, post.Metrics{post.MetricLikes: 8}, at); err != nil {
			t.Fatalf("MergeMetrics: %v", err)
		}
		got, _ := st.Get(ctx, p.ID)
		if got.Metrics[post.MetricLikes] != 8 || got.Metrics[post.MetricShares] != 2 {
			t.Fatalf("metrics = %v", got.Metrics)
		}
		if got.LastUpdated == nil || !got.LastUpdated.Equal(at) {
			t.Fatalf("last_updated = %v", got.LastUpdated)
		}
		if got.Status != post.StatusPending {
			t.Fatalf("metrics merge touched status: %s", got.Status)
		}
	})
}

func TestConcurrentAppendsAndUpdates(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		first, _ := st.Append(ctx, post.Draft{Content: "seed", Platform: "Twitter", ScheduleTime: base})

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := st.Append(ctx, post.Draft{Content: "x", Platform: "Twitter", ScheduleTime: base}); err != nil {
					t.Errorf("Append: %v", err)
				}
			}()
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := st.UpdateStatus(ctx, first.ID, post.StatusSent, "T1", base); err != nil {
				t.Errorf("UpdateStatus: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := st.MergeMetrics(ctx, first.ID, post.Metrics{post.MetricReplies: 3}, base); err != nil {
				t.Errorf("MergeMetrics: %v", err)
			}
		}()
		wg.Wait()

		all, err := st.ListAll(ctx)
		if err != nil {
			t.Fatalf("ListAll: %v", err)
		}
		if len(all) != 11 {
			t.Fatalf("len = %d, want 11", len(all))
		}
		seen := map[int64]bool{}
		for _, p := range all {
			if seen[p.ID] {
				t.Fatalf("duplicate id %d", p.ID)
			}
			seen[p.ID] = true
		}
		got, _ := st.Get(ctx, first.ID)
		if got.Status != post.StatusSent || got.Metrics[post.MetricReplies] != 3 {
			t.Fatalf("lost update: %+v", got)
		}
	})
}

func TestAppendAudit(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		err := st.AppendAudit(context.Background(), AuditEntry{Kind: AuditRetry, PostID: 1, Platform: "Twitter", Attempt: 2, Message: "rate limited"})
		if err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	})
}

func TestFileStoreDocumentShape(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "posts.json")
	st, err := Open(Config{Driver: "file", Path: path, Location: time.UTC, Now: func() time.Time { return base }}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	p, _ := st.Append(ctx, post.Draft{Content: "hello", Platform: "Twitter", ScheduleTime: base})
	if _, err := st.UpdateStatus(ctx, p.ID, post.StatusSent, "T123", base); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if _, err := st.Append(ctx, post.Draft{Content: "later", Platform: "Twitter", ScheduleTime: base.Add(30 * time.Second)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	doc := string(b)
	for _, want := range []string{`"schedule_time": "2025-05-01 09:00",`, `"schedule_time": "2025-05-01 09:00:30"`, `"api_post_id": "T123"`, `"sent_at": "2025-05-01 09:00:00"`, `"likes": 0`} {
		if !strings.Contains(doc, want) {
			t.Fatalf("document missing %s:\n%s", want, doc)
		}
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestFileStoreReadsLegacyDocument(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "posts.json")
	legacy := `[
  {"id": 1, "content": "hi", "platform": "Twitter", "schedule_time": "2024-01-01 10:00",
   "status": "sent", "api_post_id": "123", "created_at": "2023-12-31T09:15:00.123456",
   "sent_at": "2024-01-01T10:00:05.5", "metrics": {"likes": 4}},
  {"id": 2, "content": "later", "platform": "LinkedIn", "schedule_time": "2024-01-02 10:00",
   "status": "pending", "api_post_id": null, "created_at": "2023-12-31T09:16:00", "metrics": {}}
]`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: path, Location: time.UTC}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	all, err := st.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d", len(all))
	}
	if all[0].APIPostID != "123" || all[0].Metrics[post.MetricLikes] != 4 || all[0].Metrics[post.MetricShares] != 0 {
		t.Fatalf("post 1 = %+v", all[0])
	}
	if all[0].SentAt == nil {
		t.Fatal("sent_at not parsed")
	}
	if all[1].APIPostID != "" || all[1].Status != post.StatusPending {
		t.Fatalf("post 2 = %+v", all[1])
	}

	p, err := st.Append(context.Background(), post.Draft{Content: "n", Platform: "Twitter", ScheduleTime: base})
	if err != nil || p.ID != 3 {
		t.Fatalf("Append after legacy = %d, %v", p.ID, err)
	}
}

func TestFileStoreCorruptDocumentIsAnError(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "posts.json")
	if err := os.WriteFile(path, []byte(`[{"id": 1,`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(Config{Driver: "file", Path: path}, logx.Nop()); err == nil {
		t.Fatal("expected error for corrupt document")
	}
	b, _ := os.ReadFile(path)
	if string(b) != `[{"id": 1,` {
		t.Fatal("corrupt document must not be rewritten")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
