package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"postbot/internal/post"
	"postbot/internal/task/retry"
	logx "postbot/pkg/logx"
)

type fakeAdapter struct {
	name    string
	publish func(ctx context.Context, content string, postID int64) (string, error)
	metrics func(ctx context.Context, id string) (post.Metrics, error)
	calls   atomic.Int32
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Publish(ctx context.Context, content string, postID int64) (string, error) {
	f.calls.Add(1)
	return f.publish(ctx, content, postID)
}

func (f *fakeAdapter) FetchMetrics(ctx context.Context, id string) (post.Metrics, error) {
	if f.metrics == nil {
		return nil, nil
	}
	return f.metrics(ctx, id)
}

type pingAdapter struct {
	fakeAdapter
	err error
}

func (p *pingAdapter) Ping(context.Context) error { return p.err }

func newRouter(t *testing.T, settings map[string]Settings, adapters ...Adapter) *Router {
	t.Helper()
	r, err := NewRouter(adapters, settings, logx.Nop())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r
}

func TestRouterPublish(t *testing.T) {
	t.Parallel()
	tw := &fakeAdapter{name: "Twitter", publish: func(ctx context.Context, content string, id int64) (string, error) {
		if content != "hello" {
			t.Errorf("content = %q", content)
		}
		return "T123", nil
	}}
	r := newRouter(t, nil, tw)

	ok, id, err := r.Publish(context.Background(), "twitter", "hello", 1)
	if !ok || id != "T123" || err != nil {
		t.Fatalf("Publish = %v, %q, %v", ok, id, err)
	}

	ok, id, err = r.Publish(context.Background(), "LinkedIn", "hello", 2)
	if ok || id != "" || !errors.Is(err, ErrUnavailable) {
		t.Fatalf("unconfigured Publish = %v, %q, %v", ok, id, err)
	}
}

func TestRouterEmptyIDAndPanic(t *testing.T) {
	t.Parallel()
	empty := &fakeAdapter{name: "Empty", publish: func(context.Context, string, int64) (string, error) { return " ", nil }}
	boom := &fakeAdapter{name: "Boom", publish: func(context.Context, string, int64) (string, error) { panic("kaboom") }}
	r := newRouter(t, nil, empty, boom)

	if ok, _, err := r.Publish(context.Background(), "Empty", "x", 1); ok || !errors.Is(err, ErrEmptyID) {
		t.Fatalf("empty id: ok=%v err=%v", ok, err)
	}
	if ok, _, err := r.Publish(context.Background(), "Boom", "x", 1); ok || err == nil {
		t.Fatalf("panic: ok=%v err=%v", ok, err)
	}
}

func TestRouterDailyQuota(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{name: "Twitter", publish: func(context.Context, string, int64) (string, error) { return "id", nil }}
	r := newRouter(t, map[string]Settings{"twitter": {RateLimit: 2}}, a)

	for i := 0; i < 2; i++ {
		if ok, _, err := r.Publish(context.Background(), "Twitter", "x", int64(i)); !ok {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if ok, _, err := r.Publish(context.Background(), "Twitter", "x", 3); ok || !errors.Is(err, ErrThrottled) {
		t.Fatalf("third publish: ok=%v err=%v", ok, err)
	}
	if a.calls.Load() != 2 {
		t.Fatalf("adapter calls = %d", a.calls.Load())
	}
}

func TestRouterBreakerTripsOnTransientOnly(t *testing.T) {
	t.Parallel()
	var fail atomic.Value
	fail.Store(error(&StatusError{Platform: "X", Code: 503}))
	a := &fakeAdapter{name: "X", publish: func(context.Context, string, int64) (string, error) {
		return "", fail.Load().(error)
	}}
	r := newRouter(t, nil, a)

	for i := 0; i < breakerTrip; i++ {
		if _, _, err := r.Publish(context.Background(), "X", "x", 1); errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("breaker open too early at %d", i)
		}
	}
	if _, _, err := r.Publish(context.Background(), "X", "x", 1); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if got := a.calls.Load(); got != breakerTrip {
		t.Fatalf("adapter calls = %d", got)
	}
	if snap := r.Snapshot(); len(snap) != 1 || snap[0].Breaker != "open" {
		t.Fatalf("snapshot = %+v", snap)
	}

	perm := &fakeAdapter{name: "P", publish: func(context.Context, string, int64) (string, error) {
		return "", Rejected("P", "too long")
	}}
	r2 := newRouter(t, nil, perm)
	for i := 0; i < breakerTrip+3; i++ {
		if _, _, err := r2.Publish(context.Background(), "P", "x", 1); !errors.Is(err, ErrContentRejected) {
			t.Fatalf("attempt %d err = %v", i, err)
		}
	}
}

func TestRouterTimeout(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{name: "Slow", publish: func(ctx context.Context, _ string, _ int64) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	r := newRouter(t, map[string]Settings{"slow": {Timeout: 20 * time.Millisecond}}, a)
	start := time.Now()
	if ok, _, err := r.Publish(context.Background(), "Slow", "x", 1); ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout not applied")
	}
}

func TestRouterFetchMetrics(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{
		name:    "Twitter",
		publish: func(context.Context, string, int64) (string, error) { return "id", nil },
		metrics: func(_ context.Context, id string) (post.Metrics, error) {
			switch id {
			case "ok":
				return post.Metrics{post.MetricLikes: 3}, nil
			case "err":
				return nil, errors.New("boom")
			case "panic":
				panic("x")
			}
			return nil, nil
		},
	}
	r := newRouter(t, nil, a)
	ctx := context.Background()
	if m := r.FetchMetrics(ctx, "Twitter", "ok"); m[post.MetricLikes] != 3 {
		t.Fatalf("metrics = %v", m)
	}
	for _, id := range []string{"err", "panic", "none"} {
		if m := r.FetchMetrics(ctx, "Twitter", id); m != nil {
			t.Fatalf("%s: metrics = %v, want nil", id, m)
		}
	}
	if m := r.FetchMetrics(ctx, "Mastodon", "ok"); m != nil {
		t.Fatalf("unconfigured: %v", m)
	}
}

func TestRouterListAndTest(t *testing.T) {
	t.Parallel()
	pub := func(context.Context, string, int64) (string, error) { return "id", nil }
	good := &pingAdapter{fakeAdapter: fakeAdapter{name: "Twitter", publish: pub}}
	bad := &pingAdapter{fakeAdapter: fakeAdapter{name: "LinkedIn", publish: pub}, err: errors.New("401")}
	plain := &fakeAdapter{name: "Telegram", publish: pub}
	r := newRouter(t, nil, good, bad, plain)

	got := r.ListAvailable()
	want := []string{"LinkedIn", "Telegram", "Twitter"}
	if len(got) != len(want) {
		t.Fatalf("ListAvailable = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ListAvailable = %v", got)
		}
	}
	if !r.IsAvailable(" TWITTER ") || r.IsAvailable("Mastodon") {
		t.Fatal("IsAvailable mismatch")
	}

	res := r.TestConnection(context.Background())
	if !res["Twitter"] || res["LinkedIn"] || !res["Telegram"] {
		t.Fatalf("TestConnection = %v", res)
	}
}

func TestNewRouterRejectsDuplicates(t *testing.T) {
	t.Parallel()
	pub := func(context.Context, string, int64) (string, error) { return "id", nil }
	_, err := NewRouter([]Adapter{&fakeAdapter{name: "X", publish: pub}, &fakeAdapter{name: "x", publish: pub}}, nil, logx.Nop())
	if err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want retry.Class
	}{
		{name: "429", err: &StatusError{Code: 429}, want: retry.ClassRateLimit},
		{name: "503", err: &StatusError{Code: 503}, want: retry.ClassServer},
		{name: "500 wrapped", err: retry.RetryAfter(&StatusError{Code: 500}, time.Second), want: retry.ClassServer},
		{name: "403", err: &StatusError{Code: 403}, want: retry.ClassPermanent},
		{name: "400", err: &StatusError{Code: 400}, want: retry.ClassPermanent},
		{name: "rejected", err: Rejected("X", "too long"), want: retry.ClassPermanent},
		{name: "canceled", err: context.Canceled, want: retry.ClassPermanent},
		{name: "deadline", err: context.DeadlineExceeded, want: retry.ClassServer},
		{name: "other", err: errors.New("eof"), want: retry.ClassUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Fatalf("%s: Classify = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCheckResponseRetryAfter(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"title":"Too Many Requests"}`))
	}))
	defer srv.Close()

	c := NewBearerClient(context.Background(), "tok", time.Second)
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	err = CheckResponse("Twitter", resp)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 429 {
		t.Fatalf("err = %v", err)
	}
	if d, ok := retry.HintOf(err); !ok || d != 7*time.Second {
		t.Fatalf("hint = %v, %v", d, ok)
	}
	if Classify(err) != retry.ClassRateLimit {
		t.Fatalf("class = %v", Classify(err))
	}
}

func TestRetrierObservesRetries(t *testing.T) {
	t.Parallel()
	var seen []int
	rt := Retrier{
		Policy: retry.Policy{Attempts: 3, Sleep: func(context.Context, time.Duration) error { return nil }},
		Log:    logx.Nop(),
		Observe: func(postID int64, platform string, attempt int, wait time.Duration, err error) {
			if postID != 9 || platform != "Twitter" {
				t.Errorf("observe(%d, %s)", postID, platform)
			}
			seen = append(seen, attempt)
		},
	}
	calls := 0
	err := rt.Do(context.Background(), "Twitter", 9, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return &StatusError{Code: 503}
		}
		return nil
	})
	if err != nil || calls != 3 || len(seen) != 2 {
		t.Fatalf("err=%v calls=%d seen=%v", err, calls, seen)
	}

	calls = 0
	err = rt.Do(context.Background(), "Twitter", 9, func(ctx context.Context, attempt int) error {
		calls++
		return &StatusError{Code: 403}
	})
	if calls != 1 || err == nil {
		t.Fatalf("403: calls=%d err=%v", calls, err)
	}
}
