package linkedin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"postbot/internal/platform"
	"postbot/internal/task/retry"
	logx "postbot/pkg/logx"
)

func newTestAdapter(t *testing.T, author string, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	a, err := New(context.Background(), Config{
		BaseURL:     srv.URL,
		AccessToken: "li-token",
		AuthorURN:   author,
		Retrier: platform.Retrier{Policy: retry.Policy{
			Attempts: 3,
			Sleep:    func(context.Context, time.Duration) error { return nil },
		}},
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestPublishResolvesAuthorOnce(t *testing.T) {
	t.Parallel()
	var userinfo, posts atomic.Int32
	a := newTestAdapter(t, "", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer li-token" {
			t.Errorf("Authorization = %q", got)
		}
		switch r.URL.Path {
		case "/v2/userinfo":
			userinfo.Add(1)
			_, _ = w.Write([]byte(`{"sub":"abc"}`))
		case "/v2/ugcPosts":
			posts.Add(1)
			if r.Header.Get("X-Restli-Protocol-Version") != "2.0.0" {
				t.Errorf("missing restli header")
			}
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["author"] != "urn:li:person:abc" {
				t.Errorf("author = %v", body["author"])
			}
			w.Header().Set("X-Restli-Id", "urn:li:share:42")
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	for i := 0; i < 2; i++ {
		id, err := a.Publish(context.Background(), "hello", int64(i))
		if err != nil || id != "urn:li:share:42" {
			t.Fatalf("Publish = %q, %v", id, err)
		}
	}
	if userinfo.Load() != 1 || posts.Load() != 2 {
		t.Fatalf("userinfo=%d posts=%d", userinfo.Load(), posts.Load())
	}
}

func TestPublishFallbackID(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, "urn:li:organization:7", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	id, err := a.Publish(context.Background(), "hello", 12)
	if err != nil || id != "LI-12" {
		t.Fatalf("Publish = %q, %v", id, err)
	}
}

func TestPublishLimitsAndErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	a := newTestAdapter(t, "urn:li:person:x", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	if _, err := a.Publish(context.Background(), strings.Repeat("a", MaxLength+1), 1); !errors.Is(err, platform.ErrContentRejected) {
		t.Fatalf("over limit err = %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("over-limit content reached the network")
	}

	_, err := a.Publish(context.Background(), "hi", 1)
	if !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestPublishUnprocessableIsPermanent(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	a := newTestAdapter(t, "urn:li:person:x", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	if _, err := a.Publish(context.Background(), "hi", 1); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestMetricsAlwaysEmptyAndPing(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	if m, err := a.FetchMetrics(context.Background(), "urn:li:share:1"); m != nil || err != nil {
		t.Fatalf("FetchMetrics = %v, %v", m, err)
	}
	if err := a.Ping(context.Background()); err == nil {
		t.Fatal("Ping should fail on 401")
	}
}
