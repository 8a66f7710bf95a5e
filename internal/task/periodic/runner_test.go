package periodic

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	logx "postbot/pkg/logx"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWarmUpSchedule(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newSchedule(10*time.Minute, time.Minute, now)
	if got := s.Next(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("first = %v", got)
	}
	after := now.Add(time.Minute)
	if got := s.Next(after); !got.Equal(after.Add(10 * time.Minute)) {
		t.Fatalf("second = %v", got)
	}

	z := newSchedule(30*time.Second, 0, now)
	if got := z.Next(now); !got.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("zero delay schedule = %v", got)
	}
	var _ cron.Schedule = z
}

func TestAddValidation(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), time.UTC)
	run := func(context.Context) error { return nil }
	tests := []struct {
		name string
		task Task
	}{
		{name: "no name", task: Task{Interval: time.Second, Run: run}},
		{name: "no run", task: Task{Name: "a", Interval: time.Second}},
		{name: "no interval", task: Task{Name: "a", Run: run}},
	}
	for _, tt := range tests {
		if err := r.Add(tt.task); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
	if err := r.Add(Task{Name: "a", Interval: time.Second, Run: run}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(Task{Name: "a", Interval: time.Second, Run: run}); err == nil {
		t.Fatal("duplicate name accepted")
	}
}

func TestImmediateFirstRunAndPanicContained(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), time.UTC)
	var calls atomic.Int32
	_ = r.Add(Task{Name: "tick", Interval: time.Hour, Run: func(context.Context) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = r.Stop(context.Background()) }()

	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 1 && !r.Snapshot()[0].Running })
	snap := r.Snapshot()[0]
	if snap.Failures != 1 || snap.LastError == "" {
		t.Fatalf("snapshot after panic = %+v", snap)
	}
	if snap.Next.IsZero() {
		t.Fatal("next run not scheduled")
	}

	if err := r.Trigger(context.Background(), "tick"); err != nil {
		t.Fatalf("Trigger after panic: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestTriggerBusyAndUnknown(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), time.UTC)
	release := make(chan struct{})
	entered := make(chan struct{})
	_ = r.Add(Task{Name: "slow", Interval: time.Hour, InitialDelay: time.Hour, Run: func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Trigger(context.Background(), "slow") }()
	<-entered
	if err := r.Trigger(context.Background(), "slow"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Trigger err = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Trigger: %v", err)
	}
	if err := r.Trigger(context.Background(), "missing"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("unknown err = %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopWaitsForInFlightRun(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), time.UTC)
	entered := make(chan struct{})
	var finished atomic.Bool
	_ = r.Add(Task{Name: "work", Interval: time.Hour, Run: func(ctx context.Context) error {
		close(entered)
		select {
		case <-time.After(100 * time.Millisecond):
			finished.Store(true)
		case <-ctx.Done():
		}
		return nil
	}})
	parent, cancel := context.WithCancel(context.Background())
	if err := r.Start(parent); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered
	cancel()

	ctx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !finished.Load() {
		t.Fatal("Stop returned before the in-flight run finished")
	}
}

func TestTriggerRacingStop(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), time.UTC)
	var runs atomic.Int32
	_ = r.Add(Task{Name: "quick", Interval: time.Hour, Run: func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	errs := make(chan error, 20)
	for i := 0; i < cap(errs); i++ {
		go func() { errs <- r.Trigger(context.Background(), "quick") }()
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for i := 0; i < cap(errs); i++ {
		if err := <-errs; err != nil && !errors.Is(err, ErrBusy) && !errors.Is(err, ErrStopped) {
			t.Fatalf("Trigger err = %v", err)
		}
	}
	if err := r.Trigger(context.Background(), "quick"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Trigger after Stop err = %v, want ErrStopped", err)
	}
	n := runs.Load()
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != n {
		t.Fatal("task ran after Stop returned")
	}
}

func TestStopDeadlineCancelsRun(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), time.UTC)
	entered := make(chan struct{})
	_ = r.Add(Task{Name: "stuck", Interval: time.Hour, Run: func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}})
	_ = r.Start(context.Background())
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop err = %v", err)
	}
}

func TestTimeoutBoundsRun(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), time.UTC)
	_ = r.Add(Task{Name: "t", Interval: time.Hour, InitialDelay: time.Hour, Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	_ = r.Start(context.Background())
	defer func() { _ = r.Stop(context.Background()) }()
	if err := r.Trigger(context.Background(), "t"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if snap := r.Snapshot()[0]; snap.Failures != 1 {
		t.Fatalf("failures = %d", snap.Failures)
	}
}
