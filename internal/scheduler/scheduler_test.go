package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/i474232898/air-quality-etl/internal/airquality"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRunner struct {
	calls   atomic.Int32
	err     error
	started chan struct{}
	release chan struct{}
	ctxErr  atomic.Value
}

func (r *fakeRunner) RunOnce(ctx context.Context) (airquality.RunReport, error) {
	n := r.calls.Add(1)
	if r.started != nil && n == 1 {
		close(r.started)
	}
	if r.release != nil {
		<-r.release
	}
	r.ctxErr.Store(fmt.Sprint(ctx.Err()))
	return airquality.RunReport{ID: fmt.Sprintf("run-%d", n)}, r.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPollFirstRunAfterInterval(t *testing.T) {
	clk := newFakeClock()
	r := &fakeRunner{}
	s := New(r, Options{Interval: 24 * time.Hour, Clock: clk, Logger: quietLogger()})
	if err := s.start(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	s.Poll(ctx)
	if r.calls.Load() != 0 {
		t.Fatal("no run is due right after start")
	}

	clk.Advance(24 * time.Hour)
	s.Poll(ctx)
	s.Poll(ctx)
	if got := r.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one run when due, got %d", got)
	}

	clk.Advance(23 * time.Hour)
	s.Poll(ctx)
	if got := r.calls.Load(); got != 1 {
		t.Fatalf("run triggered before the interval elapsed: %d", got)
	}
	clk.Advance(time.Hour)
	s.Poll(ctx)
	if got := r.calls.Load(); got != 2 {
		t.Fatalf("expected a second run, got %d", got)
	}
}

func TestPollRunOnStart(t *testing.T) {
	clk := newFakeClock()
	r := &fakeRunner{}
	s := New(r, Options{Interval: time.Hour, RunOnStart: true, Clock: clk, Logger: quietLogger()})
	if err := s.start(); err != nil {
		t.Fatal(err)
	}

	s.Poll(context.Background())
	if r.calls.Load() != 1 {
		t.Fatal("expected a run at the first poll")
	}

	st := s.Status()
	if st.Runs != 1 || st.LastRunID != "run-1" || st.NextDue == nil || !st.NextDue.Equal(clk.Now().Add(time.Hour)) {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestPollSuppressedAfterStop(t *testing.T) {
	clk := newFakeClock()
	r := &fakeRunner{}
	s := New(r, Options{RunOnStart: true, Clock: clk, Logger: quietLogger()})

	s.Poll(context.Background())
	if r.calls.Load() != 0 {
		t.Fatal("poll must not run before start")
	}

	if err := s.start(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Poll(ctx)
	if r.calls.Load() != 0 {
		t.Fatal("poll must not run once the context is cancelled")
	}

	s.beginStop()
	s.Poll(context.Background())
	if r.calls.Load() != 0 {
		t.Fatal("poll must not run once stopping")
	}
	if st := s.Status(); st.State != StateStopping || st.NextDue != nil {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestPollSwallowsRunFailures(t *testing.T) {
	clk := newFakeClock()
	r := &fakeRunner{err: &airquality.StageError{Stage: airquality.StageExtract, Err: &airquality.ExtractionFailure{StatusCode: 503}}}
	s := New(r, Options{Interval: time.Hour, RunOnStart: true, Clock: clk, Logger: quietLogger()})
	if err := s.start(); err != nil {
		t.Fatal(err)
	}

	s.Poll(context.Background())
	clk.Advance(time.Hour)
	s.Poll(context.Background())

	st := s.Status()
	if r.calls.Load() != 2 || st.State != StateRunning {
		t.Fatalf("failures must not stop scheduling: calls=%d state=%s", r.calls.Load(), st.State)
	}
	if st.LastError == "" {
		t.Fatal("last error should be reported")
	}
	select {
	case err := <-s.fatal:
		t.Fatalf("non-fatal failure reported as fatal: %v", err)
	default:
	}
}

func TestRunWaitsForInFlightRun(t *testing.T) {
	r := &fakeRunner{started: make(chan struct{}), release: make(chan struct{})}
	s := New(r, Options{Interval: time.Hour, PollInterval: 10 * time.Millisecond, RunOnStart: true, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never started")
	}
	if !s.Status().RunInProgress {
		t.Fatal("status should report the run in progress")
	}

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a pipeline run was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(r.release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the in-flight run completed")
	}

	if got := r.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one run, got %d", got)
	}
	if got := r.ctxErr.Load(); got != "<nil>" {
		t.Fatalf("in-flight run must not observe cancellation, ctx.Err() = %v", got)
	}
	if st := s.Status(); st.State != StateStopped || st.RunInProgress {
		t.Fatalf("unexpected final status %+v", st)
	}

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("a stopped scheduler must not start again")
	}
}

func TestRunStopsOnFatalError(t *testing.T) {
	r := &fakeRunner{err: &airquality.StageError{
		Stage: airquality.StageMerge,
		Err:   &airquality.PersistenceIOError{Op: "write", Path: "x.csv", Err: syscall.ENOSPC},
	}}
	s := New(r, Options{PollInterval: 10 * time.Millisecond, RunOnStart: true, Logger: quietLogger()})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, syscall.ENOSPC) {
			t.Fatalf("expected ENOSPC, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after a fatal error")
	}
}
