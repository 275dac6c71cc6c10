package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/i474232898/air-quality-etl/internal/airquality"
	"github.com/qmuntal/stateless"
)

// Clock supplies the current time for scheduling decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Runner executes one pipeline run.
type Runner interface {
	RunOnce(ctx context.Context) (airquality.RunReport, error)
}

// State is the observable lifecycle state of the scheduler.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

const (
	triggerStart   = "start"
	triggerStop    = "stop"
	triggerStopped = "stopped"
)

// Options configures a Scheduler.
type Options struct {
	// Interval between two pipeline runs.
	Interval time.Duration
	// PollInterval is how often the due check runs.
	PollInterval time.Duration
	// RunOnStart makes the first run happen at the first poll instead of one
	// Interval after start.
	RunOnStart bool
	Clock      Clock
	Logger     *slog.Logger
}

// Status is a snapshot of the scheduler.
type Status struct {
	State         State      `json:"state"`
	RunInProgress bool       `json:"runInProgress"`
	Runs          int        `json:"runs"`
	LastRunID     string     `json:"lastRunId,omitempty"`
	LastStart     *time.Time `json:"lastStart,omitempty"`
	LastFinish    *time.Time `json:"lastFinish,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	NextDue       *time.Time `json:"nextDue,omitempty"`
}

// Scheduler triggers the pipeline once per interval. A short poll decides
// whether a run is due and, if so, executes it synchronously inside the poll.
// Cancellation is cooperative: an in-flight run always completes.
type Scheduler struct {
	runner  Runner
	opts    Options
	clock   Clock
	logger  *slog.Logger
	machine *stateless.StateMachine

	mu         sync.Mutex
	started    time.Time
	lastStart  time.Time
	lastFinish time.Time
	lastErr    string
	lastRunID  string
	runs       int

	running  atomic.Bool
	inflight sync.WaitGroup
	fatal    chan error
}

// New creates a new Scheduler.
func New(runner Runner, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	machine := stateless.NewStateMachine(StateIdle)
	machine.Configure(StateIdle).
		Permit(triggerStart, StateRunning)
	machine.Configure(StateRunning).
		Permit(triggerStop, StateStopping)
	machine.Configure(StateStopping).
		Permit(triggerStopped, StateStopped)

	return &Scheduler{
		runner:  runner,
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger,
		machine: machine,
		fatal:   make(chan error, 1),
	}
}

// Run starts polling and blocks until ctx is cancelled or a run fails with a
// process-fatal error. It returns only after any in-flight run has finished.
// The returned error is nil on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.start(); err != nil {
		return err
	}

	cron := gocron.NewScheduler(time.UTC)
	_, err := cron.Every(s.opts.PollInterval).SingletonMode().Do(func() {
		s.Poll(ctx)
	})
	if err != nil {
		s.beginStop()
		s.finishStop()
		return fmt.Errorf("scheduling poll job: %w", err)
	}

	s.logger.Info("scheduler started",
		"interval", s.opts.Interval,
		"poll_interval", s.opts.PollInterval,
		"run_on_start", s.opts.RunOnStart,
	)
	cron.StartAsync()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("stop requested")
	case runErr = <-s.fatal:
		s.logger.Error("stopping after fatal error", "error", runErr)
	}

	s.beginStop()
	cron.Stop()
	if s.running.Load() {
		s.logger.Info("waiting for the in-flight run to complete")
	}
	s.inflight.Wait()
	s.finishStop()

	s.logger.Info("scheduler stopped", "runs", s.Status().Runs)
	return runErr
}

func (s *Scheduler) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.machine.Fire(triggerStart); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	s.started = s.clock.Now()
	return nil
}

// beginStop suppresses every scheduling decision made after it returns.
func (s *Scheduler) beginStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateLocked() == StateRunning {
		_ = s.machine.Fire(triggerStop)
	}
}

func (s *Scheduler) finishStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateLocked() == StateStopping {
		_ = s.machine.Fire(triggerStopped)
	}
}

// Poll runs the pipeline if the scheduler is running, ctx is live and a run
// is due. The run itself is not cancelled by ctx.
func (s *Scheduler) Poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	now := s.clock.Now()
	if s.stateLocked() != StateRunning || !s.dueLocked(now) || !s.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return
	}
	s.lastStart = now
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()
	defer s.running.Store(false)

	s.logger.Info("scheduled run starting")
	report, err := s.runner.RunOnce(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.lastFinish = s.clock.Now()
	s.runs++
	s.lastRunID = report.ID
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err == nil {
		return
	}
	if airquality.IsFatal(err) {
		select {
		case s.fatal <- err:
		default:
		}
		return
	}
	s.logger.Warn("run failed; waiting for the next scheduled run", "run_id", report.ID, "error", err)
}

func (s *Scheduler) dueLocked(now time.Time) bool {
	return !now.Before(s.nextDueLocked())
}

func (s *Scheduler) nextDueLocked() time.Time {
	if s.lastStart.IsZero() {
		if s.opts.RunOnStart {
			return s.started
		}
		return s.started.Add(s.opts.Interval)
	}
	return s.lastStart.Add(s.opts.Interval)
}

func (s *Scheduler) stateLocked() State {
	return s.machine.MustState().(State)
}

// Status returns a snapshot of the scheduler.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:         s.stateLocked(),
		RunInProgress: s.running.Load(),
		Runs:          s.runs,
		LastRunID:     s.lastRunID,
		LastError:     s.lastErr,
	}
	if !s.lastStart.IsZero() {
		t := s.lastStart
		st.LastStart = &t
	}
	if !s.lastFinish.IsZero() {
		t := s.lastFinish
		st.LastFinish = &t
	}
	if st.State == StateRunning {
		t := s.nextDueLocked()
		st.NextDue = &t
	}
	return st
}
