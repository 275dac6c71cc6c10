package airquality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// RunStatus is the outcome of a pipeline run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunReport describes one pipeline run.
type RunReport struct {
	ID          string      `json:"id"`
	StartedAt   time.Time   `json:"startedAt"`
	FinishedAt  time.Time   `json:"finishedAt"`
	Status      RunStatus   `json:"status"`
	FailedStage Stage       `json:"failedStage,omitempty"`
	Error       string      `json:"error,omitempty"`
	Source      string      `json:"source"`
	Fetched     int         `json:"fetched"`
	Cleaned     int         `json:"cleaned"`
	Transformed int         `json:"transformed"`
	Merge       MergeResult `json:"merge"`
}

// inflight keeps at most one run per dataset path in flight. A trigger that
// arrives while a run against the same path is executing joins that run.
var inflight singleflight.Group

// Service orchestrates one extract, clean, transform and merge pass.
type Service struct {
	extractor   Extractor
	cleaner     *Cleaner
	transformer *Transformer
	store       Store
	recorder    Recorder
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

func WithRecorder(r Recorder) ServiceOption {
	return func(s *Service) { s.recorder = r }
}

func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a new Service.
func NewService(extractor Extractor, cleaner *Cleaner, transformer *Transformer, store Store, opts ...ServiceOption) *Service {
	s := &Service{
		extractor:   extractor,
		cleaner:     cleaner,
		transformer: transformer,
		store:       store,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cleaner == nil {
		s.cleaner = NewCleaner(s.logger)
	}
	if s.transformer == nil {
		s.transformer = NewTransformer()
	}
	return s
}

// RunOnce executes the pipeline a single time. Stages run strictly in order and
// the first failing stage ends the run, so nothing is merged after a cleaning
// or transform failure. The returned error is a *StageError.
func (s *Service) RunOnce(ctx context.Context) (RunReport, error) {
	v, err, shared := inflight.Do(s.store.Path(), func() (interface{}, error) {
		return s.runOnce(ctx)
	})
	report, _ := v.(RunReport)
	if shared {
		s.logger.Info("joined a run already in flight", "run_id", report.ID, "dataset", s.store.Path())
	}
	return report, err
}

func (s *Service) runOnce(ctx context.Context) (RunReport, error) {
	report := RunReport{
		ID:        uuid.NewString(),
		StartedAt: s.now().UTC(),
		Source:    s.extractor.Name(),
	}
	logger := s.logger.With("run_id", report.ID)
	logger.Info("pipeline run started", "source", report.Source, "dataset", s.store.Path())

	err := s.run(ctx, logger, &report)
	report.FinishedAt = s.now().UTC()

	if err != nil {
		report.Status = RunFailed
		report.Error = err.Error()
		var se *StageError
		if errors.As(err, &se) {
			report.FailedStage = se.Stage
		}
		logger.Error("pipeline run failed",
			"stage", report.FailedStage,
			"error", err,
			"duration", report.FinishedAt.Sub(report.StartedAt),
		)
	} else {
		report.Status = RunSucceeded
		logger.Info("pipeline run completed",
			"fetched", report.Fetched,
			"added", report.Merge.Added,
			"dataset_rows", report.Merge.Written,
			"duration", report.FinishedAt.Sub(report.StartedAt),
		)
	}

	s.afterRun(ctx, logger, report)
	return report, err
}

func (s *Service) run(ctx context.Context, logger *slog.Logger, report *RunReport) error {
	frame, err := s.extractor.Extract(ctx)
	if err != nil {
		return &StageError{Stage: StageExtract, Err: err}
	}
	report.Fetched = frame.Len()

	cleaned, cleanReport, err := s.cleaner.Clean(frame)
	if err != nil {
		return &StageError{Stage: StageClean, Err: err}
	}
	report.Cleaned = cleaned.Len()
	logger.Debug("batch cleaned",
		"rows_in", cleanReport.RowsIn,
		"rows_out", cleanReport.RowsOut,
		"dropped_columns", cleanReport.DroppedColumns,
	)

	readings, err := s.transformer.Transform(cleaned)
	if err != nil {
		return &StageError{Stage: StageTransform, Err: err}
	}
	report.Transformed = len(readings)

	if err := ctx.Err(); err != nil {
		return &StageError{Stage: StageMerge, Err: fmt.Errorf("not merged: %w", err)}
	}
	res, err := s.store.Merge(ctx, readings)
	if err != nil {
		return &StageError{Stage: StageMerge, Err: err}
	}
	report.Merge = res
	return nil
}

// afterRun records and publishes the report. Failures here never change the run outcome.
func (s *Service) afterRun(ctx context.Context, logger *slog.Logger, report RunReport) {
	if s.recorder != nil {
		if err := s.recorder.Record(ctx, report); err != nil {
			logger.Warn("failed to record run", "error", err)
		}
	}
	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, report); err != nil {
			logger.Warn("failed to publish run", "error", err)
		}
	}
}
