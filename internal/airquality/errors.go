package airquality

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrDatetimeConversion is matched by every DatetimeConversionError.
var ErrDatetimeConversion = errors.New("datetime conversion failed")

// ExtractionFailure is returned when the upstream answers with a non-200 status.
type ExtractionFailure struct {
	StatusCode int
}

func (e *ExtractionFailure) Error() string {
	return fmt.Sprintf("extraction failed: upstream returned status %d", e.StatusCode)
}

// DatetimeConversionError reports a timestamp column that could not be parsed.
type DatetimeConversionError struct {
	Column string
	Err    error
}

func (e *DatetimeConversionError) Error() string {
	return fmt.Sprintf("datetime conversion of column %q failed: %v", e.Column, e.Err)
}

func (e *DatetimeConversionError) Unwrap() error { return e.Err }

func (e *DatetimeConversionError) Is(target error) bool { return target == ErrDatetimeConversion }

// SchemaViolation reports a required column that is absent or has the wrong type.
type SchemaViolation struct {
	Column string
	Reason string
}

func (e *SchemaViolation) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("schema violation: required column %q is missing", e.Column)
	}
	return fmt.Sprintf("schema violation: column %q %s", e.Column, e.Reason)
}

// PersistenceIOError reports a failed read or write of the persisted dataset.
type PersistenceIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceIOError) Error() string {
	return fmt.Sprintf("dataset %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceIOError) Unwrap() error { return e.Err }

// Stage names one step of a pipeline run.
type Stage string

const (
	StageExtract   Stage = "extract"
	StageClean     Stage = "clean"
	StageTransform Stage = "transform"
	StageMerge     Stage = "merge"
)

// StageError ties a run failure to the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsFatal reports whether err means the process cannot make progress at all.
// Only resource exhaustion qualifies; every other failure is local to its run.
func IsFatal(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
