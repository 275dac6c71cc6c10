package airquality

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/hashicorp/go-multierror"
)

// Cleaner validates and repairs a single flattened batch.
type Cleaner struct {
	keep   map[string]bool
	logger *slog.Logger
}

// CleanReport summarizes what cleaning changed.
type CleanReport struct {
	RowsIn            int            `json:"rowsIn"`
	RowsOut           int            `json:"rowsOut"`
	DuplicatesRemoved int            `json:"duplicatesRemoved"`
	MissingValues     map[string]int `json:"missingValues,omitempty"`
	DroppedColumns    []string       `json:"droppedColumns,omitempty"`
}

// NewCleaner creates a Cleaner. Columns named in keep are never dropped as
// single-valued.
func NewCleaner(logger *slog.Logger, keep ...string) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	k := make(map[string]bool, len(keep))
	for _, c := range keep {
		k[c] = true
	}
	return &Cleaner{keep: k, logger: logger}
}

// Clean audits missing values, removes duplicate rows, converts the two
// timestamp columns to date-times and removes information-free columns.
// The input frame is not modified. A timestamp that does not parse fails the
// whole batch with a DatetimeConversionError.
func (c *Cleaner) Clean(f *Frame) (*Frame, CleanReport, error) {
	if f == nil {
		return nil, CleanReport{}, fmt.Errorf("clean: nil frame")
	}

	report := CleanReport{RowsIn: len(f.Rows)}

	report.MissingValues = auditMissing(f)
	if len(report.MissingValues) > 0 {
		c.logger.Warn("missing values detected", "columns", report.MissingValues)
	} else {
		c.logger.Debug("no missing values", "rows", len(f.Rows))
	}

	out := dedupRows(f)

	for _, col := range []string{IndexColumn, UTCColumn} {
		if err := convertTimestamps(out, col); err != nil {
			return nil, report, err
		}
	}

	var drop []string
	// The timestamp columns index the batch and are never dropped.
	for i, col := range out.Columns {
		if c.keep[col] || col == IndexColumn || col == UTCColumn {
			continue
		}
		if distinctCount(out, i) == 1 {
			drop = append(drop, col)
		}
	}
	if out.ColumnIndex(LegacyColumn) >= 0 && !slices.Contains(drop, LegacyColumn) {
		drop = append(drop, LegacyColumn)
	}
	if len(drop) > 0 {
		out = out.DropColumns(drop...)
		c.logger.Debug("columns dropped", "columns", drop)
	}

	// Parsing and column removal can make previously distinct rows equal.
	out = dedupRows(out)
	report.DuplicatesRemoved = len(f.Rows) - len(out.Rows)
	if report.DuplicatesRemoved > 0 {
		c.logger.Info("duplicate rows removed", "removed", report.DuplicatesRemoved, "rows", len(out.Rows))
	}

	report.DroppedColumns = drop
	report.RowsOut = len(out.Rows)
	return out, report, nil
}

func auditMissing(f *Frame) map[string]int {
	missing := make(map[string]int)
	for i, col := range f.Columns {
		n := 0
		for _, row := range f.Rows {
			if row[i].IsNull() {
				n++
			}
		}
		if n > 0 {
			missing[col] = n
		}
	}
	return missing
}

// dedupRows returns a copy of f keeping the first occurrence of every row.
func dedupRows(f *Frame) *Frame {
	out := &Frame{Columns: append([]string(nil), f.Columns...)}
	seen := make(map[string]struct{}, len(f.Rows))
	for _, row := range f.Rows {
		k := rowKey(row)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out.Rows = append(out.Rows, append([]Value(nil), row...))
	}
	return out
}

func convertTimestamps(f *Frame, col string) error {
	idx := f.ColumnIndex(col)
	if idx < 0 {
		return &DatetimeConversionError{Column: col, Err: fmt.Errorf("column not found")}
	}

	var errs *multierror.Error
	for r, row := range f.Rows {
		v := row[idx]
		switch v.Kind {
		case KindTime:
		case KindString:
			t, err := ParseTimestamp(v.Str)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("row %d: %w", r, err))
				continue
			}
			row[idx] = TimeValue(t)
		case KindNull:
			errs = multierror.Append(errs, fmt.Errorf("row %d: missing value", r))
		default:
			errs = multierror.Append(errs, fmt.Errorf("row %d: %q is not a date-time", r, v.String()))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return &DatetimeConversionError{Column: col, Err: err}
	}
	return nil
}

// distinctCount counts the distinct non-null values of column idx.
func distinctCount(f *Frame, idx int) int {
	seen := make(map[string]struct{})
	for _, row := range f.Rows {
		if row[idx].IsNull() {
			continue
		}
		seen[row[idx].key()] = struct{}{}
	}
	return len(seen)
}
