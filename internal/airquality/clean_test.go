package airquality

import (
	"errors"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// rawBatch mirrors what the extractor produces for a typical upstream payload:
// parent fields broadcast on every row, followed by the per-hour readings.
func rawBatch() *Frame {
	cols := []string{"city_name", "lat", "lon", "aqi", "co", "datetime", "no2", "o3", "pm10", "pm25", "so2", "timestamp_local", "timestamp_utc", "ts"}
	row := func(aqi, pm10 float64, local, utc string, ts float64) []Value {
		return []Value{
			StringValue("Milan"), NumberValue(45.464), NumberValue(9.188),
			NumberValue(aqi), NumberValue(250), StringValue("2024-03-05:13"),
			NumberValue(30), NumberValue(60), NumberValue(pm10), NumberValue(20), NumberValue(5),
			StringValue(local), StringValue(utc), NumberValue(ts),
		}
	}
	return &Frame{
		Columns: cols,
		Rows: [][]Value{
			row(50, 40, "2024-03-05T14:00:00", "2024-03-05T13:00:00", 1709643600),
			row(55, 42, "2024-03-05T13:00:00", "2024-03-05T12:00:00", 1709640000),
			row(50, 40, "2024-03-05T14:00:00", "2024-03-05T13:00:00", 1709643600),
			row(61, 48, "2024-03-05T12:00:00", "2024-03-05T11:00:00", 1709636400),
		},
	}
}

func TestCleanDropsDuplicatesAndDegenerateColumns(t *testing.T) {
	c := NewCleaner(discardLogger())

	out, report, err := c.Clean(rawBatch())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Len() != 3 {
		t.Fatalf("expected 3 rows after dedup, got %d", out.Len())
	}
	if report.DuplicatesRemoved != 1 {
		t.Fatalf("expected 1 duplicate removed, got %d", report.DuplicatesRemoved)
	}

	want := []string{"aqi", "pm10", "timestamp_local", "timestamp_utc", "ts"}
	if !reflect.DeepEqual(out.Columns, want) {
		t.Fatalf("columns = %v, want %v", out.Columns, want)
	}

	for _, col := range []string{IndexColumn, UTCColumn} {
		cells, _ := out.Column(col)
		for i, v := range cells {
			if v.Kind != KindTime {
				t.Fatalf("%s row %d: expected a date-time cell, got kind %d", col, i, v.Kind)
			}
		}
	}
}

func TestCleanKeepsRowsWithMissingValues(t *testing.T) {
	f := rawBatch()
	f.Rows[1][3] = NullValue()

	out, report, err := NewCleaner(discardLogger()).Clean(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Len() != 3 {
		t.Fatalf("missing values must not drop rows: got %d rows", out.Len())
	}
	if report.MissingValues["aqi"] != 1 {
		t.Fatalf("expected aqi missing count 1, got %v", report.MissingValues)
	}
}

func TestCleanLegacyColumnDroppedEvenWhenVarying(t *testing.T) {
	f := rawBatch()
	f.Rows[1][5] = StringValue("2024-03-05:12")

	out, _, err := NewCleaner(discardLogger()).Clean(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ColumnIndex(LegacyColumn) >= 0 {
		t.Fatalf("column %q should always be dropped", LegacyColumn)
	}
}

func TestCleanKeepColumns(t *testing.T) {
	out, _, err := NewCleaner(discardLogger(), "so2", "pm25").Clean(rawBatch())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, col := range []string{"so2", "pm25"} {
		if out.ColumnIndex(col) < 0 {
			t.Fatalf("kept column %q was dropped", col)
		}
	}
}

func TestCleanDatetimeFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *Frame)
		column string
	}{
		{
			name:   "unparseable local timestamp",
			mutate: func(f *Frame) { f.Rows[1][11] = StringValue("yesterday") },
			column: IndexColumn,
		},
		{
			name:   "missing utc timestamp",
			mutate: func(f *Frame) { f.Rows[0][12] = NullValue() },
			column: UTCColumn,
		},
		{
			name:   "utc column absent",
			mutate: func(f *Frame) { *f = *f.DropColumns(UTCColumn) },
			column: UTCColumn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := rawBatch()
			tt.mutate(f)

			out, _, err := NewCleaner(discardLogger()).Clean(f)
			if err == nil {
				t.Fatalf("expected an error, got frame with %d rows", out.Len())
			}
			if out != nil {
				t.Fatalf("a failed clean must not return a partial frame")
			}
			if !errors.Is(err, ErrDatetimeConversion) {
				t.Fatalf("expected ErrDatetimeConversion, got %v", err)
			}
			var dce *DatetimeConversionError
			if !errors.As(err, &dce) || dce.Column != tt.column {
				t.Fatalf("expected conversion error on %q, got %v", tt.column, err)
			}
		})
	}
}

func TestCleanIsIdempotent(t *testing.T) {
	c := NewCleaner(discardLogger())

	f := rawBatch()
	// Same observation as row 0 with a different timestamp spelling.
	f.Rows = append(f.Rows, append([]Value(nil), f.Rows[0]...))
	f.Rows[4][11] = StringValue("2024-03-05 14:00:00")

	once, _, err := c.Clean(f)
	if err != nil {
		t.Fatalf("first clean: %v", err)
	}
	twice, report, err := c.Clean(once)
	if err != nil {
		t.Fatalf("second clean: %v", err)
	}

	if !reflect.DeepEqual(once.Records(), twice.Records()) {
		t.Fatalf("cleaning is not idempotent:\nonce:  %v\ntwice: %v", once.Records(), twice.Records())
	}
	if report.DuplicatesRemoved != 0 || len(report.DroppedColumns) != 0 {
		t.Fatalf("second clean changed the batch: %+v", report)
	}
}

func TestCleanDoesNotModifyInput(t *testing.T) {
	f := rawBatch()
	before := f.Records()

	if _, _, err := NewCleaner(discardLogger()).Clean(f); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(before, f.Records()) {
		t.Fatalf("input frame was modified")
	}
}

func TestCleanKeepsSingleValuedTimestampColumns(t *testing.T) {
	f := rawBatch()
	for _, row := range f.Rows {
		row[11] = StringValue("2024-03-05T14:00:00")
		row[12] = StringValue("2024-03-05T13:00:00")
	}

	// Pollutants are kept so only the timestamp rule is under test.
	out, report, err := NewCleaner(discardLogger(), Pollutants...).Clean(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, col := range []string{IndexColumn, UTCColumn} {
		if out.ColumnIndex(col) < 0 {
			t.Fatalf("timestamp column %q dropped although it indexes the batch", col)
		}
		if slices.Contains(report.DroppedColumns, col) {
			t.Fatalf("report lists %q as dropped", col)
		}
	}

	if _, err := NewTransformer().Transform(out); err != nil {
		t.Fatalf("batch with one timestamp should still transform: %v", err)
	}
}
