package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/i474232898/air-quality-etl/internal/airquality"
)

func reading(hour int, pm10 float64) airquality.Reading {
	local := time.Date(2024, 3, 5, hour, 0, 0, 0, time.UTC)
	r := airquality.Reading{
		TimestampLocal: local,
		AQI:            50,
		CO:             250,
		NO2:            30,
		O3:             60,
		PM10:           pm10,
		PM25:           20,
		SO2:            math.NaN(),
		TimestampUTC:   local.Add(-time.Hour),
		TS:             float64(local.Add(-time.Hour).Unix()),
		Year:           2024,
		Month:          3,
		Day:            5,
		Hour:           hour,
	}
	r.PM10PM25Ratio = airquality.Ratio(r.PM10, r.PM25)
	r.NO2O3Ratio = airquality.Ratio(r.NO2, r.O3)
	r.COSO2Ratio = airquality.Ratio(r.CO, r.SO2)
	return r
}

func newTestStore(t *testing.T, policy DedupPolicy) *CSVStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Data", "Milan_Air_Quality_Transformed.csv")
	return NewCSVStore(path, policy, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMergeCreatesDataset(t *testing.T) {
	s := newTestStore(t, DedupFullRow)

	res, err := s.Merge(context.Background(), []airquality.Reading{reading(14, 40), reading(13, 42)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Existing != 0 || res.Written != 2 || res.Added != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("dataset not written: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if lines[0] != strings.Join(airquality.Header(), ",") {
		t.Fatalf("unexpected header %q", lines[0])
	}
	want := "2024-03-05 14:00:00,50,250,30,60,40,20,,2,0.5,,2024-03-05 13:00:00,1709643600,2024,3,5,14"
	if lines[1] != want {
		t.Fatalf("row = %q\nwant  %q", lines[1], want)
	}
}

func TestMergeSameBatchLeavesDatasetUnchanged(t *testing.T) {
	s := newTestStore(t, DedupFullRow)
	batch := []airquality.Reading{reading(14, 40), reading(13, 42)}

	if _, err := s.Merge(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(s.Path())
	info, _ := os.Stat(s.Path())

	res, err := s.Merge(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 0 || res.Duplicates != 2 || res.Written != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	after, _ := os.ReadFile(s.Path())
	if string(before) != string(after) {
		t.Fatal("dataset content changed")
	}
	info2, _ := os.Stat(s.Path())
	if !info.ModTime().Equal(info2.ModTime()) {
		t.Fatal("unchanged dataset should not be rewritten")
	}
}

func TestMergeMonotonicity(t *testing.T) {
	s := newTestStore(t, DedupFullRow)
	a := []airquality.Reading{reading(10, 1), reading(11, 2), reading(12, 3)}
	b := []airquality.Reading{reading(12, 3), reading(13, 4)}

	if _, err := s.Merge(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	res, err := s.Merge(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	// One cross-batch exact duplicate.
	if res.Written != len(a)+len(b)-1 {
		t.Fatalf("written = %d, want %d", res.Written, len(a)+len(b)-1)
	}

	all, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []int{10, 11, 12, 13} {
		if all[i].Hour != want {
			t.Fatalf("row %d hour = %d, want %d (existing rows first)", i, all[i].Hour, want)
		}
	}
}

func TestMergePolicies(t *testing.T) {
	tests := []struct {
		policy  DedupPolicy
		written int
		pm10    float64
	}{
		{policy: DedupFullRow, written: 2, pm10: 40},
		{policy: DedupLatest, written: 1, pm10: 45},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			s := newTestStore(t, tt.policy)
			if _, err := s.Merge(context.Background(), []airquality.Reading{reading(14, 40)}); err != nil {
				t.Fatal(err)
			}
			// Corrected value for the same hour.
			res, err := s.Merge(context.Background(), []airquality.Reading{reading(14, 45)})
			if err != nil {
				t.Fatal(err)
			}
			if res.Written != tt.written {
				t.Fatalf("written = %d, want %d", res.Written, tt.written)
			}
			all, err := s.Load(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if all[0].PM10 != tt.pm10 {
				t.Fatalf("first row pm10 = %v, want %v", all[0].PM10, tt.pm10)
			}
		})
	}
}

func TestMergeHeaderMismatch(t *testing.T) {
	s := newTestStore(t, DedupFullRow)
	if err := os.MkdirAll(filepath.Dir(s.Path()), 0o755); err != nil {
		t.Fatal(err)
	}
	original := []byte("timestamp_local,aqi\n2024-03-05 14:00:00,50\n")
	if err := os.WriteFile(s.Path(), original, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := s.Merge(context.Background(), []airquality.Reading{reading(14, 40)})
	var pe *airquality.PersistenceIOError
	if !errors.As(err, &pe) || !errors.Is(err, ErrHeaderMismatch) {
		t.Fatalf("expected PersistenceIOError wrapping ErrHeaderMismatch, got %v", err)
	}
	after, _ := os.ReadFile(s.Path())
	if string(after) != string(original) {
		t.Fatal("dataset must stay intact after a failed merge")
	}
}

func TestMergeWriteFailureKeepsDataset(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	s := newTestStore(t, DedupFullRow)
	if _, err := s.Merge(context.Background(), []airquality.Reading{reading(14, 40)}); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(s.Path())

	dir := filepath.Dir(s.Path())
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	_, err := s.Merge(context.Background(), []airquality.Reading{reading(15, 41)})
	var pe *airquality.PersistenceIOError
	if !errors.As(err, &pe) || pe.Op != "write" {
		t.Fatalf("expected write PersistenceIOError, got %v", err)
	}
	after, _ := os.ReadFile(s.Path())
	if string(before) != string(after) {
		t.Fatal("dataset changed after a failed write")
	}
}

func TestConcurrentMergesAreSerialized(t *testing.T) {
	s := newTestStore(t, DedupFullRow)
	// A second store on the same path shares the lock.
	other := NewCSVStore(s.Path(), DedupFullRow, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := s
			if i%2 == 1 {
				st = other
			}
			if _, err := st.Merge(context.Background(), []airquality.Reading{reading(i, float64(i))}); err != nil {
				t.Errorf("merge %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	all, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 8 {
		t.Fatalf("expected 8 rows, got %d (lost update)", len(all))
	}
}

func TestReadSide(t *testing.T) {
	s := newTestStore(t, DedupFullRow)
	ctx := context.Background()

	if _, err := s.Latest(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on missing dataset, got %v", err)
	}

	if _, err := s.Merge(ctx, []airquality.Reading{reading(14, 40), reading(12, 41), reading(13, 42)}); err != nil {
		t.Fatal(err)
	}

	latest, err := s.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Hour != 14 {
		t.Fatalf("latest hour = %d, want 14", latest.Hour)
	}
	if !math.IsNaN(latest.SO2) || !math.IsNaN(latest.COSO2Ratio) {
		t.Fatal("missing values should load as NaN")
	}

	from := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	got, err := s.Range(ctx, from, from.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("range returned %d rows, want 2", len(got))
	}

	if _, err := s.Range(ctx, from.AddDate(1, 0, 0), from.AddDate(2, 0, 0)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an empty range, got %v", err)
	}
}

func TestParseDedupPolicy(t *testing.T) {
	for in, want := range map[string]DedupPolicy{"": DedupFullRow, "full_row": DedupFullRow, " LATEST ": DedupLatest} {
		got, err := ParseDedupPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseDedupPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDedupPolicy("newest"); err == nil {
		t.Error("expected an error for an unknown policy")
	}
}
