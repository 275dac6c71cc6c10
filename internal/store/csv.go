package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/i474232898/air-quality-etl/internal/airquality"
	"github.com/i474232898/air-quality-etl/internal/common"
)

var (
	// ErrNotFound is returned when the dataset has no matching rows.
	ErrNotFound = errors.New("no air-quality data")
	// ErrHeaderMismatch is returned when the persisted header is not the expected schema.
	ErrHeaderMismatch = errors.New("dataset header does not match schema")
)

// DedupPolicy decides which rows survive a merge.
type DedupPolicy string

const (
	// DedupFullRow drops a row only when every column equals an earlier row.
	// Rows sharing a timestamp but differing in any value are all kept.
	DedupFullRow DedupPolicy = "full_row"
	// DedupLatest keeps one row per local timestamp; a newer row replaces the
	// older one in place.
	DedupLatest DedupPolicy = "latest"
)

// ParseDedupPolicy validates a policy name. An empty name means DedupFullRow.
func ParseDedupPolicy(s string) (DedupPolicy, error) {
	switch p := DedupPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return DedupFullRow, nil
	case DedupFullRow, DedupLatest:
		return p, nil
	default:
		return "", fmt.Errorf("unknown dedup policy %q", s)
	}
}

// pathLocks serializes merges per dataset file within the process.
var pathLocks sync.Map

func lockFor(path string) *sync.Mutex {
	mu, _ := pathLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CSVStore keeps the derived dataset in a single CSV file, indexed by the
// local timestamp.
type CSVStore struct {
	path   string
	policy DedupPolicy
	logger *slog.Logger
}

// NewCSVStore creates a store for the dataset at path.
func NewCSVStore(path string, policy DedupPolicy, logger *slog.Logger) *CSVStore {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if policy == "" {
		policy = DedupFullRow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVStore{path: path, policy: policy, logger: logger}
}

func (s *CSVStore) Path() string {
	return s.path
}

// Merge appends readings after the persisted rows, removes duplicates according
// to the store's policy and atomically rewrites the file. When nothing changes
// the file is not touched. On failure the previous file is left intact.
func (s *CSVStore) Merge(ctx context.Context, readings []airquality.Reading) (airquality.MergeResult, error) {
	mu := lockFor(s.path)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return airquality.MergeResult{}, err
	}

	raw, existed, err := s.readRows()
	if err != nil {
		return airquality.MergeResult{}, err
	}

	combined := make([][]string, 0, len(raw)+len(readings))
	for i, row := range raw {
		r, err := airquality.ParseRecord(row)
		if err != nil {
			return airquality.MergeResult{}, &airquality.PersistenceIOError{
				Op: "read", Path: s.path, Err: fmt.Errorf("row %d: %w", i+2, err),
			}
		}
		combined = append(combined, r.Record())
	}
	for _, r := range readings {
		combined = append(combined, r.Record())
	}

	var merged [][]string
	switch s.policy {
	case DedupLatest:
		merged = dedupLatest(combined)
	default:
		merged = dedupFullRow(combined)
	}

	res := airquality.MergeResult{
		Existing:   len(raw),
		Incoming:   len(readings),
		Written:    len(merged),
		Added:      len(merged) - len(raw),
		Duplicates: len(combined) - len(merged),
	}

	if existed && equalRows(raw, merged) {
		s.logger.Debug("dataset unchanged", "path", s.path, "incoming", res.Incoming)
		return res, nil
	}

	records := make([][]string, 0, len(merged)+1)
	records = append(records, airquality.Header())
	records = append(records, merged...)
	if err := common.WriteCSVAtomic(s.path, records, 0o644); err != nil {
		return airquality.MergeResult{}, &airquality.PersistenceIOError{Op: "write", Path: s.path, Err: err}
	}

	s.logger.Info("dataset updated",
		"path", s.path,
		"policy", s.policy,
		"existing", res.Existing,
		"added", res.Added,
		"duplicates", res.Duplicates,
	)
	return res, nil
}

// readRows returns the data rows of the persisted file without its header.
func (s *CSVStore) readRows() (rows [][]string, existed bool, err error) {
	records, err := common.ReadCSVFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, &airquality.PersistenceIOError{Op: "read", Path: s.path, Err: err}
	}
	if len(records) == 0 {
		return nil, true, nil
	}
	if !slices.Equal(records[0], airquality.Header()) {
		return nil, true, &airquality.PersistenceIOError{
			Op: "read", Path: s.path,
			Err: fmt.Errorf("%w: got %v", ErrHeaderMismatch, records[0]),
		}
	}
	return records[1:], true, nil
}

func dedupFullRow(rows [][]string) [][]string {
	seen := make(map[string]struct{}, len(rows))
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		key := strings.Join(row, "\x1f")
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, row)
	}
	return out
}

func dedupLatest(rows [][]string) [][]string {
	pos := make(map[string]int, len(rows))
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		if i, ok := pos[row[0]]; ok {
			out[i] = row
			continue
		}
		pos[row[0]] = len(out)
		out = append(out, row)
	}
	return out
}

func equalRows(a, b [][]string) bool {
	return slices.EqualFunc(a, b, slices.Equal[[]string])
}

// Load returns every persisted reading in file order.
func (s *CSVStore) Load(ctx context.Context) ([]airquality.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, _, err := s.readRows()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}

	out := make([]airquality.Reading, 0, len(raw))
	for i, row := range raw {
		r, err := airquality.ParseRecord(row)
		if err != nil {
			return nil, &airquality.PersistenceIOError{Op: "read", Path: s.path, Err: fmt.Errorf("row %d: %w", i+2, err)}
		}
		out = append(out, r)
	}
	return out, nil
}

// Latest returns the reading with the most recent local timestamp.
func (s *CSVStore) Latest(ctx context.Context) (airquality.Reading, error) {
	all, err := s.Load(ctx)
	if err != nil {
		return airquality.Reading{}, err
	}
	latest := all[0]
	for _, r := range all[1:] {
		if r.TimestampLocal.After(latest.TimestampLocal) {
			latest = r
		}
	}
	return latest, nil
}

// Range returns the readings whose local timestamp lies between from and to (inclusive).
func (s *CSVStore) Range(ctx context.Context, from, to time.Time) ([]airquality.Reading, error) {
	all, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}

	var result []airquality.Reading
	for _, r := range all {
		ts := r.TimestampLocal
		if (ts.Equal(from) || ts.After(from)) && (ts.Equal(to) || ts.Before(to)) {
			result = append(result, r)
		}
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result, nil
}
