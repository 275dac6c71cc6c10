package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/i474232898/air-quality-etl/internal/airquality"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when the ledger holds no runs.
var ErrNotFound = errors.New("no runs recorded")

const timeLayout = time.RFC3339Nano

// Ledger is a SQLite table of pipeline runs.
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database at path and runs pending
// migrations. Pass ":memory:" for an in-memory database.
func Open(path string) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection avoids "database is locked" and keeps :memory: shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return l, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	if _, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := l.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := l.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// Record stores a run report. Recording the same run id again replaces it.
func (l *Ledger) Record(ctx context.Context, r airquality.RunReport) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, started_at, finished_at, status, failed_stage, error, source,
			fetched, cleaned, transformed, existing_rows, added_rows, duplicates, dataset_rows)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UTC().Format(timeLayout), r.FinishedAt.UTC().Format(timeLayout),
		string(r.Status), string(r.FailedStage), r.Error, r.Source,
		r.Fetched, r.Cleaned, r.Transformed,
		r.Merge.Existing, r.Merge.Added, r.Merge.Duplicates, r.Merge.Written,
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", r.ID, err)
	}
	return nil
}

// List returns up to limit runs, most recent first.
func (l *Ledger) List(ctx context.Context, limit int) ([]airquality.RunReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, status, failed_stage, error, source,
			fetched, cleaned, transformed, existing_rows, added_rows, duplicates, dataset_rows
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []airquality.RunReport
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Last returns the most recent run.
func (l *Ledger) Last(ctx context.Context) (airquality.RunReport, error) {
	runs, err := l.List(ctx, 1)
	if err != nil {
		return airquality.RunReport{}, err
	}
	if len(runs) == 0 {
		return airquality.RunReport{}, ErrNotFound
	}
	return runs[0], nil
}

func scanRun(rows *sql.Rows) (airquality.RunReport, error) {
	var (
		r                 airquality.RunReport
		started, finished string
		status, stage     string
	)
	if err := rows.Scan(
		&r.ID, &started, &finished, &status, &stage, &r.Error, &r.Source,
		&r.Fetched, &r.Cleaned, &r.Transformed,
		&r.Merge.Existing, &r.Merge.Added, &r.Merge.Duplicates, &r.Merge.Written,
	); err != nil {
		return airquality.RunReport{}, err
	}

	var err error
	if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return airquality.RunReport{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if r.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
		return airquality.RunReport{}, fmt.Errorf("parsing finished_at: %w", err)
	}
	r.Status = airquality.RunStatus(status)
	r.FailedStage = airquality.Stage(stage)
	r.Merge.Incoming = r.Transformed
	return r, nil
}
