package persistence

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mediagrab/internal/jobs"
	"mediagrab/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore journals job snapshots so they survive a restart.
type SQLiteStore struct {
	db *sql.DB
}

var _ jobs.Journal = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_jobs.sql" -> 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) LoadJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, url, format, mode, status, message, percent, result_file, result_archive,
		        error, attempt, rev, created_at, last_touched_at
		 FROM jobs
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*models.Job, 0)
	for rows.Next() {
		var (
			item             models.Job
			format, mode     string
			status           string
			file, archive    string
			created, touched int64
		)
		if err := rows.Scan(
			&item.ID,
			&item.Spec.URL,
			&format,
			&mode,
			&status,
			&item.Message,
			&item.Percent,
			&file,
			&archive,
			&item.ErrorDetail,
			&item.Attempt,
			&item.Rev,
			&created,
			&touched,
		); err != nil {
			return nil, err
		}
		item.Spec.Format = models.Format(format)
		item.Spec.Mode = models.Mode(mode)
		item.Status = models.JobStatus(status)
		if file != "" || archive != "" {
			item.Result = &models.Result{File: file, Archive: archive}
		}
		item.CreatedAt = time.Unix(0, created).UTC()
		item.LastTouchedAt = time.Unix(0, touched).UTC()
		ret = append(ret, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	return err
}

// UpsertJob writes job unless a snapshot with the same or a newer revision is
// already stored, so writes racing outside the store lock cannot regress it.
func (s *SQLiteStore) UpsertJob(ctx context.Context, job *models.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	var file, archive string
	if job.Result != nil {
		file, archive = job.Result.File, job.Result.Archive
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
			id, url, format, mode, status, message, percent, result_file, result_archive,
			error, attempt, rev, created_at, last_touched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			message=excluded.message,
			percent=excluded.percent,
			result_file=excluded.result_file,
			result_archive=excluded.result_archive,
			error=excluded.error,
			attempt=excluded.attempt,
			rev=excluded.rev,
			last_touched_at=excluded.last_touched_at
		WHERE excluded.rev > jobs.rev`,
		job.ID,
		job.Spec.URL,
		string(job.Spec.Format),
		string(job.Spec.Mode),
		string(job.Status),
		job.Message,
		job.Percent,
		file,
		archive,
		job.ErrorDetail,
		job.Attempt,
		int64(job.Rev),
		job.CreatedAt.UnixNano(),
		job.LastTouchedAt.UnixNano(),
	)
	return err
}
