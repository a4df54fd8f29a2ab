package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "crosspost/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const defaultBusyTimeout = 5 * time.Second

// sqliteStore keeps one row per job. Indexed columns mirror the fields used
// for ordering and due selection; the full record lives in data as JSON.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	// Write transactions take the lock up front so a concurrent process
	// waits on busy_timeout instead of failing mid-transaction.
	q.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &sqliteStore{db: db, log: log.With(logx.String("comp", "storage.sqlite"))}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return err
	}
	s.log.Info("job database ready", logx.Int("jobs", n))
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, job Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("storage: job id is required")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, status, created_at, run_at, data) VALUES(?,?,?,?,?)`,
		job.ID, string(job.Status), job.CreatedAt.UnixNano(), job.RunAt.UnixNano(), string(data),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
	}
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Job, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	j, err := decodeJob(data)
	return j, err == nil, err
}

func (s *sqliteStore) List(ctx context.Context) ([]Job, error) {
	return s.query(ctx, `SELECT data FROM jobs ORDER BY created_at, id`)
}

func (s *sqliteStore) ListDue(ctx context.Context, asOf time.Time) ([]Job, error) {
	return s.query(ctx,
		`SELECT data FROM jobs WHERE status = ? AND run_at <= ? ORDER BY run_at, created_at`,
		string(StatusScheduled), asOf.UnixNano(),
	)
}

func (s *sqliteStore) Update(ctx context.Context, id string, fn func(*Job) error) (Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var data string
	err = tx.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	job, err := decodeJob(data)
	if err != nil {
		return Job{}, true, err
	}
	if err := fn(&job); err != nil {
		return Job{}, true, err
	}
	job.ID = id

	b, err := json.Marshal(job)
	if err != nil {
		return Job{}, true, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, created_at = ?, run_at = ?, data = ? WHERE id = ?`,
		string(job.Status), job.CreatedAt.UnixNano(), job.RunAt.UnixNano(), string(b), id,
	); err != nil {
		return Job{}, true, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, true, err
	}
	return job, true, nil
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		j, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func decodeJob(data string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return j, nil
}
