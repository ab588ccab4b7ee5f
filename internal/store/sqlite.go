package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/modelrun/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id                TEXT PRIMARY KEY,
    status            TEXT NOT NULL,
    mode              TEXT NOT NULL,
    requested_workers INTEGER NOT NULL,
    workers           INTEGER NOT NULL,
    sample_count      INTEGER NOT NULL,
    dimension         INTEGER NOT NULL,
    error             TEXT,
    duration_ms       INTEGER,
    created_at        DATETIME NOT NULL,
    started_at        DATETIME,
    finished_at       DATETIME
)`

const createResultsTable = `
CREATE TABLE IF NOT EXISTS results (
    run_id TEXT NOT NULL REFERENCES runs(id),
    idx    INTEGER NOT NULL,
    sample TEXT NOT NULL,
    qoi    TEXT,
    PRIMARY KEY (run_id, idx)
)`

const createLogLinesTable = `
CREATE TABLE IF NOT EXISTS log_lines (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL REFERENCES runs(id),
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createLogLinesIndex = `
CREATE INDEX IF NOT EXISTS idx_log_lines_run_seq ON log_lines (run_id, seq)`

const runColumns = `id, status, mode, requested_workers, workers, sample_count,
	dimension, error, duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createResultsTable, createLogLinesTable, createLogLinesIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Status, r.Mode, r.RequestedWorkers, r.Workers, r.SampleCount,
		r.Dimension, r.Error, r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	r := &model.Run{}
	var errText sql.NullString
	if err := row.Scan(
		&r.ID, &r.Status, &r.Mode, &r.RequestedWorkers, &r.Workers, &r.SampleCount,
		&r.Dimension, &errText, &r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}
	r.Error = errText.String
	return r, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// currentStatus reads the status of run id inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read run status: %w", err)
	}
	return status, nil
}

// UpdateRunStatus moves a run to status. Entering running sets started_at;
// entering a terminal status sets finished_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	return tx.Commit()
}

// UpdateRun writes every mutable field of r. A status change must be a valid
// transition.
func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, r.ID)
	if err != nil {
		return err
	}
	if from != r.Status && !model.ValidTransition(from, r.Status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, r.Status)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, mode = ?, requested_workers = ?, workers = ?,
			sample_count = ?, dimension = ?, error = ?, duration_ms = ?,
			started_at = ?, finished_at = ?
		WHERE id = ?`,
		r.Status, r.Mode, r.RequestedWorkers, r.Workers,
		r.SampleCount, r.Dimension, r.Error, r.DurationMS,
		r.StartedAt, r.FinishedAt, r.ID,
	); err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	return tx.Commit()
}

// GetRunStats aggregates run counts by status and mode, the average duration
// of completed runs and the number of samples they evaluated.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByStatus: make(map[string]int),
		CountByMode:   make(map[string]int),
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	for column, counts := range map[string]map[string]int{
		"status": stats.CountByStatus,
		"mode":   stats.CountByMode,
	} {
		rows, err := tx.QueryContext(ctx,
			"SELECT "+column+", COUNT(*) FROM runs GROUP BY "+column)
		if err != nil {
			return nil, fmt.Errorf("count runs by %s: %w", column, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s count: %w", column, err)
			}
			counts[key] = n
			if column == "status" {
				stats.Total += n
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate %s counts: %w", column, err)
		}
	}

	var avg sql.NullFloat64
	var samples sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT AVG(duration_ms), SUM(sample_count) FROM runs
		WHERE status = ? AND duration_ms IS NOT NULL`, model.StatusCompleted,
	).Scan(&avg, &samples); err != nil {
		return nil, fmt.Errorf("aggregate durations: %w", err)
	}
	stats.AvgDurationMS = avg.Float64
	stats.SamplesEvaluated = int(samples.Int64)

	return stats, nil
}

// SaveResults stores the per-sample results of a run in one transaction.
func (s *SQLiteStore) SaveResults(ctx context.Context, runID string, results []model.SampleResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO results (run_id, idx, sample, qoi) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert result: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		sample, err := json.Marshal(r.Sample)
		if err != nil {
			return fmt.Errorf("encode sample %d: %w", r.Index, err)
		}
		var qoi any
		if r.QOI != nil {
			b, err := json.Marshal(r.QOI)
			if err != nil {
				return fmt.Errorf("encode qoi %d: %w", r.Index, err)
			}
			qoi = string(b)
		}
		if _, err := stmt.ExecContext(ctx, runID, r.Index, string(sample), qoi); err != nil {
			return fmt.Errorf("insert result %d: %w", r.Index, err)
		}
	}

	return tx.Commit()
}

// GetResults returns the stored results of a run ordered by sample index.
func (s *SQLiteStore) GetResults(ctx context.Context, runID string) ([]model.SampleResult, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT idx, sample, qoi FROM results WHERE run_id = ? ORDER BY idx ASC", runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	results := []model.SampleResult{}
	for rows.Next() {
		var r model.SampleResult
		var sample string
		var qoi sql.NullString
		if err := rows.Scan(&r.Index, &sample, &qoi); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if err := json.Unmarshal([]byte(sample), &r.Sample); err != nil {
			return nil, fmt.Errorf("decode sample %d: %w", r.Index, err)
		}
		if qoi.Valid {
			if err := json.Unmarshal([]byte(qoi.String), &r.QOI); err != nil {
				return nil, fmt.Errorf("decode qoi %d: %w", r.Index, err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return results, nil
}

// InsertLogLine stores one line of stage output for a run.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, runID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO log_lines (run_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		runID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns the stored output of a run ordered by sequence number.
func (s *SQLiteStore) GetLogLines(ctx context.Context, runID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, run_id, seq, line, created_at FROM log_lines WHERE run_id = ? ORDER BY seq ASC",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query log lines: %w", err)
	}
	defer rows.Close()

	lines := []model.LogLine{}
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.RunID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}
