package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
const currentSchemaVersion = 1

// SQLiteStore is the default durable backend. The database runs in WAL
// mode with a single writer connection so the conditional insert stays
// free of SQLITE_BUSY surprises.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path, applying pragmas and
// schema migrations. Safe to call repeatedly against the same file.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateRunIfNoneRunning implements Store. The check and the insert are
// one statement inside an immediate transaction, so two concurrent
// callers can never both create a running record for the same type.
func (s *SQLiteStore) CreateRunIfNoneRunning(ctx context.Context, run TestRun) (TestRun, bool, error) {
	metricsJSON, logsJSON, err := encodeRunPayload(run)
	if err != nil {
		return TestRun{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TestRun{}, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO test_runs (
			test_id, test_type, status, started_at, completed_at, duration_ms,
			injected_failure, failure_probability, metrics, logs, error_code, created_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM test_runs WHERE test_type = ? AND status = ?
		)`,
		run.ID, string(run.Type), string(run.Status),
		formatTime(run.StartedAt), formatTimePtr(run.CompletedAt), run.DurationMS,
		run.InjectedFailure, run.FailureProbability, metricsJSON, logsJSON,
		run.ErrorCode, formatTime(run.CreatedAt),
		string(run.Type), string(StatusRunning),
	)
	if err != nil {
		return TestRun{}, false, fmt.Errorf("conditional insert: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return TestRun{}, false, fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		existing, err := scanRun(tx.QueryRowContext(ctx,
			selectRunColumns+` FROM test_runs WHERE test_type = ? AND status = ? LIMIT 1`,
			string(run.Type), string(StatusRunning)))
		if err != nil {
			return TestRun{}, false, fmt.Errorf("load existing running record: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return TestRun{}, false, fmt.Errorf("commit: %w", err)
		}
		return existing, false, nil
	}

	if err := tx.Commit(); err != nil {
		return TestRun{}, false, fmt.Errorf("commit: %w", err)
	}
	return run, true, nil
}

// UpdateRun implements Store.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run TestRun) error {
	metricsJSON, logsJSON, err := encodeRunPayload(run)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE test_runs SET
			status = ?, started_at = ?, completed_at = ?, duration_ms = ?,
			injected_failure = ?, failure_probability = ?, metrics = ?, logs = ?,
			error_code = ?
		WHERE test_id = ?`,
		string(run.Status), formatTime(run.StartedAt), formatTimePtr(run.CompletedAt),
		run.DurationMS, run.InjectedFailure, run.FailureProbability,
		metricsJSON, logsJSON, run.ErrorCode, run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun implements Store.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (TestRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		selectRunColumns+` FROM test_runs WHERE test_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return TestRun{}, ErrNotFound
	}
	if err != nil {
		return TestRun{}, fmt.Errorf("load run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns implements Store.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]TestRun, error) {
	query := selectRunColumns + ` FROM test_runs`
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		conditions = append(conditions, "test_type = ?")
		args = append(args, string(filter.Type))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]TestRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// CreateRCARecord implements Store.
func (s *SQLiteStore) CreateRCARecord(ctx context.Context, rec RCARecord) error {
	recJSON, err := json.Marshal(rec.Recommendations)
	if err != nil {
		return fmt.Errorf("encode recommendations: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rca_records (test_id, category, confidence, root_cause, recommendations, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.TestID, rec.Category, rec.Confidence, rec.RootCause, string(recJSON),
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert rca record: %w", err)
	}
	return nil
}

// GetRCARecord implements Store.
func (s *SQLiteStore) GetRCARecord(ctx context.Context, testID string) (RCARecord, error) {
	var (
		rec       RCARecord
		recsJSON  string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT test_id, category, confidence, root_cause, recommendations, created_at
		FROM rca_records WHERE test_id = ?`, testID).
		Scan(&rec.TestID, &rec.Category, &rec.Confidence, &rec.RootCause, &recsJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RCARecord{}, ErrNotFound
	}
	if err != nil {
		return RCARecord{}, fmt.Errorf("load rca record %s: %w", testID, err)
	}

	if err := json.Unmarshal([]byte(recsJSON), &rec.Recommendations); err != nil {
		return RCARecord{}, fmt.Errorf("decode recommendations: %w", err)
	}
	rec.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return RCARecord{}, err
	}
	return rec, nil
}

const selectRunColumns = `
	SELECT test_id, test_type, status, started_at, completed_at, duration_ms,
	       injected_failure, failure_probability, metrics, logs, error_code, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (TestRun, error) {
	var (
		run         TestRun
		testType    string
		status      string
		startedAt   string
		completedAt sql.NullString
		metricsJSON string
		logsJSON    string
		createdAt   string
	)
	err := row.Scan(&run.ID, &testType, &status, &startedAt, &completedAt,
		&run.DurationMS, &run.InjectedFailure, &run.FailureProbability,
		&metricsJSON, &logsJSON, &run.ErrorCode, &createdAt)
	if err != nil {
		return TestRun{}, err
	}

	run.Type = TestType(testType)
	run.Status = TestStatus(status)
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return TestRun{}, err
	}
	if completedAt.Valid && completedAt.String != "" {
		ts, err := parseTime(completedAt.String)
		if err != nil {
			return TestRun{}, err
		}
		run.CompletedAt = &ts
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return TestRun{}, err
	}
	if err := json.Unmarshal([]byte(metricsJSON), &run.Metrics); err != nil {
		return TestRun{}, fmt.Errorf("decode metrics: %w", err)
	}
	if err := json.Unmarshal([]byte(logsJSON), &run.Logs); err != nil {
		return TestRun{}, fmt.Errorf("decode logs: %w", err)
	}
	return run, nil
}

func encodeRunPayload(run TestRun) (string, string, error) {
	metrics := run.Metrics
	if metrics == nil {
		metrics = map[string]float64{}
	}
	logs := run.Logs
	if logs == nil {
		logs = []string{}
	}

	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return "", "", fmt.Errorf("encode metrics: %w", err)
	}
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return "", "", fmt.Errorf("encode logs: %w", err)
	}
	return string(metricsJSON), string(logsJSON), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(raw string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return ts, nil
}

var _ Store = (*SQLiteStore)(nil)
