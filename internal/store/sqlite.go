package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/jobrunner/internal/model"

	_ "modernc.org/sqlite"
)

const createDispatchesTable = `
CREATE TABLE IF NOT EXISTS dispatches (
    id                 TEXT PRIMARY KEY,
    status             TEXT NOT NULL,
    command            TEXT NOT NULL,
    line               TEXT NOT NULL,
    instances          INTEGER NOT NULL,
    parallelism        INTEGER NOT NULL,
    repeat_interval_ms INTEGER NOT NULL,
    duration_ms        INTEGER NOT NULL,
    background         INTEGER NOT NULL,
    failed_instances   INTEGER NOT NULL DEFAULT 0,
    created_at         DATETIME NOT NULL,
    started_at         DATETIME,
    finished_at        DATETIME
)`

const createOutputLinesTable = `
CREATE TABLE IF NOT EXISTS output_lines (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    dispatch_id TEXT NOT NULL REFERENCES dispatches(id),
    instance    INTEGER NOT NULL,
    seq         INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    line        TEXT NOT NULL,
    created_at  DATETIME NOT NULL
)`

const createOutputLinesIndex = `
CREATE INDEX IF NOT EXISTS idx_output_lines_dispatch ON output_lines (dispatch_id, seq)`

const dispatchColumns = `id, status, command, line, instances, parallelism,
	repeat_interval_ms, duration_ms, background, failed_instances,
	created_at, started_at, finished_at`

// ErrNotFound is returned when a dispatch is not found.
var ErrNotFound = errors.New("dispatch not found")

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

	// Every connection to ":memory:" is a separate database.
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

	for _, stmt := range []string{createDispatchesTable, createOutputLinesTable, createOutputLinesIndex} {
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

// CreateDispatch inserts a new dispatch record.
func (s *SQLiteStore) CreateDispatch(ctx context.Context, d *model.Dispatch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatches (`+dispatchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Status, d.Command, d.Line, d.Instances, d.Parallelism,
		d.RepeatIntervalMS, d.DurationMS, d.Background, d.FailedInstances,
		d.CreatedAt, d.StartedAt, d.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispatch(row rowScanner) (*model.Dispatch, error) {
	d := &model.Dispatch{}
	err := row.Scan(
		&d.ID, &d.Status, &d.Command, &d.Line, &d.Instances, &d.Parallelism,
		&d.RepeatIntervalMS, &d.DurationMS, &d.Background, &d.FailedInstances,
		&d.CreatedAt, &d.StartedAt, &d.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetDispatch retrieves a dispatch by ID.
func (s *SQLiteStore) GetDispatch(ctx context.Context, id string) (*model.Dispatch, error) {
	d, err := scanDispatch(s.db.QueryRowContext(ctx,
		`SELECT `+dispatchColumns+` FROM dispatches WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch: %w", err)
	}
	return d, nil
}

// ListDispatches returns a paginated list of dispatches ordered by created_at DESC,
// along with the total count of all dispatches.
func (s *SQLiteStore) ListDispatches(ctx context.Context, limit, offset int) ([]*model.Dispatch, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM dispatches").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dispatches: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+dispatchColumns+` FROM dispatches
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var dispatches []*model.Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan dispatch: %w", err)
		}
		dispatches = append(dispatches, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate dispatches: %w", err)
	}

	return dispatches, total, nil
}

// currentStatus reads the status of a dispatch inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM dispatches WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return status, nil
}

// UpdateDispatchStatus moves a dispatch to status. Moving to running sets
// started_at; moving to a terminal status sets finished_at.
func (s *SQLiteStore) UpdateDispatchStatus(ctx context.Context, id, status string) error {
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
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE dispatches SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE dispatches SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE dispatches SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update dispatch status: %w", err)
	}

	return tx.Commit()
}

// FinishDispatch records the terminal status of a dispatch together with
// the number of instances that ended on a workload error.
func (s *SQLiteStore) FinishDispatch(ctx context.Context, id, status string, failedInstances int, finishedAt time.Time) error {
	if !model.IsTerminal(status) {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}

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
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE dispatches SET status = ?, failed_instances = ?, finished_at = ? WHERE id = ?",
		status, failedInstances, finishedAt, id,
	); err != nil {
		return fmt.Errorf("finish dispatch: %w", err)
	}

	return tx.Commit()
}

// GetDispatchStats returns counts by status and command plus instance and
// output totals.
func (s *SQLiteStore) GetDispatchStats(ctx context.Context) (*DispatchStats, error) {
	stats := &DispatchStats{
		CountByStatus:  make(map[string]int),
		CountByCommand: make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(instances), 0), COALESCE(SUM(failed_instances), 0) FROM dispatches`,
	).Scan(&stats.Total, &stats.TotalInstances, &stats.FailedInstances); err != nil {
		return nil, fmt.Errorf("count dispatches: %w", err)
	}

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "command", stats.CountByCommand); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM output_lines").Scan(&stats.OutputLines); err != nil {
		return nil, fmt.Errorf("count output lines: %w", err)
	}

	return stats, nil
}

// countBy fills dst with dispatch counts grouped by column. column is
// always a constant from this file.
func (s *SQLiteStore) countBy(ctx context.Context, column string, dst map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM dispatches GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count by %s: %w", column, err)
		}
		dst[key] = n
	}
	return rows.Err()
}

// InsertOutputLine persists one emitted output or exception line.
func (s *SQLiteStore) InsertOutputLine(ctx context.Context, l model.OutputLine) error {
	createdAt := l.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO output_lines (dispatch_id, instance, seq, kind, line, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.DispatchID, l.Instance, l.Seq, l.Kind, l.Line, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert output line: %w", err)
	}
	return nil
}

// GetOutputLines returns the output lines of a dispatch ordered by seq.
func (s *SQLiteStore) GetOutputLines(ctx context.Context, dispatchID string) ([]model.OutputLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dispatch_id, instance, seq, kind, line, created_at
		FROM output_lines WHERE dispatch_id = ? ORDER BY seq, id`, dispatchID,
	)
	if err != nil {
		return nil, fmt.Errorf("get output lines: %w", err)
	}
	defer rows.Close()

	var lines []model.OutputLine
	for rows.Next() {
		var l model.OutputLine
		if err := rows.Scan(&l.ID, &l.DispatchID, &l.Instance, &l.Seq, &l.Kind, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate output lines: %w", err)
	}
	return lines, nil
}
