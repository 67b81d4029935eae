package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/tickle/internal/model"
)

// Record is one task execution written to the journal
type Record struct {
	ID          string            `json:"id"`
	RunID       string            `json:"run_id"`
	TaskID      model.TaskID      `json:"task_id"`
	Description string            `json:"description"`
	Command     string            `json:"command"`
	Outcome     model.OutcomeKind `json:"outcome"`
	ExitCode    int               `json:"exit_code"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Duration    time.Duration     `json:"duration"`
}

// Journal defines the interface for run-history storage
type Journal interface {
	// Record appends one task execution record
	Record(ctx context.Context, record *Record) error

	// List retrieves records, newest first, optionally filtered by outcome
	List(ctx context.Context, outcome model.OutcomeKind, limit int) ([]*Record, error)

	// DeleteBefore deletes records older than the specified time
	DeleteBefore(ctx context.Context, before time.Time) error

	// Close releases the underlying storage
	Close() error
}

// SQLiteJournal implements Journal using SQLite
type SQLiteJournal struct {
	logger *zap.Logger
	db     *sql.DB
}

// OpenSQLite opens (or creates) the journal database at dbPath. Existing
// records are kept so history accumulates across invocations.
func OpenSQLite(logger *zap.Logger, dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	journal := &SQLiteJournal{
		logger: logger.Named("history"),
		db:     db,
	}
	if err := journal.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return journal, nil
}

// initialize creates the necessary tables if they don't exist
func (j *SQLiteJournal) initialize() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_history (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			task_id INTEGER NOT NULL,
			description TEXT NOT NULL,
			command TEXT NOT NULL,
			outcome TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME NOT NULL,
			duration INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_run_history_run_id ON run_history(run_id);
		CREATE INDEX IF NOT EXISTS idx_run_history_outcome ON run_history(outcome);
		CREATE INDEX IF NOT EXISTS idx_run_history_started_at ON run_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize history database: %w", err)
	}
	return nil
}

// Record implements Journal.Record
func (j *SQLiteJournal) Record(ctx context.Context, record *Record) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO run_history (
			id, run_id, task_id, description, command, outcome,
			exit_code, error, started_at, completed_at, duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.RunID,
		int(record.TaskID),
		record.Description,
		record.Command,
		string(record.Outcome),
		record.ExitCode,
		record.Error,
		record.StartedAt,
		record.CompletedAt,
		int64(record.Duration),
	)
	if err != nil {
		return fmt.Errorf("failed to record history: %w", err)
	}
	return nil
}

// List implements Journal.List
func (j *SQLiteJournal) List(ctx context.Context, outcome model.OutcomeKind, limit int) ([]*Record, error) {
	query := `
		SELECT id, run_id, task_id, description, command, outcome,
		       exit_code, error, started_at, completed_at, duration
		FROM run_history`
	var args []interface{}
	if outcome != "" {
		query += " WHERE outcome = ?"
		args = append(args, string(outcome))
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record := &Record{}
		var taskID int
		var outcomeStr string
		var errText sql.NullString
		var duration int64
		if err := rows.Scan(
			&record.ID,
			&record.RunID,
			&taskID,
			&record.Description,
			&record.Command,
			&outcomeStr,
			&record.ExitCode,
			&errText,
			&record.StartedAt,
			&record.CompletedAt,
			&duration,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		record.TaskID = model.TaskID(taskID)
		record.Outcome = model.OutcomeKind(outcomeStr)
		record.Error = errText.String
		record.Duration = time.Duration(duration)
		records = append(records, record)
	}
	return records, rows.Err()
}

// DeleteBefore implements Journal.DeleteBefore
func (j *SQLiteJournal) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := j.db.ExecContext(ctx,
		"DELETE FROM run_history WHERE started_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to prune history: %w", err)
	}
	if deleted, err := result.RowsAffected(); err == nil && deleted > 0 {
		j.logger.Debug("Pruned history records", zap.Int64("deleted", deleted))
	}
	return nil
}

// Close implements Journal.Close
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// CommandLine renders an argv for storage and failure reports
func CommandLine(argv []string) string {
	return strings.Join(argv, " ")
}
