// Package historydb keeps an execution log in SQLite and seeds input history
// for sessions opened after a restart.
package historydb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/cellstate/core"
	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file TEXT NOT NULL,
	cell_id TEXT NOT NULL,
	code TEXT NOT NULL,
	submitted_at INTEGER NOT NULL,
	state TEXT NOT NULL DEFAULT 'executing',
	execution_count INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS executions_file_idx ON executions (file, id);
`

// Execution is one logged submission.
type Execution struct {
	ID             int64
	File           schema.FileID
	CellID         schema.CellID
	Code           string
	State          schema.CellState
	ExecutionCount int
}

// DB is the SQLite-backed execution log.
type DB struct {
	db  *sql.DB
	log pslog.Logger
}

// Open opens (or creates) the database at path. ":memory:" is accepted for
// tests.
func Open(ctx context.Context, path string, logger pslog.Logger) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history database path is required")
	}
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create history tables: %w", err)
	}
	logger.Debug("historydb open", "path", path)
	return &DB{db: db, log: logger.With("historydb", path)}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// RecordSubmission logs a cell handed to the kernel.
func (d *DB) RecordSubmission(ctx context.Context, rec core.SubmissionRecord) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO executions (file, cell_id, code, submitted_at) VALUES (?, ?, ?, ?);`,
		string(rec.File), string(rec.CellID), rec.Code, rec.At.UnixNano())
	if err != nil {
		d.log.Warn("historydb submission failed", "file", rec.File, "cell", rec.CellID, "err", err)
		return fmt.Errorf("record submission: %w", err)
	}
	d.log.Trace("historydb submission", "file", rec.File, "cell", rec.CellID)
	return nil
}

// RecordCompletion updates the newest open row for the cell.
func (d *DB) RecordCompletion(ctx context.Context, rec core.CompletionRecord) error {
	_, err := d.db.ExecContext(ctx, `
UPDATE executions SET state = ?, execution_count = ?, completed_at = ?
WHERE id = (
	SELECT id FROM executions
	WHERE file = ? AND cell_id = ? AND completed_at IS NULL
	ORDER BY id DESC LIMIT 1
);`,
		string(rec.State), rec.ExecutionCount, rec.At.UnixNano(), string(rec.File), string(rec.CellID))
	if err != nil {
		d.log.Warn("historydb completion failed", "file", rec.File, "cell", rec.CellID, "err", err)
		return fmt.Errorf("record completion: %w", err)
	}
	d.log.Trace("historydb completion", "file", rec.File, "cell", rec.CellID, "state", rec.State)
	return nil
}

// RecentInputs returns up to limit submitted inputs for file, oldest first,
// with consecutive duplicates collapsed.
func (d *DB) RecentInputs(ctx context.Context, file schema.FileID, limit int) ([]schema.HistoryEntry, error) {
	if limit <= 0 {
		limit = schema.DefaultHistoryMax
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT code FROM executions WHERE file = ? ORDER BY id DESC LIMIT ?;`, string(file), limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	var newestFirst []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		newestFirst = append(newestFirst, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	entries := make([]schema.HistoryEntry, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		code := newestFirst[i]
		if strings.TrimSpace(code) == "" {
			continue
		}
		if n := len(entries); n > 0 && entries[n-1].Text == code {
			continue
		}
		entries = append(entries, schema.HistoryEntry{Text: code})
	}
	return entries, nil
}

// Executions returns the log for file, oldest first.
func (d *DB) Executions(ctx context.Context, file schema.FileID) ([]Execution, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, file, cell_id, code, state, execution_count FROM executions WHERE file = ? ORDER BY id;`, string(file))
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()
	var out []Execution
	for rows.Next() {
		var (
			exec  Execution
			f     string
			cell  string
			state string
		)
		if err := rows.Scan(&exec.ID, &f, &cell, &exec.Code, &state, &exec.ExecutionCount); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		exec.File = schema.FileID(f)
		exec.CellID = schema.CellID(cell)
		exec.State = schema.CellState(state)
		out = append(out, exec)
	}
	return out, rows.Err()
}
