package statedb

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// RunEntry is one completed or failed job phase for one table.
type RunEntry struct {
	RunID      string
	Table      string
	Phase      string
	RangeStart string
	RangeEnd   string
	Rows       int64
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

const (
	RunStatusSuccess = "success"
	RunStatusError   = "error"
)

var (
	ledgerInsertSQL = fmt.Sprintf(`
		INSERT INTO %s (run_id, table_name, phase, range_start, range_end,
			rows, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, LedgerTableName)

	ledgerRecentSQL = fmt.Sprintf(`
		SELECT run_id, table_name, phase, range_start, range_end,
			rows, status, error, started_at, finished_at
		FROM %s ORDER BY id DESC LIMIT ?
		`, LedgerTableName)

	ledgerForTableSQL = fmt.Sprintf(`
		SELECT run_id, table_name, phase, range_start, range_end,
			rows, status, error, started_at, finished_at
		FROM %s WHERE table_name = ? ORDER BY id DESC LIMIT ?
		`, LedgerTableName)
)

// AppendRun records a finished job phase in the ledger.
func (s *DB) AppendRun(ctx context.Context, e RunEntry) error {
	_, err := s.db.ExecContext(ctx, ledgerInsertSQL,
		e.RunID, e.Table, e.Phase, e.RangeStart, e.RangeEnd,
		e.Rows, e.Status, e.Error, e.StartedAt.Unix(), e.FinishedAt.Unix())
	return errors.Wrap(err, "append run")
}

// RecentRuns returns up to limit ledger entries, newest first.
func (s *DB) RecentRuns(ctx context.Context, limit int) ([]RunEntry, error) {
	rows, err := s.db.QueryContext(ctx, ledgerRecentSQL, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query recent runs")
	}
	defer rows.Close()
	return scanRuns(rows)
}

// RunsForTable returns up to limit ledger entries for one table, newest
// first.
func (s *DB) RunsForTable(ctx context.Context, table string, limit int) ([]RunEntry, error) {
	rows, err := s.db.QueryContext(ctx, ledgerForTableSQL, table, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query runs for table")
	}
	defer rows.Close()
	return scanRuns(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanRuns(rows rowScanner) ([]RunEntry, error) {
	var out []RunEntry
	for rows.Next() {
		var e RunEntry
		var startedAt, finishedAt int64
		err := rows.Scan(&e.RunID, &e.Table, &e.Phase, &e.RangeStart, &e.RangeEnd,
			&e.Rows, &e.Status, &e.Error, &startedAt, &finishedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scan run entry")
		}
		e.StartedAt = time.Unix(startedAt, 0).UTC()
		e.FinishedAt = time.Unix(finishedAt, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
