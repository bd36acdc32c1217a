// Package statedb is the pipeline's external shared state: a local SQLite
// database holding the vendor token cache and the run ledger. Concurrent
// jobs and separate process invocations coordinate only through it.
package statedb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // registers the sqlite driver

	"github.com/fe-malveira-87/poc-juma-etl/pkg/utils"
)

const (
	TokenTableName  = "token_cache"
	LedgerTableName = "run_ledger"
	DriverName      = "sqlite"
	DefaultFilename = "state.db"
)

var stateInitializeDDLs = []string{
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		endpoint TEXT PRIMARY KEY NOT NULL,
		access_token TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`, TokenTableName),
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		phase TEXT NOT NULL,
		range_start TEXT NOT NULL,
		range_end TEXT NOT NULL,
		rows BIGINT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	)`, LedgerTableName),
	fmt.Sprintf(`CREATE INDEX IF NOT EXISTS run_ledger_table_idx
		ON %s (table_name, id)`, LedgerTableName),
}

// DB wraps the state database handle.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the state database at path and applies
// the DDL. WAL mode plus a busy timeout keep it usable across processes.
func Open(path string) (*DB, error) {
	if err := utils.EnsureDirForFile(path); err != nil {
		return nil, errors.Wrap(err, "ensure state db dir")
	}
	db, err := sql.Open(DriverName,
		fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, errors.Wrap(err, "open state db")
	}
	if err := ensureInitialized(context.Background(), db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize state db")
	}
	return &DB{db: db}, nil
}

func (s *DB) Close() error {
	return s.db.Close()
}

// ensureInitialized prepares the state db for queries
func ensureInitialized(ctx context.Context, db *sql.DB) error {
	for _, statement := range stateInitializeDDLs {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}
