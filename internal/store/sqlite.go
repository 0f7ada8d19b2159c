// ABOUTME: SQLite-backed journal of network events using modernc.org/sqlite
// ABOUTME: Opens the database with WAL mode and creates the schema on first use

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

// Journal is an append-only record of what happened on the network. The
// registry never reads it back; it exists for operators.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the journal at path. Parent directories are created
// if needed.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal")

	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// One connection keeps an in-memory database alive and serialises writers.
	db.SetMaxOpenConns(1)

	if path != MemoryPath {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	j := &Journal{db: db, logger: logger}
	if err := j.createSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("journal initialized", "path", path)
	return j, nil
}

func (j *Journal) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS journal_entries (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			ts        TEXT NOT NULL,
			subject   TEXT NOT NULL,
			event     TEXT NOT NULL,
			uuid      TEXT NOT NULL,
			kind      TEXT NOT NULL DEFAULT '',
			agent     TEXT NOT NULL DEFAULT '',
			labels    TEXT NOT NULL DEFAULT '',
			state     TEXT NOT NULL DEFAULT '',
			endpoint  TEXT NOT NULL DEFAULT '',

			CHECK (subject IN ('container', 'agent')),
			CHECK (event IN ('added', 'removed', 'updated'))
		);

		CREATE INDEX IF NOT EXISTS idx_journal_uuid ON journal_entries(uuid, seq);
		CREATE INDEX IF NOT EXISTS idx_journal_ts ON journal_entries(ts);
	`
	_, err := j.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
