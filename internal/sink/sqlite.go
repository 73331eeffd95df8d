package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/JonMunkholm/crashetl/internal/core"
	"github.com/JonMunkholm/crashetl/internal/logging"
	"github.com/JonMunkholm/crashetl/internal/schema"
)

// SQLite upserts into tables of a local SQLite file. It is handy for trying a
// load without a datastore or a database server.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the SQLite file at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

// DB returns the underlying connection.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Open implements Sink.
func (s *SQLite) Open(ctx context.Context, t Target, fields []schema.Field, key string) (Writer, error) {
	table := t.ID
	if table == "" {
		table = TableName(t.Name)
	}
	log := logging.WithFields(ctx, "destination", t.Label(), "table", table)

	existing, err := s.columns(ctx, table)
	if err != nil {
		return nil, err
	}

	cleared := false
	if existing == nil {
		if _, err := s.db.ExecContext(ctx, createTableSQL(table, fields, key, sqliteColumnType)); err != nil {
			return nil, fmt.Errorf("create table %s: %w", table, err)
		}
		log.Info("created table")
	} else {
		for _, f := range fields {
			if existing[strings.ToUpper(f.Dest)] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
				quoteIdentifier(table), quoteIdentifier(f.Dest), sqliteColumnType(f.Type))
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return nil, fmt.Errorf("add column %s to %s: %w", f.Dest, table, err)
			}
		}
		if t.ClearExisting {
			if _, err := s.db.ExecContext(ctx, "DELETE FROM "+quoteIdentifier(table)); err != nil {
				return nil, fmt.Errorf("clear table %s: %w", table, err)
			}
			cleared = true
		}
	}

	log.Info("opened table", "cleared", cleared)
	return &sqliteWriter{db: s.db, table: table, key: key, cleared: cleared}, nil
}

// columns returns the upper-cased column names of table, or nil if the table
// does not exist.
func (s *SQLite) columns(ctx context.Context, table string) (map[string]bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("check table %s: %w", table, err)
	}
	if n == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[strings.ToUpper(name)] = true
	}
	return cols, rows.Err()
}

func sqliteColumnType(t schema.Type) string {
	switch t {
	case schema.Integer:
		return "INTEGER"
	case schema.Float:
		return "REAL"
	default:
		return "TEXT"
	}
}

type sqliteWriter struct {
	db      *sql.DB
	table   string
	key     string
	cleared bool
}

func (w *sqliteWriter) ID() string    { return w.table }
func (w *sqliteWriter) Cleared() bool { return w.cleared }

func (w *sqliteWriter) Write(ctx context.Context, records []core.Record) error {
	if len(records) == 0 {
		return nil
	}
	records = Dedupe(records)
	cols := destColumns(records[0].Variant.Fields())

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmtSQL := upsertSQL(w.table, cols, w.key, "VALUES ("+placeholders+")")

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() // No-op if already committed

	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Values...); err != nil {
			return fmt.Errorf("upsert %s into %s: %w", r.Key(), w.table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (w *sqliteWriter) Close(ctx context.Context) error { return nil }
