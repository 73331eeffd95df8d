package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/crashetl/internal/core"
	"github.com/JonMunkholm/crashetl/internal/logging"
	"github.com/JonMunkholm/crashetl/internal/schema"
)

// DBTX is the subset of pgx used by the PostgreSQL sink.
// Satisfied by *pgxpool.Pool.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
}

// Postgres upserts into tables of a PostgreSQL database. Target IDs are table
// names; targets given by name map through TableName.
type Postgres struct {
	db DBTX
}

// NewPostgres creates a PostgreSQL sink over a pool.
func NewPostgres(db DBTX) *Postgres {
	return &Postgres{db: db}
}

// Open implements Sink.
func (p *Postgres) Open(ctx context.Context, t Target, fields []schema.Field, key string) (Writer, error) {
	table := t.ID
	if table == "" {
		table = TableName(t.Name)
	}
	log := logging.WithFields(ctx, "destination", t.Label(), "table", table)

	var exists bool
	if err := p.db.QueryRow(ctx, "SELECT to_regclass($1::text) IS NOT NULL", quoteIdentifier(table)).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check table %s: %w", table, err)
	}

	cleared := false
	if !exists {
		if _, err := p.db.Exec(ctx, createTableSQL(table, fields, key, pgColumnType)); err != nil {
			return nil, fmt.Errorf("create table %s: %w", table, err)
		}
		log.Info("created table")
	} else {
		for _, f := range fields {
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
				quoteIdentifier(table), quoteIdentifier(f.Dest), pgColumnType(f.Type))
			if _, err := p.db.Exec(ctx, stmt); err != nil {
				return nil, fmt.Errorf("add column %s to %s: %w", f.Dest, table, err)
			}
		}
		if t.ClearExisting {
			if _, err := p.db.Exec(ctx, "TRUNCATE "+quoteIdentifier(table)); err != nil {
				return nil, fmt.Errorf("clear table %s: %w", table, err)
			}
			cleared = true
		}
	}

	log.Info("opened table", "cleared", cleared)
	return &postgresWriter{db: p.db, table: table, key: key, cleared: cleared}, nil
}

func pgColumnType(t schema.Type) string {
	switch t {
	case schema.Integer:
		return "BIGINT"
	case schema.Float:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

func createTableSQL(table string, fields []schema.Field, key string, colType func(schema.Type) string) string {
	defs := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		def := quoteIdentifier(f.Dest) + " " + colType(f.Type)
		if f.Dest == key {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, "PRIMARY KEY ("+quoteIdentifier(key)+")")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quoteIdentifier(table), strings.Join(defs, ",\n\t"))
}

// upsertSQL builds INSERT ... SELECT/VALUES ... ON CONFLICT DO UPDATE for the
// given columns. source is either a VALUES placeholder list or a SELECT.
func upsertSQL(table string, cols []string, key, source string) string {
	quoted := quoteAll(cols)
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == key {
			continue
		}
		q := quoteIdentifier(c)
		sets = append(sets, q+" = EXCLUDED."+q)
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) %s ON CONFLICT (%s)",
		quoteIdentifier(table), strings.Join(quoted, ", "), source, quoteIdentifier(key))
	if len(sets) == 0 {
		return stmt + " DO NOTHING"
	}
	return stmt + " DO UPDATE SET " + strings.Join(sets, ", ")
}

type postgresWriter struct {
	db      DBTX
	table   string
	key     string
	cleared bool
}

func (w *postgresWriter) ID() string    { return w.table }
func (w *postgresWriter) Cleared() bool { return w.cleared }

// Write copies the chunk into a temporary staging table and merges it into the
// destination in one transaction.
func (w *postgresWriter) Write(ctx context.Context, records []core.Record) error {
	if len(records) == 0 {
		return nil
	}
	records = Dedupe(records)
	cols := destColumns(records[0].Variant.Fields())

	tx, err := w.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if already committed

	const stage = "crash_stage"
	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		quoteIdentifier(stage), quoteIdentifier(w.table))
	if _, err := tx.Exec(ctx, create); err != nil {
		return fmt.Errorf("create staging table: %w", err)
	}

	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = r.Values
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, cols, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy into staging table: %w", err)
	}

	source := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoteAll(cols), ", "), quoteIdentifier(stage))
	if _, err := tx.Exec(ctx, upsertSQL(w.table, cols, w.key, source)); err != nil {
		return fmt.Errorf("merge into %s: %w", w.table, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (w *postgresWriter) Close(ctx context.Context) error { return nil }
