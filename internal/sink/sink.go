// Package sink writes normalized crash records to a destination with upsert
// semantics keyed by the crash identifier.
//
// Three destinations are supported: a CKAN-style datastore reached over HTTP,
// a PostgreSQL database and a local SQLite file. All of them create missing
// destinations, add columns that are new to an existing destination, clear
// prior contents only when asked to, and upsert rows by key.
package sink

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/JonMunkholm/crashetl/internal/core"
	"github.com/JonMunkholm/crashetl/internal/schema"
)

// ErrDestinationNotFound is returned when a destination given by ID does not exist
// and cannot be created.
var ErrDestinationNotFound = errors.New("destination not found")

// Target names a destination. When ID is empty the destination is looked up
// by Name and created if missing.
type Target struct {
	Name          string
	ID            string
	ClearExisting bool // wipe prior contents if the destination already exists
}

// Label returns the most useful human name for the target.
func (t Target) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// Sink opens writers on destinations.
type Sink interface {
	// Open resolves the target, creating it with fields when missing and
	// clearing it when requested. key is the destination column used for
	// conflict resolution.
	Open(ctx context.Context, t Target, fields []schema.Field, key string) (Writer, error)
}

// Writer upserts records into one opened destination.
type Writer interface {
	// ID identifies the destination (resource ID or table name).
	ID() string

	// Cleared reports whether prior contents were wiped on open.
	Cleared() bool

	// Write upserts a chunk of records. Records sharing a key within the
	// chunk collapse to the last one.
	Write(ctx context.Context, records []core.Record) error

	Close(ctx context.Context) error
}

// Dedupe collapses records with the same key, keeping the last occurrence's
// values at the position of the first occurrence.
func Dedupe(records []core.Record) []core.Record {
	pos := make(map[string]int, len(records))
	out := make([]core.Record, 0, len(records))
	for _, r := range records {
		k := r.Key()
		if i, ok := pos[k]; ok {
			out[i] = r
			continue
		}
		pos[k] = len(out)
		out = append(out, r)
	}
	return out
}

var nonIdent = regexp.MustCompile(`[^a-z0-9]+`)

// TableName turns a destination name like "2019 Crash Data" into a SQL table
// name like "crash_data_2019". A leading year is moved to the end so the name
// does not start with a digit.
func TableName(name string) string {
	s := nonIdent.ReplaceAllString(strings.ToLower(name), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "crash_data"
	}
	if s[0] >= '0' && s[0] <= '9' {
		if i := strings.IndexByte(s, '_'); i > 0 {
			s = s[i+1:] + "_" + s[:i]
		} else {
			s = "t_" + s
		}
	}
	return s
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdentifier(n)
	}
	return out
}

func destColumns(fields []schema.Field) []string {
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Dest
	}
	return cols
}
