package core

import (
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/crashetl/internal/schema"
)

// RawRecord maps lowercase source column names to raw cell values.
// A column missing from the map was not present in the file.
type RawRecord map[string]string

// HeaderIndex maps column names (lowercase) to their position in the CSV row.
type HeaderIndex map[string]int

// Record is one normalized row. Values line up with Variant.Fields() and hold
// pgtype.Text, pgtype.Int8 or pgtype.Float8; Valid=false is an explicit null.
type Record struct {
	Variant schema.Variant
	Values  []any
}

// Key returns the crash identifier of the record.
func (r Record) Key() string {
	if len(r.Values) == 0 {
		return ""
	}
	if t, ok := r.Values[0].(pgtype.Text); ok {
		return t.String
	}
	return ""
}

// Get returns the typed value for a destination column.
func (r Record) Get(dest string) (any, bool) {
	for i, f := range r.Variant.Fields() {
		if f.Dest == dest && i < len(r.Values) {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Map returns the record keyed by destination name with plain Go values
// (string, int64, float64) and nil for nulls.
func (r Record) Map() map[string]any {
	fields := r.Variant.Fields()
	m := make(map[string]any, len(fields))
	for i, f := range fields {
		if i >= len(r.Values) {
			break
		}
		m[f.Dest] = Native(r.Values[i])
	}
	return m
}

// Strings re-serializes the record in field order. Nulls become "".
func (r Record) Strings() []string {
	out := make([]string, len(r.Values))
	for i, v := range r.Values {
		switch val := v.(type) {
		case pgtype.Text:
			if val.Valid {
				out[i] = val.String
			}
		case pgtype.Int8:
			if val.Valid {
				out[i] = strconv.FormatInt(val.Int64, 10)
			}
		case pgtype.Float8:
			if val.Valid {
				out[i] = strconv.FormatFloat(val.Float64, 'f', -1, 64)
			}
		}
	}
	return out
}

// Native unwraps a pgtype value into a plain Go value, or nil when null.
func Native(v any) any {
	switch val := v.(type) {
	case pgtype.Text:
		if val.Valid {
			return val.String
		}
	case pgtype.Int8:
		if val.Valid {
			return val.Int64
		}
	case pgtype.Float8:
		if val.Valid {
			return val.Float64
		}
	}
	return nil
}

// LoadPhase indicates the current stage of a load.
type LoadPhase string

const (
	PhaseStarting  LoadPhase = "starting"
	PhaseOpening   LoadPhase = "opening"
	PhaseLoading   LoadPhase = "loading"
	PhaseComplete  LoadPhase = "complete"
	PhaseFailed    LoadPhase = "failed"
	PhaseCancelled LoadPhase = "cancelled"
)

// Done reports whether the phase is terminal.
func (p LoadPhase) Done() bool {
	return p == PhaseComplete || p == PhaseFailed || p == PhaseCancelled
}

// LoadProgress represents the current state of a load.
type LoadProgress struct {
	RunID        string
	FileName     string
	Phase        LoadPhase
	Variant      string
	BytesRead    int64
	TotalBytes   int64
	RowsRead     int
	RowsUpserted int
	Rejected     int
	StartedAt    time.Time
	Error        string
}

// Percent returns completion percentage based on bytes read (0-100).
func (p LoadProgress) Percent() int {
	if p.TotalBytes <= 0 {
		if p.Phase == PhaseComplete {
			return 100
		}
		return 0
	}
	pct := int(p.BytesRead * 100 / p.TotalBytes)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Rejection records a row that was skipped.
type Rejection struct {
	Line   int          `json:"line"`
	Key    string       `json:"key,omitempty"`
	Reason RejectReason `json:"reason"`
	Fields []FieldError `json:"fields,omitempty"`
}

// DestinationResult reports what was written to one destination.
type DestinationResult struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Cleared bool   `json:"cleared"`
	Rows    int    `json:"rows"`
}

// LoadResult summarizes a completed load.
type LoadResult struct {
	RunID          string              `json:"run_id"`
	FileName       string              `json:"file_name"`
	Year           int                 `json:"year,omitempty"`
	Variant        string              `json:"variant"`
	RowsRead       int                 `json:"rows_read"`
	RowsUpserted   int                 `json:"rows_upserted"`
	MissingKey     int                 `json:"missing_key"`
	Coercion       int                 `json:"coercion"`
	Rejections     []Rejection         `json:"rejections,omitempty"`
	MissingColumns []string            `json:"missing_columns,omitempty"`
	Destinations   []DestinationResult `json:"destinations"`
	Duration       time.Duration       `json:"duration"`
	Error          string              `json:"error,omitempty"`
}

// Rejected returns the number of rows skipped for any reason.
func (r *LoadResult) Rejected() int {
	return r.MissingKey + r.Coercion
}
