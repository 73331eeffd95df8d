// Package schema holds the crash field tables and decides which table a file
// conforms to from its header row.
package schema

import (
	"errors"
	"strings"
)

// ErrUnresolvableSchema is returned when a header cannot be matched to any variant.
var ErrUnresolvableSchema = errors.New("unresolvable schema")

// KeyField is the destination name of the crash identifier used for upserts.
const KeyField = "CRASH_CRN"

// Type is the semantic type of a destination column.
type Type int

const (
	String Type = iota
	Integer
	Float
)

func (t Type) String() string {
	switch t {
	case Integer:
		return "integer"
	case Float:
		return "float"
	default:
		return "string"
	}
}

// Field maps one source column onto a destination column.
type Field struct {
	Source   string // lowercase CSV column name
	Dest     string // uppercase destination column name
	Type     Type
	Nullable bool

	// Lenient integer fields accept decimal strings ("3.0") and truncate them.
	Lenient bool

	// Flag integer fields also accept Yes/No style values as 1/0.
	Flag bool
}

func key(src string) Field {
	return Field{Source: src, Dest: strings.ToUpper(src), Type: String}
}

func text(src string) Field {
	return Field{Source: src, Dest: strings.ToUpper(src), Type: String, Nullable: true}
}

func integer(src string) Field {
	return Field{Source: src, Dest: strings.ToUpper(src), Type: Integer, Nullable: true}
}

func lenientInt(src string) Field {
	f := integer(src)
	f.Lenient = true
	return f
}

func flag(src string) Field {
	f := integer(src)
	f.Flag = true
	return f
}

func float(src string) Field {
	return Field{Source: src, Dest: strings.ToUpper(src), Type: Float, Nullable: true}
}

// Variant identifies which field table a file conforms to.
type Variant int

const (
	Base Variant = iota
	Extended
)

// ExtendedMarkers are the header columns whose presence selects Extended.
var ExtendedMarkers = []string{"tot_inj_count", "school_bus_unit"}

func (v Variant) String() string {
	if v == Extended {
		return "extended"
	}
	return "base"
}

// ParseVariant converts "base" or "extended" (any case) back into a Variant.
func ParseVariant(s string) (Variant, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "base":
		return Base, true
	case "extended":
		return Extended, true
	}
	return Base, false
}

// Fields returns the ordered field table for the variant.
// The slice is shared and must not be modified.
func (v Variant) Fields() []Field {
	if v == Extended {
		return extendedFields
	}
	return baseFields
}

// Key returns the field used for conflict resolution on upsert.
func (v Variant) Key() Field {
	return baseFields[0]
}

// Lookup finds a field by source or destination name, case-insensitively.
func (v Variant) Lookup(name string) (Field, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, f := range v.Fields() {
		if f.Source == name {
			return f, true
		}
	}
	return Field{}, false
}

// Resolve picks the variant for a header row. It is a pure function of the
// column names: Extended when any extended marker is present, Base otherwise.
// Missing columns are tolerated.
func Resolve(header []string) Variant {
	for _, col := range header {
		name := normalizeColumn(col)
		for _, m := range ExtendedMarkers {
			if name == m {
				return Extended
			}
		}
	}
	return Base
}

// Classify is Resolve with a sanity check on the header: a header with no
// usable columns, or with nothing in common with the crash table, cannot be a
// crash extract.
func Classify(header []string) (Variant, error) {
	v := Resolve(header)

	known := 0
	for _, col := range header {
		if _, ok := v.Lookup(normalizeColumn(col)); ok {
			known++
		}
	}
	if known == 0 {
		return Base, ErrUnresolvableSchema
	}
	return v, nil
}

// Columns returns the destination names of the variant in order.
func (v Variant) Columns() []string {
	fields := v.Fields()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Dest
	}
	return cols
}

func normalizeColumn(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	return strings.ToLower(strings.TrimSpace(s))
}
