package core

// normalize.go applies a schema variant to one raw row.
//
// Rules, per field in variant order:
//  1. A missing column or an empty cell is absent.
//  2. Absent nullable fields become null.
//  3. An absent (or blank) key rejects the row with ErrMissingKey.
//  4. Present values are coerced by type. Strings pass through unchanged.
//
// Every coercion failure in a row is collected before the row is rejected,
// so the caller can report all bad fields at once.

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/crashetl/internal/schema"
)

// Normalize converts a raw row into a Record for the given variant.
//
// On a missing key it returns an empty Record and a *RowError with
// ReasonMissingKey. On coercion failures it returns the partially normalized
// record (failed fields are null) and a *RowError with ReasonCoercion listing
// each failing field. A rejected record must not be upserted.
func Normalize(raw RawRecord, v schema.Variant) (Record, error) {
	key := v.Key()
	keyVal, ok := raw[key.Source]
	if !ok || strings.TrimSpace(keyVal) == "" {
		return Record{}, &RowError{Reason: ReasonMissingKey}
	}

	fields := v.Fields()
	rec := Record{Variant: v, Values: make([]any, len(fields))}

	var fieldErrs []FieldError
	for i, f := range fields {
		val, err := normalizeField(f, raw[f.Source])
		if err != nil {
			fieldErrs = append(fieldErrs, FieldError{
				Field:   f.Dest,
				Value:   raw[f.Source],
				Message: err.Error(),
				Err:     err,
			})
		}
		rec.Values[i] = val
	}

	if len(fieldErrs) > 0 {
		return rec, &RowError{Key: keyVal, Reason: ReasonCoercion, Fields: fieldErrs}
	}
	return rec, nil
}

// normalizeField coerces a single cell. On error the returned value is the
// null of the field's type.
func normalizeField(f schema.Field, s string) (any, error) {
	if s == "" && !f.Nullable {
		return nullOf(f.Type), errRequired
	}

	switch f.Type {
	case schema.Integer:
		var (
			v   pgtype.Int8
			err error
		)
		switch {
		case f.Lenient:
			v, err = ToPgInt8Lenient(s)
		case f.Flag:
			v, err = ToPgFlag(s)
		default:
			v, err = ToPgInt8(s)
		}
		if err != nil {
			return pgtype.Int8{}, err
		}
		return v, nil

	case schema.Float:
		v, err := ToPgFloat8(s)
		if err != nil {
			return pgtype.Float8{}, err
		}
		return v, nil

	default:
		return ToPgText(s), nil
	}
}

func nullOf(t schema.Type) any {
	switch t {
	case schema.Integer:
		return pgtype.Int8{}
	case schema.Float:
		return pgtype.Float8{}
	default:
		return pgtype.Text{}
	}
}

// NormalizeRow is a convenience wrapper that builds the RawRecord from a CSV
// row and header index, and stamps the line number on any RowError.
func NormalizeRow(row []string, idx HeaderIndex, v schema.Variant, line int) (Record, error) {
	rec, err := Normalize(NewRawRecord(row, idx), v)
	var rowErr *RowError
	if errors.As(err, &rowErr) {
		rowErr.Line = line
	}
	return rec, err
}
