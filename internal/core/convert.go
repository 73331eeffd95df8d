package core

// convert.go turns raw CSV cells into pgtype values.
//
// Crash extracts are mostly clean, but a few quirks show up across years:
//   - Some years write hour and speed fields with a fractional suffix ("3.0")
//   - The 2018 extract spells indicator columns as Yes/No instead of 1/0
//   - Codes are zero padded and must keep their leading zeros
//
// Every ToPg* parser returns Valid=false for an empty cell. The numeric ones
// return an error for anything non-empty that they cannot represent.

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

var (
	errNotInteger = errors.New("not an integer")
	errNotNumber  = errors.New("not a number")
	errOutOfRange = errors.New("out of range")
	errNotFlag    = errors.New("not a 0/1 or yes/no value")
	errRequired   = errors.New("required value is empty")
)

// int64 bounds as float64. 2^63 is exactly representable, so the upper bound
// is exclusive.
const (
	minInt64Float = -9223372036854775808.0
	maxInt64Float = 9223372036854775808.0
)

// ToPgText converts a string to pgtype.Text.
// The value is kept byte for byte; only the empty string is null.
func ToPgText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// ToPgInt8 parses a base-10 integer. Surrounding whitespace is ignored.
func ToPgInt8(s string) (pgtype.Int8, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Int8{Valid: false}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return pgtype.Int8{}, errOutOfRange
		}
		return pgtype.Int8{}, errNotInteger
	}
	return pgtype.Int8{Int64: n, Valid: true}, nil
}

// ToPgInt8Lenient parses an integer that may have been written as a decimal.
// The value is truncated toward zero, so "3.0" and "3.7" both become 3.
func ToPgInt8Lenient(s string) (pgtype.Int8, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Int8{Valid: false}, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return pgtype.Int8{Int64: n, Valid: true}, nil
	}
	f, err := parseFinite(s)
	if err != nil {
		return pgtype.Int8{}, err
	}
	f = math.Trunc(f)
	if f < minInt64Float || f >= maxInt64Float {
		return pgtype.Int8{}, errOutOfRange
	}
	return pgtype.Int8{Int64: int64(f), Valid: true}, nil
}

// ToPgFlag parses an indicator column. It accepts integers and the
// yes/no, y/n, true/false spellings (any case) as 1 and 0.
func ToPgFlag(s string) (pgtype.Int8, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Int8{Valid: false}, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return pgtype.Int8{Int64: n, Valid: true}, nil
	}
	switch strings.ToLower(s) {
	case "yes", "y", "true", "t":
		return pgtype.Int8{Int64: 1, Valid: true}, nil
	case "no", "n", "false", "f":
		return pgtype.Int8{Int64: 0, Valid: true}, nil
	}
	return pgtype.Int8{}, errNotFlag
}

// ToPgFloat8 parses a decimal number. NaN and infinities are rejected.
func ToPgFloat8(s string) (pgtype.Float8, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Float8{Valid: false}, nil
	}
	f, err := parseFinite(s)
	if err != nil {
		return pgtype.Float8{}, err
	}
	return pgtype.Float8{Float64: f, Valid: true}, nil
}

func parseFinite(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, errOutOfRange
		}
		return 0, errNotNumber
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errNotNumber
	}
	return f, nil
}

// MakeHeaderIndex creates a HeaderIndex from a CSV header row.
// Keys are lowercased for case-insensitive matching. When a column name is
// repeated the first occurrence wins.
func MakeHeaderIndex(header []string) HeaderIndex {
	idx := make(HeaderIndex, len(header))
	for i, h := range header {
		key := CleanHeader(h)
		if key == "" {
			continue
		}
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return idx
}

// CleanHeader normalizes a header cell: strips a BOM, surrounding whitespace
// and quotes, and lowercases the result.
func CleanHeader(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	return strings.ToLower(strings.TrimSpace(s))
}

// NewRawRecord builds a RawRecord from a data row. Columns beyond the end of a
// short row are left out, which makes them absent.
func NewRawRecord(row []string, idx HeaderIndex) RawRecord {
	raw := make(RawRecord, len(idx))
	for name, pos := range idx {
		if pos < len(row) {
			raw[name] = row[pos]
		}
	}
	return raw
}
