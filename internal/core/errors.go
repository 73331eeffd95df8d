package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/crashetl/internal/schema"
)

// Row-level errors. A row failing with either is skipped and the file continues.
var (
	ErrMissingKey = errors.New("missing key field")
	ErrCoercion   = errors.New("coercion error")
)

// File-level errors. These abort the file.
var (
	ErrUnresolvableSchema = schema.ErrUnresolvableSchema
	ErrSinkFailure        = errors.New("sink failure")
	ErrEmptyFile          = errors.New("empty file")
	ErrNoYear             = errors.New("no year prefix in file name")
)

// RejectReason classifies why a row was skipped.
type RejectReason string

const (
	ReasonMissingKey RejectReason = "missing_key"
	ReasonCoercion   RejectReason = "coercion"
)

// FieldError describes one value that could not be coerced.
type FieldError struct {
	Field   string `json:"field"`
	Value   string `json:"value"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s %q", e.Field, e.Message, e.Value)
}

func (e FieldError) Unwrap() error {
	return e.Err
}

// RowError is returned by Normalize when a row must be rejected.
type RowError struct {
	Line   int // 1-based line in the source file, 0 when unknown
	Key    string
	Reason RejectReason
	Fields []FieldError
}

func (e *RowError) Error() string {
	var b strings.Builder
	if e.Line > 0 {
		fmt.Fprintf(&b, "line %d: ", e.Line)
	}
	switch e.Reason {
	case ReasonMissingKey:
		fmt.Fprintf(&b, "%s %s", ErrMissingKey, schema.KeyField)
	default:
		b.WriteString(ErrCoercion.Error())
		for i, fe := range e.Fields {
			if i == 0 {
				b.WriteString(": ")
			} else {
				b.WriteString("; ")
			}
			b.WriteString(fe.Error())
		}
	}
	return b.String()
}

func (e *RowError) Unwrap() error {
	if e.Reason == ReasonMissingKey {
		return ErrMissingKey
	}
	return ErrCoercion
}

// Rejection converts the error into its summary entry.
func (e *RowError) Rejection() Rejection {
	return Rejection{
		Line:   e.Line,
		Key:    e.Key,
		Reason: e.Reason,
		Fields: e.Fields,
	}
}

// FileError wraps a fatal error with the file and destination it occurred on,
// so the load can be retried by hand.
type FileError struct {
	Path        string
	Destination string
	Err         error
}

func (e *FileError) Error() string {
	if e.Destination != "" {
		return fmt.Sprintf("%s -> %s: %v", e.Path, e.Destination, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}
