// Package core normalizes raw crash rows against a schema variant and defines
// the record, progress and result types shared by the loader.
//
// The package has no I/O. Readers, sinks and transports live elsewhere and
// hand rows in as string slices.
//
// # Normalization
//
// [NormalizeRow] builds a [RawRecord] from a CSV row and a [HeaderIndex],
// then [Normalize] walks the variant's fields in order:
//
//   - a missing or blank CRASH_CRN rejects the row with [ErrMissingKey]
//     before any value is converted;
//   - absent columns and empty cells become typed nulls;
//   - text is kept byte for byte, numbers are parsed into pgtype values;
//   - every failing field is collected into one [RowError] with
//     [ErrCoercion].
//
// A [Record] carries its variant and values in field order, so sinks can
// build columns without looking anything up.
//
// # Error Handling
//
// Row errors ([ErrMissingKey], [ErrCoercion]) skip the row. File errors
// ([ErrNoYear], [ErrEmptyFile], [ErrUnresolvableSchema], [ErrSinkFailure])
// stop the file and arrive wrapped in a [FileError].
//
// [MapError] turns any error into a coded [UserMessage] for API responses and
// notifications:
//
//   - ROW001-ROW002: rejected rows
//   - FILE001-FILE007: upload and extract problems
//   - DB004-DB007: database connection problems
//   - SINK001-SINK003: destination problems
//   - LOAD001-LOAD005: load lifecycle
package core
