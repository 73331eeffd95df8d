// Package ingest drives a crash extract from disk into its destinations:
// header resolution, per-row normalization, and chunked upserts into the
// year destination and the cumulative destination.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/JonMunkholm/crashetl/internal/core"
	"github.com/JonMunkholm/crashetl/internal/logging"
	"github.com/JonMunkholm/crashetl/internal/schema"
	"github.com/JonMunkholm/crashetl/internal/sink"
)

const (
	DefaultChunkSize = 2000

	// maxRejections bounds the rejection list kept in a result. Counts are
	// always complete.
	maxRejections = 1000
)

// Pipeline loads crash extracts into a sink.
type Pipeline struct {
	Sink sink.Sink

	// ChunkSize is the number of accepted rows sent per upsert call.
	ChunkSize int

	// CumulativeID identifies the pre-provisioned cumulative destination.
	CumulativeID string
}

// Options tune a single run.
type Options struct {
	RunID string

	// ResourceID names the year destination directly. The file name then
	// needs no year prefix and the destination is always cleared.
	ResourceID string

	// FailedPath, when set, receives the rejected rows as CSV with a
	// trailing Reason column.
	FailedPath string

	// Progress is called after the header is resolved and after every chunk.
	Progress func(core.LoadProgress)
}

// YearFromFileName extracts the leading four-digit year of a file name.
func YearFromFileName(path string) (int, error) {
	name := filepath.Base(path)
	if len(name) < 4 {
		return 0, fmt.Errorf("%q: %w", name, core.ErrNoYear)
	}
	for _, c := range name[:4] {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%q: %w", name, core.ErrNoYear)
		}
	}
	year, _ := strconv.Atoi(name[:4])
	return year, nil
}

// YearDestination is the destination name for a year.
func YearDestination(year int) string {
	return fmt.Sprintf("%d Crash Data", year)
}

// Run loads the file at path.
func (p *Pipeline) Run(ctx context.Context, path string, opts Options) (*core.LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return &core.LoadResult{RunID: opts.RunID, FileName: filepath.Base(path)}, &core.FileError{Path: path, Err: err}
	}
	defer f.Close()

	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	return p.Load(ctx, path, f, size, opts)
}

// Load reads a crash extract from r. name is the original file name and
// supplies the year; size is used for progress and may be 0.
//
// Row-level problems are counted and the row skipped. File-level problems
// (no year, unreadable CSV, unknown header, sink failure, cancellation)
// stop the load and are returned together with the partial result.
func (p *Pipeline) Load(ctx context.Context, name string, r io.Reader, size int64, opts Options) (*core.LoadResult, error) {
	start := time.Now()
	result := &core.LoadResult{RunID: opts.RunID, FileName: filepath.Base(name)}
	defer func() { result.Duration = time.Since(start) }()

	if opts.RunID != "" && logging.RunID(ctx) == "" {
		ctx = logging.WithRun(ctx, opts.RunID)
	}
	log := logging.WithFields(ctx, "file", result.FileName)

	fail := func(dest string, err error) (*core.LoadResult, error) {
		result.Error = err.Error()
		return result, &core.FileError{Path: name, Destination: dest, Err: err}
	}

	if opts.ResourceID == "" {
		year, err := YearFromFileName(name)
		if err != nil {
			return fail("", err)
		}
		result.Year = year
	}

	counter := NewCountingReader(r, size)
	reader := csv.NewReader(decodeReader(counter))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return fail("", core.ErrEmptyFile)
	}
	if err != nil {
		return fail("", fmt.Errorf("invalid csv header: %w", err))
	}
	header = append([]string(nil), header...)

	variant, err := schema.Classify(header)
	if err != nil {
		return fail("", err)
	}
	result.Variant = variant.String()

	idx := core.MakeHeaderIndex(header)
	for _, f := range variant.Fields() {
		if _, ok := idx[f.Source]; !ok {
			result.MissingColumns = append(result.MissingColumns, f.Dest)
		}
	}
	log.Info("resolved schema", "variant", result.Variant, "columns", len(header), "missing_columns", len(result.MissingColumns))

	progress := core.LoadProgress{
		RunID:      opts.RunID,
		FileName:   result.FileName,
		Phase:      core.PhaseOpening,
		Variant:    result.Variant,
		TotalBytes: counter.Total(),
		StartedAt:  start,
	}
	report := func(phase core.LoadPhase) {
		if opts.Progress == nil {
			return
		}
		progress.Phase = phase
		progress.BytesRead = counter.Count()
		progress.RowsRead = result.RowsRead
		progress.RowsUpserted = result.RowsUpserted
		progress.Rejected = result.Rejected()
		opts.Progress(progress)
	}
	report(core.PhaseOpening)

	yearTarget := sink.Target{ID: opts.ResourceID, ClearExisting: true}
	if result.Year != 0 {
		yearTarget.Name = YearDestination(result.Year)
	}
	cumulativeTarget := sink.Target{Name: "cumulative", ID: p.CumulativeID}

	dests := []*destination{
		{target: yearTarget, fields: variant.Fields()},
		{target: cumulativeTarget, fields: schema.Extended.Fields()},
	}
	for _, d := range dests {
		w, err := p.Sink.Open(ctx, d.target, d.fields, schema.KeyField)
		if err != nil {
			closeAll(ctx, dests)
			return fail(d.target.Label(), fmt.Errorf("%w: %w", core.ErrSinkFailure, err))
		}
		d.writer = w
		result.Destinations = append(result.Destinations, core.DestinationResult{
			Name:    d.target.Label(),
			ID:      w.ID(),
			Cleared: w.Cleared(),
		})
	}
	defer closeAll(ctx, dests)

	var failed *failedWriter
	if opts.FailedPath != "" {
		failed = &failedWriter{path: opts.FailedPath, header: header}
		defer failed.Close()
	}

	chunkSize := p.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	chunk := make([]core.Record, 0, chunkSize)

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		for i, d := range dests {
			if err := d.writer.Write(ctx, chunk); err != nil {
				return &core.FileError{Path: name, Destination: d.target.Label(), Err: fmt.Errorf("%w: %w", core.ErrSinkFailure, err)}
			}
			result.Destinations[i].Rows += len(chunk)
		}
		result.RowsUpserted += len(chunk)
		chunk = chunk[:0]
		report(core.PhaseLoading)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			result.Error = "load cancelled"
			return result, fmt.Errorf("load cancelled after %d rows: %w", result.RowsRead, err)
		}

		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail("", fmt.Errorf("invalid csv: %w", err))
		}
		line, _ := reader.FieldPos(0)
		result.RowsRead++

		rec, err := core.NormalizeRow(row, idx, variant, line)
		var rowErr *core.RowError
		if errors.As(err, &rowErr) {
			switch rowErr.Reason {
			case core.ReasonMissingKey:
				result.MissingKey++
			default:
				result.Coercion++
			}
			if len(result.Rejections) < maxRejections {
				result.Rejections = append(result.Rejections, rowErr.Rejection())
			}
			log.Debug("row rejected", "line", line, "reason", rowErr.Reason, "error", rowErr.Error())
			if failed != nil {
				if err := failed.Write(row, rowErr.Error()); err != nil {
					log.Warn("could not record failed row", "error", err)
				}
			}
			continue
		}
		if err != nil {
			return fail("", err)
		}

		chunk = append(chunk, rec)
		if len(chunk) >= chunkSize {
			if err := flush(); err != nil {
				result.Error = err.Error()
				return result, err
			}
		}
	}

	if err := flush(); err != nil {
		result.Error = err.Error()
		return result, err
	}

	for _, d := range result.Destinations {
		log.Info("upserted into destination", "destination", d.Name, "id", d.ID, "rows", d.Rows, "cleared", d.Cleared)
	}
	report(core.PhaseComplete)
	return result, nil
}

type destination struct {
	target sink.Target
	fields []schema.Field
	writer sink.Writer
}

func closeAll(ctx context.Context, dests []*destination) {
	for _, d := range dests {
		if d.writer == nil {
			continue
		}
		if err := d.writer.Close(ctx); err != nil {
			logging.FromContext(ctx).Warn("close destination", "destination", d.target.Label(), "error", err)
		}
		d.writer = nil
	}
}

// failedWriter writes rejected rows to a CSV file, created on first use.
type failedWriter struct {
	path   string
	header []string
	f      *os.File
	w      *csv.Writer
}

func (fw *failedWriter) Write(row []string, reason string) error {
	if fw.w == nil {
		f, err := os.Create(fw.path)
		if err != nil {
			return err
		}
		fw.f = f
		fw.w = csv.NewWriter(f)
		if err := fw.w.Write(append(append([]string(nil), fw.header...), "Reason")); err != nil {
			return err
		}
	}
	return fw.w.Write(append(append([]string(nil), row...), reason))
}

func (fw *failedWriter) Close() error {
	if fw.w == nil {
		return nil
	}
	fw.w.Flush()
	if err := fw.w.Error(); err != nil {
		fw.f.Close()
		return err
	}
	return fw.f.Close()
}

// AppendUploadLog records that the year destination of res finished loading.
func AppendUploadLog(path string, res *core.LoadResult) error {
	if res == nil || len(res.Destinations) == 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	dest := res.Destinations[0]
	label := dest.Name
	if label == "" {
		label = dest.ID
	}
	_, err = fmt.Fprintf(f, "Finished upserting data to %s\n", label)
	return err
}
