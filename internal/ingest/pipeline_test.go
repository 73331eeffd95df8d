package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/crashetl/internal/core"
	"github.com/JonMunkholm/crashetl/internal/schema"
	"github.com/JonMunkholm/crashetl/internal/sink"
)

// memSink records everything written to it, keyed by destination label.
type memSink struct {
	mu      sync.Mutex
	opened  []sink.Target
	fields  map[string][]schema.Field
	rows    map[string]map[string]core.Record
	writes  map[string]int
	failOn  string // label whose Write fails
	failErr error
}

func newMemSink() *memSink {
	return &memSink{
		fields: make(map[string][]schema.Field),
		rows:   make(map[string]map[string]core.Record),
		writes: make(map[string]int),
	}
}

func (m *memSink) Open(ctx context.Context, t sink.Target, fields []schema.Field, key string) (sink.Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	label := t.Label()
	m.opened = append(m.opened, t)
	m.fields[label] = fields
	_, existed := m.rows[label]
	if !existed || t.ClearExisting {
		m.rows[label] = make(map[string]core.Record)
	}
	return &memWriter{sink: m, label: label, cleared: existed && t.ClearExisting}, nil
}

type memWriter struct {
	sink    *memSink
	label   string
	cleared bool
}

func (w *memWriter) ID() string    { return "id-" + w.label }
func (w *memWriter) Cleared() bool { return w.cleared }

func (w *memWriter) Write(ctx context.Context, records []core.Record) error {
	m := w.sink
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == w.label {
		return m.failErr
	}
	m.writes[w.label]++
	for _, r := range sink.Dedupe(records) {
		m.rows[w.label][r.Key()] = r
	}
	return nil
}

func (w *memWriter) Close(ctx context.Context) error { return nil }

// writeCSV writes header and rows to dir/name and returns the path.
func writeCSV(t *testing.T, dir, name string, header []string, rows ...[]string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	w := csv.NewWriter(f)
	require.NoError(t, w.Write(header))
	require.NoError(t, w.WriteAll(rows))
	require.NoError(t, f.Close())
	return path
}

var baseHeader = []string{"CRASH_CRN", "DISTRICT", "CRASH_YEAR", "DEC_LAT", "EST_HRS_CLOSED", "SPEED_LIMIT"}

func newTestPipeline(s sink.Sink) *Pipeline {
	return &Pipeline{Sink: s, ChunkSize: 2, CumulativeID: "cumulative-id"}
}

func TestYearFromFileName(t *testing.T) {
	tests := []struct {
		name    string
		want    int
		wantErr bool
	}{
		{"2019crash.csv", 2019, false},
		{"/data/in/2004-a-few-more.csv", 2004, false},
		{"crash2019.csv", 0, true},
		{"201.csv", 0, true},
		{"20x9.csv", 0, true},
	}
	for _, tt := range tests {
		got, err := YearFromFileName(tt.name)
		if tt.wantErr {
			assert.ErrorIs(t, err, core.ErrNoYear, tt.name)
			continue
		}
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestPipeline_LoadsBothDestinations(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "2019crash.csv", baseHeader,
		[]string{"1", "09", "2019", "40.44", "3.0", "25"},
		[]string{"2", "11", "2019", "", "", ""},
		[]string{"3", "11", "2019", "40.1", "", "35"},
	)

	mem := newMemSink()
	res, err := newTestPipeline(mem).Run(context.Background(), path, Options{RunID: "run-1"})
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 2019, res.Year)
	assert.Equal(t, "base", res.Variant)
	assert.Equal(t, 3, res.RowsRead)
	assert.Equal(t, 3, res.RowsUpserted)
	assert.Zero(t, res.Rejected())
	assert.NotEmpty(t, res.MissingColumns)
	assert.NotContains(t, res.MissingColumns, "CRASH_CRN")

	require.Len(t, res.Destinations, 2)
	assert.Equal(t, "2019 Crash Data", res.Destinations[0].Name)
	assert.Equal(t, 3, res.Destinations[0].Rows)
	assert.Equal(t, "cumulative", res.Destinations[1].Name)
	assert.Equal(t, "id-cumulative", res.Destinations[1].ID)
	assert.Equal(t, 3, res.Destinations[1].Rows)

	// Year target is cleared on reload; cumulative never.
	require.Len(t, mem.opened, 2)
	assert.True(t, mem.opened[0].ClearExisting)
	assert.Equal(t, "", mem.opened[0].ID)
	assert.False(t, mem.opened[1].ClearExisting)
	assert.Equal(t, "cumulative-id", mem.opened[1].ID)

	// Year destination gets the file variant, cumulative the extended one.
	assert.Len(t, mem.fields["2019 Crash Data"], len(schema.Base.Fields()))
	assert.Len(t, mem.fields["cumulative"], len(schema.Extended.Fields()))

	// Chunk size 2 means two writes per destination.
	assert.Equal(t, 2, mem.writes["2019 Crash Data"])

	rec := mem.rows["2019 Crash Data"]["1"]
	v, _ := rec.Get("DISTRICT")
	assert.Equal(t, "09", core.Native(v))
	v, _ = rec.Get("EST_HRS_CLOSED")
	assert.Equal(t, int64(3), core.Native(v))
	v, _ = mem.rows["cumulative"]["2"].Get("DEC_LAT")
	assert.Nil(t, core.Native(v))
}

func TestPipeline_RejectsBadRows(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "2018.csv", baseHeader,
		[]string{"1", "09", "2018", "40.44", "", "25"},
		[]string{"", "09", "2018", "40.44", "", "25"},
		[]string{"3", "09", "twenty", "north", "", "25"},
		[]string{"4", "09", "2018", "", "", ""},
	)
	failedPath := filepath.Join(dir, "2018 - failed.csv")

	mem := newMemSink()
	res, err := newTestPipeline(mem).Run(context.Background(), path, Options{FailedPath: failedPath})
	require.NoError(t, err)

	assert.Equal(t, 4, res.RowsRead)
	assert.Equal(t, 2, res.RowsUpserted)
	assert.Equal(t, 1, res.MissingKey)
	assert.Equal(t, 1, res.Coercion)
	require.Len(t, res.Rejections, 2)

	assert.Equal(t, 3, res.Rejections[0].Line)
	assert.Equal(t, core.ReasonMissingKey, res.Rejections[0].Reason)
	assert.Equal(t, 4, res.Rejections[1].Line)
	assert.Equal(t, "3", res.Rejections[1].Key)
	require.Len(t, res.Rejections[1].Fields, 2)
	assert.Equal(t, "CRASH_YEAR", res.Rejections[1].Fields[0].Field)
	assert.Equal(t, "DEC_LAT", res.Rejections[1].Fields[1].Field)

	assert.NotContains(t, mem.rows["2018 Crash Data"], "3")
	assert.Contains(t, mem.rows["cumulative"], "4")

	f, err := os.Open(failedPath)
	require.NoError(t, err)
	defer f.Close()
	failed, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, failed, 3)
	assert.Equal(t, "Reason", failed[0][len(failed[0])-1])
	assert.Contains(t, failed[1][len(failed[1])-1], "missing key field")
	assert.Contains(t, failed[2][len(failed[2])-1], "coercion error")
}

func TestPipeline_ExtendedHeader(t *testing.T) {
	dir := t.TempDir()
	header := append(append([]string(nil), baseHeader...), "TOT_INJ_COUNT")
	path := writeCSV(t, dir, "2017.csv", header,
		[]string{"1", "09", "2017", "", "", "", "2"},
	)

	mem := newMemSink()
	res, err := newTestPipeline(mem).Run(context.Background(), path, Options{})
	require.NoError(t, err)
	assert.Equal(t, "extended", res.Variant)
	assert.Contains(t, res.MissingColumns, "SCHOOL_BUS_UNIT")
	assert.Len(t, mem.fields["2017 Crash Data"], len(schema.Extended.Fields()))

	v, _ := mem.rows["cumulative"]["1"].Get("TOT_INJ_COUNT")
	assert.Equal(t, int64(2), core.Native(v))
}

func TestPipeline_ExplicitResourceID(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "fixes.csv", baseHeader, []string{"1", "", "", "", "", ""})

	mem := newMemSink()
	res, err := newTestPipeline(mem).Run(context.Background(), path, Options{ResourceID: "abc-123"})
	require.NoError(t, err)
	assert.Zero(t, res.Year)
	assert.Equal(t, "abc-123", mem.opened[0].ID)
	assert.True(t, mem.opened[0].ClearExisting)
}

func TestPipeline_FileLevelErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("no year", func(t *testing.T) {
		path := writeCSV(t, dir, "crash.csv", baseHeader)
		_, err := newTestPipeline(newMemSink()).Run(context.Background(), path, Options{})
		assert.ErrorIs(t, err, core.ErrNoYear)
	})

	t.Run("empty file", func(t *testing.T) {
		path := filepath.Join(dir, "2019-empty.csv")
		require.NoError(t, os.WriteFile(path, nil, 0644))
		_, err := newTestPipeline(newMemSink()).Run(context.Background(), path, Options{})
		assert.ErrorIs(t, err, core.ErrEmptyFile)
	})

	t.Run("unknown header", func(t *testing.T) {
		path := writeCSV(t, dir, "2019-other.csv", []string{"vendor", "amount"}, []string{"a", "1"})
		mem := newMemSink()
		_, err := newTestPipeline(mem).Run(context.Background(), path, Options{})
		assert.ErrorIs(t, err, core.ErrUnresolvableSchema)
		assert.Empty(t, mem.opened, "destinations must not be touched")
	})

	t.Run("sink failure", func(t *testing.T) {
		path := writeCSV(t, dir, "2019-sink.csv", baseHeader, []string{"1", "", "", "", "", ""})
		mem := newMemSink()
		mem.failOn = "cumulative"
		mem.failErr = errors.New("boom")

		res, err := newTestPipeline(mem).Run(context.Background(), path, Options{})
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrSinkFailure)

		var fileErr *core.FileError
		require.ErrorAs(t, err, &fileErr)
		assert.Equal(t, "cumulative", fileErr.Destination)
		assert.NotEmpty(t, res.Error)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := newTestPipeline(newMemSink()).Run(context.Background(), filepath.Join(dir, "2019-nope.csv"), Options{})
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestPipeline_Cancelled(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "2019.csv", baseHeader, []string{"1", "", "", "", "", ""})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mem := newMemSink()
	res, err := newTestPipeline(mem).Run(ctx, path, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.RowsRead)
	assert.Equal(t, "LOAD001", core.MapError(err).Code)
}

func TestPipeline_BOMAndBlankKeyRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2020.csv")
	content := "\ufeffCRASH_CRN,DISTRICT\r\n1,09\r\n,\r\n2,10\r\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	var phases []core.LoadPhase
	mem := newMemSink()
	res, err := newTestPipeline(mem).Run(context.Background(), path, Options{
		Progress: func(p core.LoadProgress) { phases = append(phases, p.Phase) },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.RowsRead)
	assert.Equal(t, 2, res.RowsUpserted)
	assert.Contains(t, mem.rows["2020 Crash Data"], "1")

	// A row of empty cells has no key and is reported like any other.
	assert.Equal(t, 1, res.MissingKey)
	require.Len(t, res.Rejections, 1)
	assert.Equal(t, 3, res.Rejections[0].Line)
	assert.Equal(t, core.ReasonMissingKey, res.Rejections[0].Reason)
	assert.Equal(t, core.PhaseOpening, phases[0])
	assert.Equal(t, core.PhaseComplete, phases[len(phases)-1])
}

func TestPipeline_ProgressBytes(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "2019.csv", baseHeader,
		[]string{"1", "09", "2019", "", "", ""},
		[]string{"2", "09", "2019", "", "", ""},
		[]string{"3", "09", "2019", "", "", ""},
	)
	info, err := os.Stat(path)
	require.NoError(t, err)

	var last core.LoadProgress
	_, err = newTestPipeline(newMemSink()).Run(context.Background(), path, Options{
		Progress: func(p core.LoadProgress) { last = p },
	})
	require.NoError(t, err)
	assert.Equal(t, info.Size(), last.TotalBytes)
	assert.Equal(t, info.Size(), last.BytesRead)
	assert.Equal(t, 100, last.Percent())
}

func TestAppendUploadLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploaded.log")
	res := &core.LoadResult{Destinations: []core.DestinationResult{{Name: "2019 Crash Data"}, {Name: "cumulative"}}}

	require.NoError(t, AppendUploadLog(path, res))
	require.NoError(t, AppendUploadLog(path, &core.LoadResult{Destinations: []core.DestinationResult{{ID: "abc"}}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{
		"Finished upserting data to 2019 Crash Data",
		"Finished upserting data to abc",
	}, lines)
}
