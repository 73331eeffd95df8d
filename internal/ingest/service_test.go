package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/crashetl/internal/core"
	"github.com/JonMunkholm/crashetl/internal/schema"
	"github.com/JonMunkholm/crashetl/internal/sink"
)

type recordingNotifier struct {
	mu      sync.Mutex
	results []*core.LoadResult
	errs    []error
}

func (n *recordingNotifier) LoadFinished(ctx context.Context, res *core.LoadResult, err error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, res)
	n.errs = append(n.errs, err)
	return nil
}

// blockingSink holds every Open until release is closed.
type blockingSink struct {
	*memSink
	release chan struct{}
}

func (b *blockingSink) Open(ctx context.Context, t sink.Target, fields []schema.Field, key string) (sink.Writer, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.memSink.Open(ctx, t, fields, key)
}

func TestService_RunToCompletion(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "2019.csv", baseHeader,
		[]string{"1", "09", "2019", "", "", ""},
		[]string{"", "09", "2019", "", "", ""},
	)

	notifier := &recordingNotifier{}
	svc := NewService(newTestPipeline(newMemSink()), NewLimiter(1, time.Second), notifier, ServiceConfig{})

	id, err := svc.StartRun(context.Background(), Request{Path: path})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := svc.Result(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, res.RunID)
	assert.Equal(t, 1, res.RowsUpserted)
	assert.Equal(t, 1, res.MissingKey)
	assert.Empty(t, res.Error)

	p, err := svc.Progress(id)
	require.NoError(t, err)
	assert.Equal(t, core.PhaseComplete, p.Phase)
	assert.Equal(t, 1, p.Rejected)

	require.NoError(t, svc.Wait(ctx))
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.results, 1)
	assert.NoError(t, notifier.errs[0])

	list := svc.List()
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].RunID)
}

func TestService_FailedRunKeepsResult(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "no-year.csv", baseHeader)

	svc := NewService(newTestPipeline(newMemSink()), nil, nil, ServiceConfig{})
	id, err := svc.StartRun(context.Background(), Request{Path: path})
	require.NoError(t, err)

	res, err := svc.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, res.Error, "no year prefix")

	p, _ := svc.Progress(id)
	assert.Equal(t, core.PhaseFailed, p.Phase)
}

func TestService_CancelAndSubscribe(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "2019.csv", baseHeader, []string{"1", "", "", "", "", ""})

	bs := &blockingSink{memSink: newMemSink(), release: make(chan struct{})}
	svc := NewService(newTestPipeline(bs), nil, nil, ServiceConfig{})

	id, err := svc.StartRun(context.Background(), Request{Path: path})
	require.NoError(t, err)

	updates, err := svc.Subscribe(id)
	require.NoError(t, err)
	first := <-updates
	assert.Equal(t, id, first.RunID)

	require.NoError(t, svc.Cancel(id))

	var last core.LoadProgress
	for p := range updates {
		last = p
	}
	assert.Equal(t, core.PhaseCancelled, last.Phase)

	res, err := svc.Result(context.Background(), id)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Error)
}

func TestService_TooManyLoads(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "2019.csv", baseHeader, []string{"1", "", "", "", "", ""})

	bs := &blockingSink{memSink: newMemSink(), release: make(chan struct{})}
	svc := NewService(newTestPipeline(bs), NewLimiter(1, 20*time.Millisecond), nil, ServiceConfig{})

	_, err := svc.StartRun(context.Background(), Request{Path: path})
	require.NoError(t, err)

	upload := filepath.Join(dir, "upload.csv")
	require.NoError(t, os.WriteFile(upload, []byte("CRASH_CRN\n1\n"), 0644))
	_, err = svc.StartRun(context.Background(), Request{Path: upload, FileName: "2019.csv", RemoveAfter: true})
	assert.True(t, errors.Is(err, ErrTooManyLoads))
	_, statErr := os.Stat(upload)
	assert.True(t, os.IsNotExist(statErr), "rejected upload should be removed")

	close(bs.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Wait(ctx))
	assert.Zero(t, svc.Limiter().Active())
}

func TestService_UnknownRun(t *testing.T) {
	svc := NewService(newTestPipeline(newMemSink()), nil, nil, ServiceConfig{})

	_, err := svc.Progress("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, svc.Cancel("nope"), ErrRunNotFound)
	_, err = svc.Result(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.Equal(t, "LOAD003", core.MapError(err).Code)
}

func TestService_EvictsFinishedRuns(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "2019.csv", baseHeader, []string{"1", "", "", "", "", ""})

	svc := NewService(newTestPipeline(newMemSink()), nil, nil, ServiceConfig{Retain: 10 * time.Millisecond})
	id, err := svc.StartRun(context.Background(), Request{Path: path})
	require.NoError(t, err)
	_, err = svc.Result(context.Background(), id)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := svc.Progress(id)
		return errors.Is(err, ErrRunNotFound)
	}, time.Second, 10*time.Millisecond)
}
