package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/crashetl/internal/core"
	"github.com/JonMunkholm/crashetl/internal/logging"
)

// ErrRunNotFound is returned for unknown or evicted run IDs.
var ErrRunNotFound = errors.New("load not found")

// Notifier is told about every finished run.
type Notifier interface {
	LoadFinished(ctx context.Context, res *core.LoadResult, err error) error
}

// Request describes a file to load asynchronously.
type Request struct {
	Path       string // file on disk
	FileName   string // original name, used for the year; defaults to Path
	ResourceID string
	FailedPath string

	// RemoveAfter deletes Path when the run ends (uploaded temp files).
	RemoveAfter bool
}

// Service runs loads in the background and tracks their progress.
type Service struct {
	pipeline *Pipeline
	limiter  *Limiter
	notifier Notifier
	timeout  time.Duration
	retain   time.Duration

	mu   sync.RWMutex
	runs map[string]*activeRun
	wg   sync.WaitGroup
}

type activeRun struct {
	id       string
	cancel   context.CancelFunc
	done     chan struct{}
	result   *core.LoadResult
	err      error
	mu       sync.Mutex
	progress core.LoadProgress
	subs     []chan core.LoadProgress
}

// ServiceConfig tunes a Service. Zero values take defaults.
type ServiceConfig struct {
	Timeout time.Duration // per-run deadline
	Retain  time.Duration // how long finished runs stay queryable
}

// NewService creates a load service. notifier may be nil.
func NewService(p *Pipeline, limiter *Limiter, notifier Notifier, cfg ServiceConfig) *Service {
	if limiter == nil {
		limiter = NewLimiter(0, 0)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.Retain <= 0 {
		cfg.Retain = 15 * time.Minute
	}
	return &Service{
		pipeline: p,
		limiter:  limiter,
		notifier: notifier,
		timeout:  cfg.Timeout,
		retain:   cfg.Retain,
		runs:     make(map[string]*activeRun),
	}
}

// Limiter exposes the concurrency limiter for status reporting.
func (s *Service) Limiter() *Limiter { return s.limiter }

// StartRun begins loading req in the background and returns the run ID.
// It waits for a free slot and fails with ErrTooManyLoads if none frees up.
func (s *Service) StartRun(ctx context.Context, req Request) (string, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		if req.RemoveAfter {
			os.Remove(req.Path)
		}
		return "", err
	}

	name := req.FileName
	if name == "" {
		name = req.Path
	}

	id := uuid.New().String()
	runCtx, cancel := context.WithTimeout(logging.WithRun(context.Background(), id), s.timeout)

	run := &activeRun{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
		progress: core.LoadProgress{
			RunID:     id,
			FileName:  name,
			Phase:     core.PhaseStarting,
			StartedAt: time.Now(),
		},
	}

	s.mu.Lock()
	s.runs[id] = run
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.limiter.Release()
		defer cancel()
		if req.RemoveAfter {
			defer os.Remove(req.Path)
		}
		s.execute(runCtx, run, req, name)
	}()

	return id, nil
}

func (s *Service) execute(ctx context.Context, run *activeRun, req Request, name string) {
	log := logging.FromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in load", "file", name, "panic", r)
			run.finish(&core.LoadResult{RunID: run.id, FileName: name}, fmt.Errorf("internal error: %v", r))
			s.notify(ctx, run)
			s.evictLater(run.id)
		}
	}()

	f, err := os.Open(req.Path)
	if err != nil {
		run.finish(&core.LoadResult{RunID: run.id, FileName: name}, &core.FileError{Path: name, Err: err})
		s.notify(ctx, run)
		s.evictLater(run.id)
		return
	}
	defer f.Close()

	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	res, err := s.pipeline.Load(ctx, name, f, size, Options{
		RunID:      run.id,
		ResourceID: req.ResourceID,
		FailedPath: req.FailedPath,
		Progress:   run.update,
	})
	if err != nil {
		log.Error("load failed", "file", name, "error", err)
	} else {
		log.Info("load complete", "file", name, "rows_upserted", res.RowsUpserted, "rejected", res.Rejected(), "duration", res.Duration)
	}

	run.finish(res, err)
	s.notify(ctx, run)
	s.evictLater(run.id)
}

func (s *Service) notify(ctx context.Context, run *activeRun) {
	if s.notifier == nil {
		return
	}
	// The run context may already be cancelled; give the notifier its own.
	nctx, cancel := context.WithTimeout(logging.WithRun(context.Background(), run.id), 30*time.Second)
	defer cancel()
	if err := s.notifier.LoadFinished(nctx, run.result, run.err); err != nil {
		logging.FromContext(ctx).Warn("notify failed", "error", err)
	}
}

func (s *Service) evictLater(id string) {
	time.AfterFunc(s.retain, func() {
		s.mu.Lock()
		delete(s.runs, id)
		s.mu.Unlock()
	})
}

func (s *Service) get(id string) (*activeRun, error) {
	s.mu.RLock()
	run, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, nil
}

// Progress returns the latest progress of a run without blocking.
func (s *Service) Progress(id string) (core.LoadProgress, error) {
	run, err := s.get(id)
	if err != nil {
		return core.LoadProgress{}, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.progress, nil
}

// Subscribe returns a channel of progress updates, starting with the
// current state. The channel is closed when the run ends.
func (s *Service) Subscribe(id string) (<-chan core.LoadProgress, error) {
	run, err := s.get(id)
	if err != nil {
		return nil, err
	}

	ch := make(chan core.LoadProgress, 10)
	run.mu.Lock()
	defer run.mu.Unlock()

	ch <- run.progress
	select {
	case <-run.done:
		close(ch)
	default:
		run.subs = append(run.subs, ch)
	}
	return ch, nil
}

// Result blocks until the run ends or ctx is done. A run that failed still
// has a result; its Error field carries the reason.
func (s *Service) Result(ctx context.Context, id string) (*core.LoadResult, error) {
	run, err := s.get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.done:
		return run.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops a run before its next row.
func (s *Service) Cancel(id string) error {
	run, err := s.get(id)
	if err != nil {
		return err
	}
	run.cancel()
	return nil
}

// List returns the progress of every tracked run, newest first.
func (s *Service) List() []core.LoadProgress {
	s.mu.RLock()
	runs := make([]*activeRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	out := make([]core.LoadProgress, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		out = append(out, r.progress)
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Wait blocks until every started run has ended or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every running load and waits for them to stop.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, r := range s.runs {
		r.cancel()
	}
	s.mu.RUnlock()
	return s.Wait(ctx)
}

func (r *activeRun) update(p core.LoadProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.StartedAt = r.progress.StartedAt
	r.progress = p
	r.broadcast()
}

// broadcast must be called with r.mu held.
func (r *activeRun) broadcast() {
	for _, ch := range r.subs {
		select {
		case ch <- r.progress:
		default:
			// Slow subscriber, drop this update.
		}
	}
}

func (r *activeRun) finish(res *core.LoadResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.done:
		return
	default:
	}

	if res == nil {
		res = &core.LoadResult{RunID: r.id, FileName: r.progress.FileName}
	}
	if err != nil && res.Error == "" {
		res.Error = err.Error()
	}
	r.result = res
	r.err = err
	switch {
	case err == nil:
		r.progress.Phase = core.PhaseComplete
	case errors.Is(err, context.Canceled):
		r.progress.Phase = core.PhaseCancelled
		r.progress.Error = err.Error()
	default:
		r.progress.Phase = core.PhaseFailed
		r.progress.Error = err.Error()
	}
	r.progress.RowsRead = res.RowsRead
	r.progress.RowsUpserted = res.RowsUpserted
	r.progress.Rejected = res.Rejected()
	if res.Variant != "" {
		r.progress.Variant = res.Variant
	}
	r.broadcast()
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	close(r.done)
}
