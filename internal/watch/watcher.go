// Package watch loads crash extracts as they are dropped into an inbox
// directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/JonMunkholm/crashetl/internal/core"
	"github.com/JonMunkholm/crashetl/internal/ingest"
	"github.com/JonMunkholm/crashetl/internal/logging"
)

// Loader loads one file. Satisfied by *ingest.Pipeline.
type Loader interface {
	Run(ctx context.Context, path string, opts ingest.Options) (*core.LoadResult, error)
}

// Watcher runs Loader for every *.csv written into Dir. Files that load
// cleanly are moved to DoneDir; failed files stay where they are.
type Watcher struct {
	Dir       string
	DoneDir   string        // default Dir/Uploaded
	Debounce  time.Duration // quiet period after the last write, default 500ms
	Loader    Loader
	Notifier  ingest.Notifier
	UploadLog string // appended after each successful load when set

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// Run watches until ctx is done. Files already present are loaded first.
// Loads run one at a time in arrival order.
func (w *Watcher) Run(ctx context.Context) error {
	if w.DoneDir == "" {
		w.DoneDir = filepath.Join(w.Dir, "Uploaded")
	}
	if w.Debounce <= 0 {
		w.Debounce = 500 * time.Millisecond
	}
	if err := os.MkdirAll(w.DoneDir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", w.DoneDir, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}

	log := logging.FromContext(ctx).With("dir", w.Dir)
	log.Info("watching for crash extracts")

	queue := make(chan string, 64)
	w.timers = make(map[string]*time.Timer)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case path := <-queue:
				w.load(ctx, path)
			}
		}
	}()

	defer func() {
		w.mu.Lock()
		for _, t := range w.timers {
			t.Stop()
		}
		w.mu.Unlock()
		wg.Wait()
	}()

	existing, err := w.pending()
	if err != nil {
		log.Warn("could not list inbox", "error", err)
	}
	for _, path := range existing {
		select {
		case queue <- path:
		case <-ctx.Done():
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !isExtract(event.Name) {
				continue
			}
			w.schedule(ctx, event.Name, queue)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", "error", err)
		}
	}
}

// schedule (re)arms the debounce timer for path.
func (w *Watcher) schedule(ctx context.Context, path string, queue chan<- string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.Debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case queue <- path:
		case <-ctx.Done():
		}
	})
}

func (w *Watcher) pending() ([]string, error) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && isExtract(e.Name()) {
			out = append(out, filepath.Join(w.Dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (w *Watcher) load(ctx context.Context, path string) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return
	}

	runID := uuid.New().String()
	ctx = logging.WithRun(ctx, runID)
	log := logging.WithFields(ctx, "file", filepath.Base(path))

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	res, err := w.Loader.Run(ctx, path, ingest.Options{
		RunID:      runID,
		FailedPath: filepath.Join(w.DoneDir, stem+" - failed.csv"),
	})

	if w.Notifier != nil {
		if nerr := w.Notifier.LoadFinished(ctx, res, err); nerr != nil {
			log.Warn("notify failed", "error", nerr)
		}
	}
	if err != nil {
		log.Error("load failed, leaving file in inbox", "error", err)
		return
	}

	if w.UploadLog != "" {
		if err := ingest.AppendUploadLog(w.UploadLog, res); err != nil {
			log.Warn("could not write upload log", "error", err)
		}
	}

	dest := filepath.Join(w.DoneDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		log.Error("could not move loaded file", "dest", dest, "error", err)
		return
	}
	log.Info("loaded and moved", "dest", dest, "rows_upserted", res.RowsUpserted, "rejected", res.Rejected())
}

func isExtract(name string) bool {
	base := filepath.Base(name)
	return strings.EqualFold(filepath.Ext(base), ".csv") && !strings.HasPrefix(base, ".")
}
