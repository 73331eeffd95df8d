package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/crashetl/internal/watch"
)

func newWatchCmd() *cobra.Command {
	var (
		doneDir  string
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch DIR [SERVER]",
		Short: "Load every extract dropped into DIR",
		Long: `Watch DIR and load each *.csv written into it. Extracts already in DIR
are loaded first. Loaded files move to DIR/Uploaded; failed files stay.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			server := ""
			if len(args) == 2 {
				server = args[1]
			}
			return runWatch(cmd.Context(), args[0], server, doneDir, debounce)
		},
	}
	cmd.Flags().StringVar(&doneDir, "done", "", "directory for loaded files (default: DIR/Uploaded)")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period after the last write before loading")
	return cmd
}

func runWatch(ctx context.Context, dir, server, doneDir string, debounce time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, server)
	if err != nil {
		return err
	}
	defer a.Close()

	w := &watch.Watcher{
		Dir:       dir,
		DoneDir:   doneDir,
		Debounce:  debounce,
		Loader:    a.pipeline,
		Notifier:  a.notifier,
		UploadLog: cfg.Load.UploadLog,
	}
	slog.Info("watching for extracts", "dir", dir, "sink", cfg.Sink.Kind)

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	return nil
}
