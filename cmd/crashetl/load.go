package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/crashetl/internal/core"
	"github.com/JonMunkholm/crashetl/internal/ingest"
	"github.com/JonMunkholm/crashetl/internal/logging"
)

type loadArgs struct {
	file       string
	server     string
	resourceID string
}

// parseLoadArgs accepts FILE, FILE SERVER or FILE SERVER RESOURCE_ID.
func parseLoadArgs(args []string) (loadArgs, error) {
	if len(args) < 1 || len(args) > 3 {
		return loadArgs{}, fmt.Errorf("expected FILE [SERVER [RESOURCE_ID]], got %d arguments", len(args))
	}
	la := loadArgs{file: args[0]}
	if len(args) > 1 {
		la.server = args[1]
	}
	if len(args) > 2 {
		la.resourceID = args[2]
	}
	return la, nil
}

func newLoadCmd() *cobra.Command {
	var failed string

	cmd := &cobra.Command{
		Use:   "load FILE [SERVER [RESOURCE_ID]]",
		Short: "Load one extract into its year destination and the cumulative destination",
		Long: `Load one crash extract.

The year comes from the first four characters of the file name, and the year
destination is cleared before loading. RESOURCE_ID names the year destination
directly and lifts the file name requirement. SERVER picks the settings
profile (default: test).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			la, err := parseLoadArgs(args)
			if err != nil {
				return withCode(exitUsage, err)
			}
			return runLoad(cmd.Context(), cmd.OutOrStdout(), la, failed)
		},
	}
	cmd.Flags().StringVar(&failed, "failed", "", "write rejected rows to this CSV file")
	return cmd
}

func runLoad(ctx context.Context, out io.Writer, la loadArgs, failed string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, la.server)
	if err != nil {
		return err
	}
	defer a.Close()

	runID := uuid.New().String()
	ctx = logging.WithRun(ctx, runID)

	res, loadErr := a.pipeline.Run(ctx, la.file, ingest.Options{
		RunID:      runID,
		ResourceID: la.resourceID,
		FailedPath: failed,
	})

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := a.notifier.LoadFinished(nctx, res, loadErr); err != nil {
		logging.FromContext(ctx).Warn("notify failed", "error", err)
	}

	printResult(out, res)
	if loadErr != nil {
		return withCode(exitLoad, fmt.Errorf("%s (%s)", loadErr, core.MapError(loadErr).Code))
	}
	if err := ingest.AppendUploadLog(cfg.Load.UploadLog, res); err != nil {
		logging.FromContext(ctx).Warn("could not update upload log", "path", cfg.Load.UploadLog, "error", err)
	}
	return nil
}

func printResult(w io.Writer, res *core.LoadResult) {
	if res == nil {
		return
	}
	fmt.Fprintf(w, "file:      %s\n", filepath.Base(res.FileName))
	if res.Variant != "" {
		fmt.Fprintf(w, "variant:   %s\n", res.Variant)
	}
	fmt.Fprintf(w, "rows read: %d\nupserted:  %d\nrejected:  %d (missing key %d, coercion %d)\n",
		res.RowsRead, res.RowsUpserted, res.Rejected(), res.MissingKey, res.Coercion)
	if len(res.MissingColumns) > 0 {
		fmt.Fprintf(w, "missing columns: %s\n", strings.Join(res.MissingColumns, ", "))
	}
	for _, d := range res.Destinations {
		cleared := ""
		if d.Cleared {
			cleared = " (cleared)"
		}
		fmt.Fprintf(w, "  %s [%s]: %d rows%s\n", d.Name, d.ID, d.Rows, cleared)
	}
	fmt.Fprintf(w, "duration:  %s\n", res.Duration.Round(time.Millisecond))
}
