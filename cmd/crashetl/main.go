// Command crashetl loads crash extracts into the year and cumulative
// destinations, from the command line, an HTTP API or a watched inbox.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/crashetl/internal/config"
	"github.com/JonMunkholm/crashetl/internal/logging"
)

const (
	exitOK    = 0
	exitLoad  = 1
	exitUsage = 2
)

// codedError carries a process exit code.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		os.Exit(exitOK)
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	var ce *codedError
	if errors.As(err, &ce) {
		os.Exit(ce.code)
	}
	os.Exit(exitLoad)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "crashetl",
		Short:         "Load crash data extracts into the crash datastore",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newLoadCmd(), newServeCmd(), newWatchCmd(), newSchemaCmd())
	return root
}

// loadConfig reads .env, the environment and applies logging settings.
func loadConfig() (*config.Config, error) {
	// Overload lets .env win over variables already set in the shell.
	if err := godotenv.Overload(); err == nil {
		slog.Debug("loaded .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Debug("configuration loaded", "config", cfg.String())
	return cfg, nil
}
