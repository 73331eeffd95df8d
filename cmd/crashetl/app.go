package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/crashetl/internal/config"
	"github.com/JonMunkholm/crashetl/internal/ingest"
	"github.com/JonMunkholm/crashetl/internal/notify"
	"github.com/JonMunkholm/crashetl/internal/sink"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	pipeline *ingest.Pipeline
	notifier ingest.Notifier
	closers  []io.Closer
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

// newApp builds the sink named by cfg.Sink.Kind. server, when set, overrides
// the datastore settings profile.
func newApp(ctx context.Context, cfg *config.Config, server string) (*app, error) {
	if server != "" {
		cfg.Sink.Server = server
	}
	a := &app{cfg: cfg}

	s, err := a.openSink(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pipeline = &ingest.Pipeline{
		Sink:         s,
		ChunkSize:    cfg.Sink.ChunkSize,
		CumulativeID: cfg.Sink.CumulativeID(),
	}

	if cfg.Slack.Enabled() {
		a.notifier = notify.NewSlack(notify.Config{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
		slog.Info("slack notifications enabled", "channel", cfg.Slack.ChannelID)
	} else {
		a.notifier = notify.Nop{}
	}
	return a, nil
}

func (a *app) openSink(ctx context.Context) (sink.Sink, error) {
	cfg := a.cfg
	switch cfg.Sink.Kind {
	case config.SinkDatastore:
		settings, err := config.LoadSettings(cfg.Sink.SettingsFile)
		if err != nil {
			return nil, withCode(exitUsage, err)
		}
		profile, err := settings.Profile(cfg.Sink.Server)
		if err != nil {
			return nil, withCode(exitUsage, err)
		}
		slog.Info("using datastore", "server", cfg.Sink.Server, "root_url", profile.RootURL, "package", profile.PackageID)
		return sink.NewDatastore(sink.DatastoreConfig{
			RootURL:   profile.RootURL,
			PackageID: profile.PackageID,
			APIKey:    profile.APIKey,
			Timeout:   cfg.Sink.HTTPTimeout,
		}, nil), nil

	case config.SinkPostgres:
		poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return nil, withCode(exitUsage, fmt.Errorf("parse database URL: %w", err))
		}
		poolConfig.MaxConns = int32(cfg.Database.MaxConns)
		poolConfig.MinConns = int32(cfg.Database.MinConns)
		poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
		poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, closeFunc(func() error { pool.Close(); return nil }))
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}
		slog.Info("connected to database", "database", poolConfig.ConnConfig.Database)
		return sink.NewPostgres(pool), nil

	case config.SinkSQLite:
		db, err := sink.OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db)
		slog.Info("using sqlite", "path", cfg.SQLite.Path)
		return db, nil
	}
	return nil, withCode(exitUsage, fmt.Errorf("unknown sink kind %q", cfg.Sink.Kind))
}

func (a *app) Close() error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			slog.Warn("close", "error", err)
		}
	}
	a.closers = nil
	return nil
}
