// gifdex-ingest consumes the tap relay's event channel and projects
// records into the shared relational store.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/gifdex/gifdex/ingest"
	"github.com/gifdex/gifdex/media"
	"github.com/gifdex/gifdex/models"
	"github.com/gifdex/gifdex/tap"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting process", "error", err)
		os.Exit(-1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "gifdex-ingest",
		Usage:   "gifdex event ingestion service",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "channel-url",
			Usage:   "websocket URL of the tap relay's event channel",
			Value:   "ws://localhost:2480/channel",
			EnvVars: []string{"GIFDEX_CHANNEL_URL"},
		},
		&cli.StringFlag{
			Name:    "channel-admin-password",
			Usage:   "admin password for the tap relay",
			EnvVars: []string{"GIFDEX_CHANNEL_ADMIN_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "db-url",
			Usage:   "database connection string (sqlite:// or postgres://)",
			Value:   "sqlite://./gifdex.db",
			EnvVars: []string{"GIFDEX_DB_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Usage:   "maximum number of database connections",
			Value:   40,
			EnvVars: []string{"GIFDEX_MAX_DB_CONNECTIONS"},
		},
		&cli.IntFlag{
			Name:    "parallelism",
			Usage:   "number of concurrently in-flight event handlers",
			Value:   50,
			EnvVars: []string{"GIFDEX_INGEST_PARALLELISM"},
		},
		&cli.StringSliceFlag{
			Name:    "moderation-dids",
			Usage:   "accounts whose labeler records are projected",
			EnvVars: []string{"GIFDEX_MODERATION_DIDS"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "address and port for the metrics server",
			Value:   ":2471",
			EnvVars: []string{"GIFDEX_INGEST_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"GIFDEX_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Action = runIngest

	return app.Run(args)
}

func runIngest(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	logger := configLogger(cctx, os.Stdout)
	slog.SetDefault(logger)

	db, err := models.SetupDatabase(cctx.String("db-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return err
	}

	dir := identity.DefaultDirectory()

	ingester, err := ingest.NewIngester(db, dir, media.NewFetchGuard(), ingest.Config{
		Logger:         logger,
		ModerationDIDs: cctx.StringSlice("moderation-dids"),
	})
	if err != nil {
		return err
	}

	ws, err := tap.NewWebsocket(cctx.String("channel-url"), ingester.HandleEvent,
		tap.WithLogger(logger.With("component", "tap")),
		tap.WithPassword(cctx.String("channel-admin-password")),
		tap.WithParallelism(cctx.Int("parallelism")),
		tap.WithUserAgent("gifdex-ingest/"+versioninfo.Short()),
	)
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	svcErr := make(chan error, 1)

	go func() {
		logger.Info("starting channel consumer", "url", cctx.String("channel-url"))
		if err := ws.Run(ctx); err != nil {
			svcErr <- err
		}
	}()

	go func() {
		logger.Info("starting metrics server", "addr", cctx.String("metrics-listen"))
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cctx.String("metrics-listen"), nil); err != nil {
			svcErr <- err
		}
	}()

	logger.Info("startup complete")
	select {
	case <-signals:
		logger.Info("received shutdown signal")
	case err := <-svcErr:
		if err != nil {
			logger.Error("service error", "error", err)
		}
	}

	logger.Info("shutting down")
	cancel()
	return nil
}

func configLogger(cctx *cli.Context, writer *os.File) *slog.Logger {
	var level slog.Level
	switch cctx.String("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))
}
