// gifdex-cdn re-serves post media from untrusted PDS hosts after
// verifying content integrity.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/gifdex/gifdex/models"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting process", "error", err)
		os.Exit(-1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "gifdex-cdn",
		Usage:   "gifdex media serving service",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
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
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "address and port to listen on",
			Value:   ":2472",
			EnvVars: []string{"GIFDEX_CDN_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "address and port for the metrics server",
			Value:   ":2473",
			EnvVars: []string{"GIFDEX_CDN_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"GIFDEX_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Action = runCDN

	return app.Run(args)
}

func runCDN(cctx *cli.Context) error {
	logger := configLogger(cctx, os.Stdout)
	slog.SetDefault(logger)

	db, err := models.SetupDatabase(cctx.String("db-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return err
	}

	server := NewServer(db, logger)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	svcErr := make(chan error, 1)

	go func() {
		logger.Info("starting HTTP server", "addr", cctx.String("bind"))
		if err := server.Start(cctx.String("bind")); err != nil {
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
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
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
