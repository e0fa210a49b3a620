package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/insight-pipeline/internal/telemetry"
	"github.com/tjfontaine/insight-pipeline/pkg/insight"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the analysis API over HTTP",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "override server.port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}

	if cfg.Telemetry.Tracing {
		shutdown, err := telemetry.InitTracer(telemetry.TracerConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     version,
			SampleRatio: cfg.Telemetry.SampleRatio,
		}, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	app, err := insight.New(insight.WithConfig(cfg), insight.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := app.Start(ctx); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- app.Wait() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-done:
		if err != nil {
			logger.Error("server stopped", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}
