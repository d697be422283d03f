// Command ingest runs one near-real-time ingestion job, either once or on an
// interval with health, readiness and metrics endpoints.
//
// Usage:
//
//	ingest --job waccm --once
//	ingest --job greenland --audit
//	ingest --list
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	httpadapter "github.com/couchcryptid/nrt-data-ingest/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/nrt-data-ingest/internal/adapter/kafka"
	"github.com/couchcryptid/nrt-data-ingest/internal/config"
	"github.com/couchcryptid/nrt-data-ingest/internal/observability"
	"github.com/couchcryptid/nrt-data-ingest/internal/pipeline"
)

func main() {
	jobName := pflag.String("job", "", "job to run; overrides INGEST_JOB")
	once := pflag.Bool("once", false, "run a single pass even when RUN_INTERVAL is set")
	list := pflag.Bool("list", false, "print the available jobs and exit")
	auditOnly := pflag.Bool("audit", false, "check the job's sinks against its retention limits and exit")
	pflag.Parse()

	if *list {
		for _, name := range jobNames() {
			fmt.Println(name)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *jobName != "" {
		cfg.Job = *jobName
	}
	if *once {
		cfg.RunInterval = 0
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	var code int
	if *auditOnly {
		d := &deps{cfg: cfg, logger: logger, metrics: metrics}
		code = audit(ctx, os.Stdout, cfg.Job, d)
		d.close()
	} else {
		code = run(ctx, cfg, logger, metrics)
	}
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) int {
	d := &deps{cfg: cfg, logger: logger, metrics: metrics}
	defer d.close()

	job, err := buildJob(ctx, cfg.Job, d)
	if err != nil {
		logger.Error("failed to set up job", "job", cfg.Job, "error", err)
		return 1
	}

	var events pipeline.EventSink
	if cfg.EventsEnabled() {
		writer := kafkaadapter.NewEventWriter(cfg.KafkaBrokers, cfg.KafkaEventsTopic, metrics, logger)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		events = writer
		logger.Info("ingest events enabled", "topic", cfg.KafkaEventsTopic)
	}

	runner := pipeline.NewRunner(job, cfg.DataDir, events, logger, metrics)

	if cfg.RunInterval <= 0 {
		if _, err := runner.RunOnce(ctx); err != nil {
			return 1
		}
		return 0
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, runner, runner, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start the run loop.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := runner.Run(ctx, cfg.RunInterval); err != nil {
			logger.Error("runner error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("run did not stop before shutdown timeout")
	}

	logger.Info("shutdown complete")
	return 0
}
