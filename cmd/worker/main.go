package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"vectorflow/internal/platform/config"
	"vectorflow/internal/platform/logger"
	"vectorflow/internal/worker"
)

func main() {
	config.Load()

	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	log := logger.New(logLevel, logFormat)

	cfg, err := worker.ConfigFromEnv()
	if err != nil {
		log.Error("worker configuration invalid", "error", err)
		os.Exit(1)
	}

	log = log.With("stream_id", cfg.StreamID, "stream_name", cfg.StreamName)
	log.Info("worker configuration loaded",
		"source", cfg.SourceURL,
		"grid_size", cfg.GridSize,
		"win_radius", cfg.WinRadius,
		"threshold", cfg.Threshold,
		"preview_fps", cfg.PreviewFPS,
		"geo_enabled", cfg.HasLocation(),
	)

	gpu := worker.ProbeGPU(cfg.GPUIndex, log)
	collector := worker.NewCollector(cfg, gpu)

	pub, err := worker.NewPublisher(cfg, log)
	if err != nil {
		log.Error("publisher init failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	metricsSrv := &http.Server{Addr: ":" + strconv.Itoa(cfg.MetricsPort), Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
			os.Exit(1)
		}
	}()
	log.Info("metrics endpoint listening", "port", cfg.MetricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline := worker.NewPipeline(cfg, pub, collector, log)
	if err := pipeline.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("pipeline stopped", "error", err)
		os.Exit(1)
	}

	_ = metricsSrv.Close()
	log.Info("worker stopped")
}
