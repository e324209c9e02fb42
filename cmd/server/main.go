package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vectorflow/internal/broker"
	"vectorflow/internal/orchestrator"
	"vectorflow/internal/platform/config"
	"vectorflow/internal/platform/logger"
	"vectorflow/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	redisURL := config.GetEnv("REDIS_URL", "redis://redis:6379/0")
	redisChannel := config.GetEnv("REDIS_CHANNEL", "flow.frames")
	brokerMaxFPS := config.GetEnvFloat("BROKER_MAX_FPS", 10)
	backendKind := config.GetEnv("WORKER_BACKEND", "docker")

	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	// The backend is chosen once here; everything downstream is agnostic.
	var (
		backend orchestrator.Backend
		err     error
	)
	switch backendKind {
	case "kubernetes":
		backend, err = orchestrator.NewKubeBackend(config.GetEnv("KUBE_NAMESPACE", "default"))
	default:
		backend, err = orchestrator.NewDockerBackend(config.GetEnv("DOCKER_NETWORK", "vectorflow"))
	}
	if err != nil {
		log.Error("worker backend init failed", "backend", backendKind, "error", err)
		os.Exit(1)
	}

	repo := orchestrator.NewInMemoryRepository()
	settings := orchestrator.NewStaticSettings(orchestrator.DefaultPreviewSettings())
	manager := orchestrator.NewManager(backend, repo, settings, orchestrator.Options{
		WorkerImage:   config.GetEnv("WORKER_IMAGE", "vectorflow-worker:latest"),
		MetricsPort:   config.GetEnvInt("WORKER_METRICS_PORT", 9100),
		RedisURL:      redisURL,
		RedisChannel:  redisChannel,
		DiscoveryPath: config.GetEnv("PROMETHEUS_SD_FILE", "/prometheus_sd/workers.json"),
	}, log)

	frameBroker, err := broker.New(redisURL, redisChannel, brokerMaxFPS, log, met)
	if err != nil {
		log.Error("frame broker init failed", "error", err)
		os.Exit(1)
	}
	h := broker.NewHandler(frameBroker, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Converge recorded handles with backend reality before serving.
	manager.Reconcile(ctx)

	go frameBroker.Run(ctx)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			configs := repo.List()
			active := 0
			for _, c := range configs {
				if c.Active {
					active++
				}
			}
			met.SetManagedStreams(len(configs))
			met.SetActiveStreams(active)
		}).ServeHTTP(w, req)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws/frames", h.ServeFrames)
	r.Get("/streams/{stream_id}/state", h.StreamState)

	srv := &http.Server{Addr: ":" + port, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"backend", backendKind,
		"redis_channel", redisChannel,
		"broker_max_fps", brokerMaxFPS,
	)

	<-ctx.Done()
	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
