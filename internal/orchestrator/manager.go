package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"vectorflow/internal/workerenv"
)

// Log tail bounds accepted by Logs.
const (
	LogTailMin = 1
	LogTailMax = 1000
)

// Options collects the orchestrator's own configuration, built once at
// construction from the environment.
type Options struct {
	// WorkerImage is the container image every worker runs.
	WorkerImage string

	// MetricsPort is the port workers expose Prometheus metrics on; it is
	// passed into the worker environment and used for discovery targets.
	MetricsPort int

	// RedisURL and RedisChannel name the shared publish channel workers
	// write to.
	RedisURL     string
	RedisChannel string

	// DiscoveryPath is where the scrape-target file is written.
	DiscoveryPath string
}

// Manager owns deterministic, idempotent lifecycle management of one backend
// resource per stream. All operations are synchronous; the single mutex is
// what guarantees at most one live resource per stream id under concurrent
// Start calls.
type Manager struct {
	backend  Backend
	repo     ConfigRepository
	settings SettingsSource
	opts     Options
	log      *slog.Logger

	mu sync.Mutex
}

// NewManager wires a Manager. The backend is chosen by the caller once;
// the manager never branches on backend kind.
func NewManager(backend Backend, repo ConfigRepository, settings SettingsSource, opts Options, log *slog.Logger) *Manager {
	return &Manager{
		backend:  backend,
		repo:     repo,
		settings: settings,
		opts:     opts,
		log:      log,
	}
}

// Start launches (or reuses) the worker resource for cfg and records the
// handle. It is idempotent: a second call for the same stream finds the
// existing resource under the same derived name and leaves it running. On
// backend failure the config is left untouched.
func (m *Manager) Start(ctx context.Context, cfg *StreamConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := HandleName(cfg.ID)
	spec := m.workerSpec(cfg)

	if err := m.backend.EnsureWorker(ctx, name, spec); err != nil {
		return "", fmt.Errorf("start worker for stream %s: %w", cfg.ID, err)
	}

	cfg.Handle = WorkerHandle{Name: name, StartedAt: time.Now().UTC()}
	cfg.Active = true
	if err := m.repo.Save(cfg); err != nil {
		return "", fmt.Errorf("record worker handle for stream %s: %w", cfg.ID, err)
	}

	m.refreshDiscoveryLocked()
	return name, nil
}

// Stop removes the worker resource for cfg and clears the handle. Absence of
// the resource is success. The active flag is cleared only when deactivate is
// true, so an internal stop-then-restart does not read as a user deactivation.
func (m *Manager) Stop(ctx context.Context, cfg *StreamConfig, deactivate bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := cfg.Handle.Name
	if name == "" {
		name = HandleName(cfg.ID)
	}

	if err := m.backend.RemoveWorker(ctx, name); err != nil {
		return fmt.Errorf("stop worker for stream %s: %w", cfg.ID, err)
	}

	cfg.Handle = WorkerHandle{}
	if deactivate {
		cfg.Active = false
	}
	if err := m.repo.Save(cfg); err != nil {
		return fmt.Errorf("clear worker handle for stream %s: %w", cfg.ID, err)
	}

	m.refreshDiscoveryLocked()
	return nil
}

// Status maps the backend state of the named resource into the unified
// WorkerStatus enum. An unreachable backend yields StatusUnknown rather than
// an error so status reads never fail a caller.
func (m *Manager) Status(ctx context.Context, handleName string) WorkerStatus {
	if handleName == "" {
		return StatusStopped
	}

	status, err := m.backend.WorkerStatus(ctx, handleName)
	if err != nil {
		m.log.Warn("worker status probe failed",
			slog.String("handle", handleName),
			slog.String("error", err.Error()))
		return StatusUnknown
	}
	return status
}

// Logs returns up to tail trailing log lines for the named resource, with
// tail clamped to [LogTailMin, LogTailMax]. An absent resource yields an
// empty result.
func (m *Manager) Logs(ctx context.Context, handleName string, tail int) ([]string, error) {
	if handleName == "" {
		return nil, nil
	}
	tail = workerenv.ClampInt(tail, LogTailMin, LogTailMax)
	return m.backend.WorkerLogs(ctx, handleName, tail)
}

// Reconcile runs once at process start. Every config holding a handle is
// probed against the backend; a resource that is no longer running or
// starting has drifted while the control plane was down, so the handle and
// active flag are cleared. Probe failures are logged and skipped rather than
// raised.
func (m *Manager) Reconcile(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cfg := range m.repo.List() {
		if cfg.Handle.Empty() {
			continue
		}

		status, err := m.backend.WorkerStatus(ctx, cfg.Handle.Name)
		if err != nil {
			m.log.Warn("reconcile status probe failed",
				slog.String("stream_id", string(cfg.ID)),
				slog.String("handle", cfg.Handle.Name),
				slog.String("error", err.Error()))
			continue
		}
		if status == StatusRunning || status == StatusStarting {
			continue
		}

		m.log.Info("reconcile clearing stale worker handle",
			slog.String("stream_id", string(cfg.ID)),
			slog.String("handle", cfg.Handle.Name),
			slog.String("status", string(status)))

		cfg.Handle = WorkerHandle{}
		cfg.Active = false
		if err := m.repo.Save(cfg); err != nil {
			m.log.Error("reconcile save failed",
				slog.String("stream_id", string(cfg.ID)),
				slog.String("error", err.Error()))
		}
	}

	m.refreshDiscoveryLocked()
}

// RefreshDiscoveryTargets rewrites the scrape-target file from the current
// config set.
func (m *Manager) RefreshDiscoveryTargets() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeDiscovery()
}

func (m *Manager) refreshDiscoveryLocked() {
	if err := m.writeDiscovery(); err != nil {
		m.log.Error("discovery refresh failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) writeDiscovery() error {
	return WriteDiscoveryFile(m.opts.DiscoveryPath, m.repo.List(), m.opts.MetricsPort)
}

// workerSpec derives the backend resource spec for cfg: the full worker
// environment contract plus identifying labels. Every tunable is clamped here
// regardless of upstream validation; the worker clamps again on its side.
func (m *Manager) workerSpec(cfg *StreamConfig) WorkerSpec {
	preview := m.settings.Preview()

	env := map[string]string{
		workerenv.VarStreamID:   string(cfg.ID),
		workerenv.VarStreamName: cfg.Name,
		workerenv.VarSourceURL:  cfg.SourceURL,

		workerenv.VarGridSize:          strconv.Itoa(workerenv.ClampGridSize(cfg.GridSize)),
		workerenv.VarWinRadius:         strconv.Itoa(workerenv.ClampWinRadius(cfg.WinRadius)),
		workerenv.VarThreshold:         formatFloat(workerenv.ClampThreshold(cfg.Threshold)),
		workerenv.VarArrowScale:        formatFloat(workerenv.ClampArrowScale(cfg.ArrowScale)),
		workerenv.VarArrowOpacity:      formatFloat(workerenv.ClampArrowOpacity(cfg.ArrowOpacity)),
		workerenv.VarGradientIntensity: formatFloat(workerenv.ClampGradientIntensity(cfg.GradientIntensity)),

		workerenv.VarShowFeed:      workerenv.FormatBool(cfg.ShowFeed),
		workerenv.VarShowArrows:    workerenv.FormatBool(cfg.ShowArrows),
		workerenv.VarShowMagnitude: workerenv.FormatBool(cfg.ShowMagnitude),
		workerenv.VarShowTrails:    workerenv.FormatBool(cfg.ShowTrails),

		workerenv.VarMetricsPort:  strconv.Itoa(m.opts.MetricsPort),
		workerenv.VarRedisURL:     m.opts.RedisURL,
		workerenv.VarRedisChannel: m.opts.RedisChannel,

		workerenv.VarPreviewFPS:         formatFloat(workerenv.ClampPreviewFPS(preview.FPS)),
		workerenv.VarPreviewJPEGQuality: strconv.Itoa(workerenv.ClampJPEGQuality(preview.JPEGQuality)),
		workerenv.VarPreviewMaxWidth:    strconv.Itoa(workerenv.ClampPreviewMaxWidth(preview.MaxWidth)),
	}

	if cfg.Latitude != nil {
		env[workerenv.VarLatitude] = formatFloat(*cfg.Latitude)
	}
	if cfg.Longitude != nil {
		env[workerenv.VarLongitude] = formatFloat(*cfg.Longitude)
	}

	return WorkerSpec{
		Image: m.opts.WorkerImage,
		Env:   env,
		Labels: map[string]string{
			"app":       "vectorflow-worker",
			"stream_id": string(cfg.ID),
		},
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
