package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

// fakeBackend is an in-memory Backend for manager tests.
type fakeBackend struct {
	workers map[string]WorkerStatus
	specs   map[string]WorkerSpec

	ensureCalls int
	failEnsure  error
	failStatus  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		workers: make(map[string]WorkerStatus),
		specs:   make(map[string]WorkerSpec),
	}
}

func (f *fakeBackend) EnsureWorker(_ context.Context, name string, spec WorkerSpec) error {
	f.ensureCalls++
	if f.failEnsure != nil {
		return f.failEnsure
	}
	f.workers[name] = StatusRunning
	f.specs[name] = spec
	return nil
}

func (f *fakeBackend) RemoveWorker(_ context.Context, name string) error {
	delete(f.workers, name)
	return nil
}

func (f *fakeBackend) WorkerStatus(_ context.Context, name string) (WorkerStatus, error) {
	if f.failStatus != nil {
		return StatusUnknown, f.failStatus
	}
	status, ok := f.workers[name]
	if !ok {
		return StatusMissing, nil
	}
	return status, nil
}

func (f *fakeBackend) WorkerLogs(_ context.Context, name string, tail int) ([]string, error) {
	if _, ok := f.workers[name]; !ok {
		return nil, nil
	}
	lines := make([]string, tail)
	for i := range lines {
		lines[i] = "line"
	}
	return lines, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, backend Backend) (*Manager, *InMemoryRepository) {
	t.Helper()
	repo := NewInMemoryRepository()
	opts := Options{
		WorkerImage:   "vectorflow-worker:latest",
		MetricsPort:   9100,
		RedisURL:      "redis://localhost:6379/0",
		RedisChannel:  "flow.frames",
		DiscoveryPath: filepath.Join(t.TempDir(), "workers.json"),
	}
	settings := NewStaticSettings(DefaultPreviewSettings())
	return NewManager(backend, repo, settings, opts, testLogger()), repo
}

func testConfig() *StreamConfig {
	return &StreamConfig{
		ID:                "aaaabbbb-cccc-dddd-eeee-ffff00001111",
		Name:              "gate-cam",
		SourceURL:         "rtsp://cam.local/stream1",
		GridSize:          16,
		WinRadius:         8,
		Threshold:         1.2,
		ArrowScale:        4.0,
		ArrowOpacity:      90.0,
		GradientIntensity: 1.0,
		ShowFeed:          true,
		ShowArrows:        true,
	}
}

func TestHandleName_stable(t *testing.T) {
	id := StreamID("aaaabbbb-cccc-dddd-eeee-ffff00001111")
	first := HandleName(id)
	second := HandleName(id)
	if first != second {
		t.Errorf("handle name not stable: %q vs %q", first, second)
	}
	if first != "vector-worker-aaaabbbbcccc" {
		t.Errorf("unexpected handle name: %q", first)
	}
}

func TestManager_Start_idempotent(t *testing.T) {
	backend := newFakeBackend()
	mgr, repo := newTestManager(t, backend)
	cfg := testConfig()
	repo.Add(cfg)

	first, err := mgr.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	second, err := mgr.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if first != second {
		t.Errorf("handle names differ: %q vs %q", first, second)
	}
	if len(backend.workers) != 1 {
		t.Errorf("expected exactly one live resource, got %d", len(backend.workers))
	}
	if !cfg.Active || cfg.Handle.Name != first {
		t.Errorf("config not updated: active=%v handle=%q", cfg.Active, cfg.Handle.Name)
	}
}

func TestManager_Start_backendFailure_leavesConfigUntouched(t *testing.T) {
	backend := newFakeBackend()
	backend.failEnsure = ErrBackendUnavailable
	mgr, repo := newTestManager(t, backend)
	cfg := testConfig()
	repo.Add(cfg)

	_, err := mgr.Start(context.Background(), cfg)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if cfg.Active {
		t.Error("active flag must stay untouched on backend failure")
	}
	if !cfg.Handle.Empty() {
		t.Errorf("handle must stay empty on backend failure, got %q", cfg.Handle.Name)
	}
}

func TestManager_Start_passesClampedEnvironment(t *testing.T) {
	backend := newFakeBackend()
	mgr, repo := newTestManager(t, backend)
	cfg := testConfig()
	cfg.GridSize = 100000
	cfg.Threshold = -5
	repo.Add(cfg)

	name, err := mgr.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	env := backend.specs[name].Env
	if env["GRID_SIZE"] != "128" {
		t.Errorf("grid size not clamped: %q", env["GRID_SIZE"])
	}
	if env["THRESHOLD"] != "0" {
		t.Errorf("threshold not clamped: %q", env["THRESHOLD"])
	}
	if env["RTSP_URL"] != cfg.SourceURL {
		t.Errorf("source url missing from env: %q", env["RTSP_URL"])
	}
	if env["REDIS_CHANNEL"] != "flow.frames" {
		t.Errorf("redis channel missing from env: %q", env["REDIS_CHANNEL"])
	}
	if backend.specs[name].Labels["stream_id"] != string(cfg.ID) {
		t.Errorf("stream_id label missing: %v", backend.specs[name].Labels)
	}
}

func TestManager_Stop_absentResourceIsSuccess(t *testing.T) {
	backend := newFakeBackend()
	mgr, repo := newTestManager(t, backend)
	cfg := testConfig()
	cfg.Active = true
	cfg.Handle = WorkerHandle{Name: "vector-worker-gone"}
	repo.Add(cfg)

	if err := mgr.Stop(context.Background(), cfg, true); err != nil {
		t.Fatalf("Stop on absent resource: %v", err)
	}
	if !cfg.Handle.Empty() {
		t.Errorf("handle not cleared: %q", cfg.Handle.Name)
	}
	if cfg.Active {
		t.Error("active flag not cleared with deactivate=true")
	}
}

func TestManager_Stop_withoutDeactivateKeepsActive(t *testing.T) {
	backend := newFakeBackend()
	mgr, repo := newTestManager(t, backend)
	cfg := testConfig()
	repo.Add(cfg)

	if _, err := mgr.Start(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Stop(context.Background(), cfg, false); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if !cfg.Active {
		t.Error("active flag must survive an internal stop (deactivate=false)")
	}
	if !cfg.Handle.Empty() {
		t.Errorf("handle not cleared: %q", cfg.Handle.Name)
	}
}

func TestManager_Status(t *testing.T) {
	backend := newFakeBackend()
	mgr, _ := newTestManager(t, backend)
	ctx := context.Background()

	if got := mgr.Status(ctx, ""); got != StatusStopped {
		t.Errorf("empty handle: got %q, want stopped", got)
	}
	if got := mgr.Status(ctx, "vector-worker-x"); got != StatusMissing {
		t.Errorf("absent resource: got %q, want missing", got)
	}

	backend.workers["vector-worker-x"] = StatusRunning
	if got := mgr.Status(ctx, "vector-worker-x"); got != StatusRunning {
		t.Errorf("running resource: got %q", got)
	}

	backend.failStatus = errors.New("api down")
	if got := mgr.Status(ctx, "vector-worker-x"); got != StatusUnknown {
		t.Errorf("unreachable backend: got %q, want unknown", got)
	}
}

func TestManager_Logs_clampsTail(t *testing.T) {
	backend := newFakeBackend()
	backend.workers["vector-worker-x"] = StatusRunning
	mgr, _ := newTestManager(t, backend)

	lines, err := mgr.Logs(context.Background(), "vector-worker-x", 50000)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(lines) != LogTailMax {
		t.Errorf("tail not clamped: got %d lines", len(lines))
	}

	lines, err = mgr.Logs(context.Background(), "vector-worker-x", 0)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(lines) != LogTailMin {
		t.Errorf("tail not raised to minimum: got %d lines", len(lines))
	}

	lines, err = mgr.Logs(context.Background(), "", 10)
	if err != nil || lines != nil {
		t.Errorf("empty handle: got %v, %v", lines, err)
	}
}

func TestManager_Reconcile_clearsStaleHandles(t *testing.T) {
	backend := newFakeBackend()
	mgr, repo := newTestManager(t, backend)

	stale := testConfig()
	stale.ID = "stale-stream"
	stale.Active = true
	stale.Handle = WorkerHandle{Name: "vector-worker-stale"}
	repo.Add(stale)

	healthy := testConfig()
	healthy.ID = "healthy-stream"
	healthy.Active = true
	healthy.Handle = WorkerHandle{Name: "vector-worker-live"}
	repo.Add(healthy)
	backend.workers["vector-worker-live"] = StatusRunning

	mgr.Reconcile(context.Background())

	got, _ := repo.Get(stale.ID)
	if !got.Handle.Empty() || got.Active {
		t.Errorf("stale config not cleared: handle=%q active=%v", got.Handle.Name, got.Active)
	}

	got, _ = repo.Get(healthy.ID)
	if got.Handle.Empty() || !got.Active {
		t.Errorf("healthy config wrongly cleared: handle=%q active=%v", got.Handle.Name, got.Active)
	}
}

func TestManager_Reconcile_probeFailureLeavesConfig(t *testing.T) {
	backend := newFakeBackend()
	backend.failStatus = errors.New("api down")
	mgr, repo := newTestManager(t, backend)

	cfg := testConfig()
	cfg.Active = true
	cfg.Handle = WorkerHandle{Name: "vector-worker-keep"}
	repo.Add(cfg)

	mgr.Reconcile(context.Background())

	got, _ := repo.Get(cfg.ID)
	if got.Handle.Empty() || !got.Active {
		t.Error("unreachable backend must not clear handles during reconcile")
	}
}
