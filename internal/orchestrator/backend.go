package orchestrator

import (
	"context"
	"errors"
)

// ErrBackendUnavailable is returned when the backend API itself cannot be
// reached. The orchestrator surfaces it to the caller and does not retry;
// recovery happens through an externally triggered Reconcile.
var ErrBackendUnavailable = errors.New("worker backend unavailable")

// WorkerSpec describes the resource a backend should run for one stream.
type WorkerSpec struct {
	Image  string
	Env    map[string]string
	Labels map[string]string
}

// Backend is the resource-lifecycle API the orchestrator drives. There are
// exactly two implementations, DockerBackend and KubeBackend, chosen once at
// construction.
//
// All methods are idempotent where the orchestrator needs them to be:
// EnsureWorker restarts an existing stopped resource in place instead of
// failing, and RemoveWorker treats an absent resource as success.
type Backend interface {
	// EnsureWorker creates the named resource from spec, or restarts it in
	// place if it already exists but is not running. A resource that is
	// already running is left untouched.
	EnsureWorker(ctx context.Context, name string, spec WorkerSpec) error

	// RemoveWorker deletes the named resource. Absence is not an error.
	RemoveWorker(ctx context.Context, name string) error

	// WorkerStatus reports the unified status of the named resource.
	// An explicitly absent resource yields StatusMissing with a nil error;
	// an unreachable backend yields an error.
	WorkerStatus(ctx context.Context, name string) (WorkerStatus, error)

	// WorkerLogs returns up to tail trailing log lines for the named
	// resource. Absence yields an empty slice, not an error.
	WorkerLogs(ctx context.Context, name string, tail int) ([]string, error)
}
