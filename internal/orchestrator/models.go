package orchestrator

import (
	"strings"
	"time"
)

// StreamID uniquely identifies a configured camera stream.
type StreamID string

// WorkerStatus is the backend-agnostic lifecycle state of a stream's worker.
type WorkerStatus string

const (
	StatusStopped  WorkerStatus = "stopped"
	StatusMissing  WorkerStatus = "missing"
	StatusStarting WorkerStatus = "starting"
	StatusRunning  WorkerStatus = "running"
	StatusError    WorkerStatus = "error"
	StatusUnknown  WorkerStatus = "unknown"
)

// WorkerHandle references the backend resource running a stream's worker.
// A zero handle means no resource is recorded for the stream.
type WorkerHandle struct {
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
}

// Empty reports whether the handle references no backend resource.
func (h WorkerHandle) Empty() bool { return h.Name == "" }

// StreamConfig is a snapshot of one camera stream's configuration. The record
// is owned by the control plane's persistence layer; the orchestrator mutates
// only Handle and Active as a side effect of Start/Stop/Reconcile.
type StreamConfig struct {
	ID        StreamID `json:"id"`
	Name      string   `json:"name"`
	SourceURL string   `json:"rtsp_url"`

	LocationName string   `json:"location_name,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`

	GridSize          int     `json:"grid_size"`
	WinRadius         int     `json:"win_radius"`
	Threshold         float64 `json:"threshold"`
	ArrowScale        float64 `json:"arrow_scale"`
	ArrowOpacity      float64 `json:"arrow_opacity"`
	GradientIntensity float64 `json:"gradient_intensity"`
	ShowFeed          bool    `json:"show_feed"`
	ShowArrows        bool    `json:"show_arrows"`
	ShowMagnitude     bool    `json:"show_magnitude"`
	ShowTrails        bool    `json:"show_trails"`

	Active bool         `json:"is_active"`
	Handle WorkerHandle `json:"worker_handle"`

	CreatedAt time.Time `json:"created_at"`
}

// HandleName derives the stable backend resource name for a stream. The same
// stream id always maps to the same name, which is what makes start and stop
// idempotent across restarts of the control plane.
func HandleName(id StreamID) string {
	safe := strings.ReplaceAll(string(id), "-", "")
	if len(safe) > 12 {
		safe = safe[:12]
	}
	return "vector-worker-" + safe
}
