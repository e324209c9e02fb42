package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// publishTimeout bounds each Redis publish so a slow broker can never
	// stall the capture loop.
	publishTimeout = 500 * time.Millisecond

	// publishErrLogInterval throttles publish failure logging; a Redis
	// outage would otherwise log once per frame.
	publishErrLogInterval = 15 * time.Second
)

// TunablesPayload echoes the worker's effective processing tunables inside
// each frame message so dashboards can display what a stream is running with.
type TunablesPayload struct {
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
}

// FramePayload is the per-frame analysis message published on the shared
// channel. Timestamp is unix milliseconds.
type FramePayload struct {
	Type               string          `json:"type"`
	StreamID           string          `json:"stream_id"`
	StreamName         string          `json:"stream_name"`
	Timestamp          int64           `json:"timestamp"`
	Width              int             `json:"width"`
	Height             int             `json:"height"`
	FPS                float64         `json:"fps"`
	AvgMagnitude       float64         `json:"avg_magnitude"`
	MaxMagnitude       float64         `json:"max_magnitude"`
	DirectionDegrees   float64         `json:"direction_degrees"`
	DirectionCoherence float64         `json:"direction_coherence"`
	VectorCount        int             `json:"vector_count"`
	Vectors            []FlowVector    `json:"vectors"`
	Config             TunablesPayload `json:"config"`
	FrameB64           string          `json:"frame_b64"`
}

// StatusPayload is the connectivity heartbeat message.
type StatusPayload struct {
	Type       string `json:"type"`
	StreamID   string `json:"stream_id"`
	StreamName string `json:"stream_name"`
	Timestamp  int64  `json:"timestamp"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// Publisher sends frame and status messages to the shared Redis channel.
// Publishing is best effort: failures are logged (throttled) and dropped,
// never surfaced to the processing loop.
type Publisher struct {
	rdb     *redis.Client
	channel string
	log     *slog.Logger

	streamID   string
	streamName string

	statusInterval  time.Duration
	previewInterval time.Duration

	lastStatusAt  time.Time
	lastPreviewAt time.Time
	lastErrLogAt  time.Time
}

// NewPublisher connects a Publisher to the Redis URL and channel in cfg.
func NewPublisher(cfg Config, log *slog.Logger) (*Publisher, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	opt.DialTimeout = publishTimeout * 3
	opt.ReadTimeout = publishTimeout * 3
	opt.WriteTimeout = publishTimeout * 3
	return NewPublisherWithClient(redis.NewClient(opt), cfg, log), nil
}

// NewPublisherWithClient wires an existing Redis client. Used in tests.
func NewPublisherWithClient(rdb *redis.Client, cfg Config, log *slog.Logger) *Publisher {
	fps := cfg.PreviewFPS
	if fps < 0.5 {
		fps = 0.5
	}
	return &Publisher{
		rdb:             rdb,
		channel:         cfg.RedisChannel,
		log:             log,
		streamID:        cfg.StreamID,
		streamName:      cfg.StreamName,
		statusInterval:  cfg.StatusInterval,
		previewInterval: time.Duration(float64(time.Second) / fps),
	}
}

// PublishStatus sends a connectivity heartbeat. Unforced sends are dropped
// while the status interval since the last successful send has not elapsed;
// forced sends always go out, so state transitions are never delayed.
func (p *Publisher) PublishStatus(ctx context.Context, status, errMsg string, force bool) {
	now := time.Now()
	if !p.shouldSendStatus(now, force) {
		return
	}

	payload := StatusPayload{
		Type:       "stream_status",
		StreamID:   p.streamID,
		StreamName: p.streamName,
		Timestamp:  now.UnixMilli(),
		Status:     status,
		Error:      errMsg,
	}
	if p.publish(ctx, payload, "status publish") {
		p.lastStatusAt = now
	}
}

// shouldSendStatus is the heartbeat gate: forced sends always pass, unforced
// sends pass once per status interval.
func (p *Publisher) shouldSendStatus(now time.Time, force bool) bool {
	return force || now.Sub(p.lastStatusAt) >= p.statusInterval
}

// ShouldPublishFrame reports whether the preview interval has elapsed since
// the last frame publish attempt.
func (p *Publisher) ShouldPublishFrame(now time.Time) bool {
	return now.Sub(p.lastPreviewAt) >= p.previewInterval
}

// PublishFrame sends one frame message. The attempt time is recorded whether
// or not the publish succeeds, so a Redis outage does not turn into a
// publish attempt per processed frame.
func (p *Publisher) PublishFrame(ctx context.Context, payload FramePayload) {
	p.lastPreviewAt = time.Now()
	p.publish(ctx, payload, "frame publish")
}

func (p *Publisher) publish(ctx context.Context, payload any, what string) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("payload marshal failed", slog.String("error", err.Error()))
		return false
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := p.rdb.Publish(pubCtx, p.channel, data).Err(); err != nil {
		if now := time.Now(); now.Sub(p.lastErrLogAt) >= publishErrLogInterval {
			p.lastErrLogAt = now
			p.log.Warn("redis publish failed",
				slog.String("context", what),
				slog.String("error", err.Error()))
		}
		return false
	}
	return true
}

// roundTo limits a value to the given number of decimal places for the wire.
func roundTo(v float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(v*scale) / scale
}
