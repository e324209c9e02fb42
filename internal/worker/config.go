// Package worker implements the per-stream processing pipeline: frame
// capture, sparse optical flow, vector aggregation, overlay rendering, and
// publication of frames and status heartbeats to the shared Redis channel.
package worker

import (
	"errors"
	"strings"
	"time"

	"vectorflow/internal/platform/config"
	"vectorflow/internal/workerenv"
)

// ErrSourceRequired is returned when no stream source URL is configured.
// It is the only fatal configuration error; every other value falls back to
// a default and is clamped to its safe range.
var ErrSourceRequired = errors.New("stream source url is required")

// Config is the complete runtime configuration of one worker, read from the
// environment at startup. All processing tunables are clamped on read, so a
// bad value set by an operator or a buggy control plane cannot reach the
// pipeline.
type Config struct {
	StreamID   string
	StreamName string
	SourceURL  string

	// Optional geolocation. Nil when unset, malformed, or out of range.
	Latitude  *float64
	Longitude *float64

	GridSize  int
	WinRadius int
	Threshold float64

	ArrowScale        float64
	ArrowOpacity      float64
	GradientIntensity float64

	ShowFeed      bool
	ShowArrows    bool
	ShowMagnitude bool
	ShowTrails    bool

	MetricsPort  int
	GPUIndex     int
	RedisURL     string
	RedisChannel string

	PreviewFPS         float64
	PreviewJPEGQuality int
	PreviewMaxWidth    int

	TrailDecay    float64
	MaxVectorsOut int

	StatusInterval time.Duration
	ReconnectDelay time.Duration
}

// ConfigFromEnv builds a Config from the process environment.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		StreamID:   config.GetEnv(workerenv.VarStreamID, "unknown"),
		StreamName: config.GetEnv(workerenv.VarStreamName, "unnamed-stream"),
		SourceURL:  config.GetEnv(workerenv.VarSourceURL, ""),

		GridSize:  workerenv.ClampGridSize(config.GetEnvInt(workerenv.VarGridSize, 16)),
		WinRadius: workerenv.ClampWinRadius(config.GetEnvInt(workerenv.VarWinRadius, 8)),
		Threshold: workerenv.ClampThreshold(config.GetEnvFloat(workerenv.VarThreshold, 1.2)),

		ArrowScale:        workerenv.ClampArrowScale(config.GetEnvFloat(workerenv.VarArrowScale, 4.0)),
		ArrowOpacity:      workerenv.ClampArrowOpacity(config.GetEnvFloat(workerenv.VarArrowOpacity, 90.0)),
		GradientIntensity: workerenv.ClampGradientIntensity(config.GetEnvFloat(workerenv.VarGradientIntensity, 1.0)),

		ShowFeed:      config.GetEnvBool(workerenv.VarShowFeed, true),
		ShowArrows:    config.GetEnvBool(workerenv.VarShowArrows, true),
		ShowMagnitude: config.GetEnvBool(workerenv.VarShowMagnitude, false),
		ShowTrails:    config.GetEnvBool(workerenv.VarShowTrails, false),

		MetricsPort:  config.GetEnvInt(workerenv.VarMetricsPort, 9100),
		GPUIndex:     config.GetEnvInt("GPU_INDEX", 0),
		RedisURL:     config.GetEnv(workerenv.VarRedisURL, "redis://redis:6379/0"),
		RedisChannel: config.GetEnv(workerenv.VarRedisChannel, "flow.frames"),

		PreviewFPS:         workerenv.ClampPreviewFPS(config.GetEnvFloat(workerenv.VarPreviewFPS, 6.0)),
		PreviewJPEGQuality: workerenv.ClampJPEGQuality(config.GetEnvInt(workerenv.VarPreviewJPEGQuality, 65)),
		PreviewMaxWidth:    workerenv.ClampPreviewMaxWidth(config.GetEnvInt(workerenv.VarPreviewMaxWidth, 960)),

		TrailDecay:    workerenv.ClampTrailDecay(config.GetEnvFloat(workerenv.VarTrailDecay, 0.88)),
		MaxVectorsOut: config.GetEnvInt(workerenv.VarMaxVectorsOut, 120),

		StatusInterval: secondsEnv(workerenv.VarStatusInterval, 5.0),
		ReconnectDelay: secondsEnv(workerenv.VarReconnectDelay, 2.0),
	}

	if lat, ok := workerenv.ParseCoordinate(config.GetEnv(workerenv.VarLatitude, ""), -90, 90); ok {
		cfg.Latitude = &lat
	}
	if lon, ok := workerenv.ParseCoordinate(config.GetEnv(workerenv.VarLongitude, ""), -180, 180); ok {
		cfg.Longitude = &lon
	}

	if cfg.SourceURL == "" {
		return Config{}, ErrSourceRequired
	}
	return cfg, nil
}

func secondsEnv(key string, fallback float64) time.Duration {
	return time.Duration(config.GetEnvFloat(key, fallback) * float64(time.Second))
}

// TrackingWindow returns the pyramidal tracking window side length derived
// from the window radius: 2r+1, at least 5, forced odd.
func (c Config) TrackingWindow() int {
	w := c.WinRadius*2 + 1
	if w < 5 {
		w = 5
	}
	if w%2 == 0 {
		w++
	}
	return w
}

// FeatureMinDistance returns the minimum pixel distance between detected
// features, scaled with the grid size so feature density follows cell size.
func (c Config) FeatureMinDistance() int {
	d := c.GridSize / 2
	if d < 4 {
		d = 4
	}
	return d
}

// HasLocation reports whether both coordinates are configured.
func (c Config) HasLocation() bool {
	return c.Latitude != nil && c.Longitude != nil
}

// IsNetworkSource reports whether the source is a network stream. Network
// sources reconnect on read failure; local files rewind and loop.
func (c Config) IsNetworkSource() bool {
	return strings.HasPrefix(strings.ToLower(c.SourceURL), "rtsp://")
}
