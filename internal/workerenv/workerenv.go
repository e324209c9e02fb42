// Package workerenv defines the environment contract between the worker
// orchestrator and the per-stream worker process: the variable names a worker
// is launched with and the safe ranges every processing tunable is clamped to.
// The orchestrator clamps values when deriving a worker environment and the
// worker re-applies the same clamps when reading it, so an out-of-range value
// can never reach the processing pipeline from either side.
package workerenv

import (
	"math"
	"strconv"
	"strings"
)

// Environment variable names supplied to every worker at creation time.
const (
	VarStreamID           = "STREAM_ID"
	VarStreamName         = "STREAM_NAME"
	VarSourceURL          = "RTSP_URL"
	VarLatitude           = "LATITUDE"
	VarLongitude          = "LONGITUDE"
	VarGridSize           = "GRID_SIZE"
	VarWinRadius          = "WIN_RADIUS"
	VarThreshold          = "THRESHOLD"
	VarArrowScale         = "ARROW_SCALE"
	VarArrowOpacity       = "ARROW_OPACITY"
	VarGradientIntensity  = "GRADIENT_INTENSITY"
	VarShowFeed           = "SHOW_FEED"
	VarShowArrows         = "SHOW_ARROWS"
	VarShowMagnitude      = "SHOW_MAGNITUDE"
	VarShowTrails         = "SHOW_TRAILS"
	VarMetricsPort        = "PROMETHEUS_PORT"
	VarRedisURL           = "REDIS_URL"
	VarRedisChannel       = "REDIS_CHANNEL"
	VarPreviewFPS         = "LIVE_PREVIEW_FPS"
	VarPreviewJPEGQuality = "LIVE_PREVIEW_JPEG_QUALITY"
	VarPreviewMaxWidth    = "LIVE_PREVIEW_MAX_WIDTH"
	VarTrailDecay         = "TRAIL_DECAY"
	VarMaxVectorsOut      = "MAX_VECTORS_OUT"
	VarStatusInterval     = "STATUS_INTERVAL_SEC"
	VarReconnectDelay     = "RECONNECT_DELAY_SEC"
)

// Clamp bounds for the processing tunables.
const (
	GridSizeMin = 4
	GridSizeMax = 128

	WinRadiusMin = 2
	WinRadiusMax = 32

	ThresholdMin = 0.0
	ThresholdMax = 100.0

	ArrowScaleMin = 0.1
	ArrowScaleMax = 25.0

	ArrowOpacityMin = 0.0
	ArrowOpacityMax = 100.0

	GradientIntensityMin = 0.1
	GradientIntensityMax = 5.0

	PreviewFPSMin = 0.5
	PreviewFPSMax = 30.0

	JPEGQualityMin = 30
	JPEGQualityMax = 95

	PreviewMaxWidthMin = 0
	PreviewMaxWidthMax = 1920

	TrailDecayMin = 0.5
	TrailDecayMax = 0.99
)

// ClampInt returns v limited to [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampFloat returns v limited to [lo, hi].
func ClampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// ClampGridSize limits the grid cell size in pixels.
func ClampGridSize(v int) int { return ClampInt(v, GridSizeMin, GridSizeMax) }

// ClampWinRadius limits the tracking window radius.
func ClampWinRadius(v int) int { return ClampInt(v, WinRadiusMin, WinRadiusMax) }

// ClampThreshold limits the minimum vector magnitude.
func ClampThreshold(v float64) float64 { return ClampFloat(v, ThresholdMin, ThresholdMax) }

// ClampArrowScale limits the arrow displacement multiplier.
func ClampArrowScale(v float64) float64 { return ClampFloat(v, ArrowScaleMin, ArrowScaleMax) }

// ClampArrowOpacity limits the arrow layer opacity percentage.
func ClampArrowOpacity(v float64) float64 { return ClampFloat(v, ArrowOpacityMin, ArrowOpacityMax) }

// ClampGradientIntensity limits the heat layer intensity factor.
func ClampGradientIntensity(v float64) float64 {
	return ClampFloat(v, GradientIntensityMin, GradientIntensityMax)
}

// ClampPreviewFPS limits the live preview publish rate.
func ClampPreviewFPS(v float64) float64 { return ClampFloat(v, PreviewFPSMin, PreviewFPSMax) }

// ClampJPEGQuality limits the preview JPEG quality.
func ClampJPEGQuality(v int) int { return ClampInt(v, JPEGQualityMin, JPEGQualityMax) }

// ClampPreviewMaxWidth limits the preview width cap; 0 disables resizing.
func ClampPreviewMaxWidth(v int) int { return ClampInt(v, PreviewMaxWidthMin, PreviewMaxWidthMax) }

// ClampTrailDecay limits the per-frame trail decay factor.
func ClampTrailDecay(v float64) float64 { return ClampFloat(v, TrailDecayMin, TrailDecayMax) }

// FormatBool renders a boolean the way worker environments expect it.
func FormatBool(v bool) string { return strconv.FormatBool(v) }

// ParseBool interprets common truthy spellings ("1", "true", "yes", "y", "on",
// any case). Anything else, including empty, returns fallback.
func ParseBool(raw string, fallback bool) bool {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return fallback
	}
	switch s {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return fallback
}

// ParseCoordinate parses an optional geolocation value. It returns ok=false
// for empty, malformed, non-finite, or out-of-range input rather than an
// error; a worker without coordinates simply runs with geo metrics disabled.
func ParseCoordinate(raw string, lo, hi float64) (float64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if v < lo || v > hi {
		return 0, false
	}
	return v, true
}
