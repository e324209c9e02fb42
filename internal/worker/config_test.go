package worker

import (
	"errors"
	"testing"
	"time"
)

func TestConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("RTSP_URL", "rtsp://example/stream")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}

	if cfg.GridSize != 16 || cfg.WinRadius != 8 {
		t.Errorf("grid defaults: got grid=%d win=%d", cfg.GridSize, cfg.WinRadius)
	}
	if cfg.Threshold != 1.2 {
		t.Errorf("threshold default: got %v", cfg.Threshold)
	}
	if !cfg.ShowFeed || !cfg.ShowArrows || cfg.ShowMagnitude || cfg.ShowTrails {
		t.Errorf("layer defaults wrong: %+v", cfg)
	}
	if cfg.RedisChannel != "flow.frames" {
		t.Errorf("channel default: got %q", cfg.RedisChannel)
	}
	if cfg.StatusInterval != 5*time.Second || cfg.ReconnectDelay != 2*time.Second {
		t.Errorf("interval defaults: status=%v reconnect=%v", cfg.StatusInterval, cfg.ReconnectDelay)
	}
	if cfg.Latitude != nil || cfg.Longitude != nil {
		t.Error("coordinates should be nil when unset")
	}
}

func TestConfigFromEnv_MissingSourceIsFatal(t *testing.T) {
	t.Setenv("RTSP_URL", "")

	_, err := ConfigFromEnv()
	if !errors.Is(err, ErrSourceRequired) {
		t.Fatalf("expected ErrSourceRequired, got %v", err)
	}
}

func TestConfigFromEnv_ClampsOutOfRangeValues(t *testing.T) {
	t.Setenv("RTSP_URL", "rtsp://example/stream")
	t.Setenv("GRID_SIZE", "9999")
	t.Setenv("WIN_RADIUS", "1")
	t.Setenv("THRESHOLD", "-5")
	t.Setenv("ARROW_SCALE", "100")
	t.Setenv("TRAIL_DECAY", "0.1")
	t.Setenv("LIVE_PREVIEW_JPEG_QUALITY", "100")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}

	if cfg.GridSize != 128 {
		t.Errorf("grid size should clamp to 128, got %d", cfg.GridSize)
	}
	if cfg.WinRadius != 2 {
		t.Errorf("win radius should clamp to 2, got %d", cfg.WinRadius)
	}
	if cfg.Threshold != 0 {
		t.Errorf("threshold should clamp to 0, got %v", cfg.Threshold)
	}
	if cfg.ArrowScale != 25 {
		t.Errorf("arrow scale should clamp to 25, got %v", cfg.ArrowScale)
	}
	if cfg.TrailDecay != 0.5 {
		t.Errorf("trail decay should clamp to 0.5, got %v", cfg.TrailDecay)
	}
	if cfg.PreviewJPEGQuality != 95 {
		t.Errorf("jpeg quality should clamp to 95, got %d", cfg.PreviewJPEGQuality)
	}
}

func TestConfigFromEnv_InvalidCoordinatesDisableGeo(t *testing.T) {
	t.Setenv("RTSP_URL", "rtsp://example/stream")
	t.Setenv("LATITUDE", "91.0")
	t.Setenv("LONGITUDE", "not-a-number")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.Latitude != nil || cfg.Longitude != nil {
		t.Errorf("out-of-range or malformed coordinates must be dropped: %+v", cfg)
	}
	if cfg.HasLocation() {
		t.Error("HasLocation should be false without both coordinates")
	}
}

func TestConfigFromEnv_ValidCoordinates(t *testing.T) {
	t.Setenv("RTSP_URL", "rtsp://example/stream")
	t.Setenv("LATITUDE", "52.520008")
	t.Setenv("LONGITUDE", "13.404954")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if !cfg.HasLocation() {
		t.Fatal("HasLocation should be true")
	}
	if *cfg.Latitude != 52.520008 || *cfg.Longitude != 13.404954 {
		t.Errorf("coordinates not parsed: lat=%v lon=%v", *cfg.Latitude, *cfg.Longitude)
	}
}

func TestConfig_TrackingWindow(t *testing.T) {
	tests := []struct {
		radius int
		want   int
	}{
		{2, 5},  // floor
		{8, 17}, // 2r+1
		{10, 21},
	}
	for _, tc := range tests {
		cfg := Config{WinRadius: tc.radius}
		if got := cfg.TrackingWindow(); got != tc.want {
			t.Errorf("radius %d: expected window %d, got %d", tc.radius, tc.want, got)
		}
	}
}

func TestConfig_FeatureMinDistance(t *testing.T) {
	if got := (Config{GridSize: 4}).FeatureMinDistance(); got != 4 {
		t.Errorf("small grid should floor at 4, got %d", got)
	}
	if got := (Config{GridSize: 32}).FeatureMinDistance(); got != 16 {
		t.Errorf("expected grid/2, got %d", got)
	}
}

func TestConfig_IsNetworkSource(t *testing.T) {
	if !(Config{SourceURL: "RTSP://cam/live"}).IsNetworkSource() {
		t.Error("rtsp urls are network sources regardless of case")
	}
	if (Config{SourceURL: "/data/sample.mp4"}).IsNetworkSource() {
		t.Error("file paths are not network sources")
	}
}
