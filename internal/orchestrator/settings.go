package orchestrator

import "sync"

// PreviewSettings are the system-wide live-preview tunables applied to every
// worker at start time. They are stored by the control plane's persistence
// layer; the orchestrator only reads them.
type PreviewSettings struct {
	FPS         float64
	JPEGQuality int
	MaxWidth    int
}

// DefaultPreviewSettings mirrors the system defaults used when no settings
// row exists yet.
func DefaultPreviewSettings() PreviewSettings {
	return PreviewSettings{FPS: 6.0, JPEGQuality: 65, MaxWidth: 960}
}

// SettingsSource supplies the current preview settings. Implementations may
// read from a database; StaticSettings keeps them in memory.
type SettingsSource interface {
	Preview() PreviewSettings
}

// StaticSettings is a concurrency-safe in-memory SettingsSource.
type StaticSettings struct {
	mu sync.RWMutex
	p  PreviewSettings
}

// NewStaticSettings returns a StaticSettings holding p.
func NewStaticSettings(p PreviewSettings) *StaticSettings {
	return &StaticSettings{p: p}
}

// Preview implements SettingsSource.Preview.
func (s *StaticSettings) Preview() PreviewSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p
}

// Set replaces the current settings.
func (s *StaticSettings) Set(p PreviewSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = p
}
