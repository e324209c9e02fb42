package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// TargetGroup is one entry in the Prometheus file-based service discovery
// format: a target address plus identifying labels.
type TargetGroup struct {
	Targets []string          `json:"targets"`
	Labels  map[string]string `json:"labels"`
}

// BuildDiscoveryTargets returns one target group per stream that is both
// active and holds a live handle, ordered by stream id for stable output.
func BuildDiscoveryTargets(configs []*StreamConfig, metricsPort int) []TargetGroup {
	groups := make([]TargetGroup, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Active || cfg.Handle.Empty() {
			continue
		}
		groups = append(groups, TargetGroup{
			Targets: []string{fmt.Sprintf("%s:%d", cfg.Handle.Name, metricsPort)},
			Labels: map[string]string{
				"stream_id":   string(cfg.ID),
				"stream_name": cfg.Name,
			},
		})
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Labels["stream_id"] < groups[j].Labels["stream_id"]
	})
	return groups
}

// WriteDiscoveryFile atomically replaces the discovery file at path with the
// current target set. The write-to-temp-then-rename dance means the metrics
// scraper can never observe a partially written file.
func WriteDiscoveryFile(path string, configs []*StreamConfig, metricsPort int) error {
	groups := BuildDiscoveryTargets(configs, metricsPort)

	data, err := json.MarshalIndent(groups, "", "  ")
	if err != nil {
		return fmt.Errorf("encode discovery targets: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create discovery directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write discovery temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace discovery file: %w", err)
	}
	return nil
}
