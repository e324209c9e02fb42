package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConfigRepository is the orchestrator's view of the control plane's stream
// configuration store. The orchestrator reads snapshots and writes back only
// handle and active-flag mutations; everything else is owned elsewhere.
type ConfigRepository interface {
	// Get returns the config for the given stream id.
	Get(id StreamID) (*StreamConfig, bool)

	// List returns a snapshot of every configured stream.
	List() []*StreamConfig

	// Save persists handle/active mutations made by the orchestrator.
	Save(cfg *StreamConfig) error
}

// InMemoryRepository is a concurrency-safe in-memory ConfigRepository. It
// stands in for the external persistence layer in tests and single-node runs.
type InMemoryRepository struct {
	mu      sync.RWMutex
	streams map[StreamID]*StreamConfig
}

// NewInMemoryRepository returns a new empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{streams: make(map[StreamID]*StreamConfig)}
}

// Add registers a new stream config, assigning an id if none is set.
func (r *InMemoryRepository) Add(cfg *StreamConfig) *StreamConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg.ID == "" {
		cfg.ID = StreamID(uuid.NewString())
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	copied := *cfg
	r.streams[cfg.ID] = &copied
	return cfg
}

// Get implements ConfigRepository.Get.
func (r *InMemoryRepository) Get(id StreamID) (*StreamConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.streams[id]
	if !ok {
		return nil, false
	}
	copied := *cfg
	return &copied, true
}

// List implements ConfigRepository.List.
func (r *InMemoryRepository) List() []*StreamConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*StreamConfig, 0, len(r.streams))
	for _, cfg := range r.streams {
		copied := *cfg
		out = append(out, &copied)
	}
	return out
}

// Save implements ConfigRepository.Save.
func (r *InMemoryRepository) Save(cfg *StreamConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *cfg
	r.streams[cfg.ID] = &copied
	return nil
}
