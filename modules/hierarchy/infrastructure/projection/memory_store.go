package projection

import (
	"context"
	"sync"

	"github.com/iota-uz/teamgraph/modules/hierarchy/services"
)

// MemoryStore holds the snapshot behind a single pointer swap. Readers keep
// whatever generation they loaded; a Swap never mutates a snapshot handed
// out earlier.
type MemoryStore struct {
	mu      sync.RWMutex
	current *services.Projection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var _ services.ProjectionStore = (*MemoryStore)(nil)

func (s *MemoryStore) Load(_ context.Context) (*services.Projection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, services.ErrNoProjection
	}
	return s.current, nil
}

func (s *MemoryStore) Swap(_ context.Context, p *services.Projection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = p
	return nil
}
