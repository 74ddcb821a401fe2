package server

import (
	"context"
	"sync"

	"github.com/voxduct/voxduct/internal/bridge"
)

// Registry tracks the bridges currently serving calls. The server uses it to
// report the active call count and to drain calls on shutdown.
// All exported methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	bridges map[*bridge.Bridge]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bridges: make(map[*bridge.Bridge]struct{})}
}

// Add registers a bridge for the duration of its call.
func (r *Registry) Add(b *bridge.Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bridges[b] = struct{}{}
}

// Remove deregisters a finished bridge.
func (r *Registry) Remove(b *bridge.Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bridges, b)
}

// Count returns the number of calls currently in progress.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bridges)
}

// Drain blocks until every registered bridge has torn down or ctx expires.
// Returns the number of calls still open when it gives up.
func (r *Registry) Drain(ctx context.Context) int {
	r.mu.Lock()
	snapshot := make([]*bridge.Bridge, 0, len(r.bridges))
	for b := range r.bridges {
		snapshot = append(snapshot, b)
	}
	r.mu.Unlock()

	remaining := 0
	for _, b := range snapshot {
		select {
		case <-b.Done():
		case <-ctx.Done():
			remaining++
		}
	}
	return remaining
}
