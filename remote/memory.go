package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowplug/runtime/plugin"
)

// InMemoryLoader resolves RegisterRemote/LoadConstructor against a
// pre-populated id -> constructor map, per spec section 4.4: "a parallel
// 'in-memory' loader, used for testing, resolves the same operations
// against a map of id -> constructor." Registration is a no-op beyond
// recording the URL, since there is no real remote to reach.
type InMemoryLoader struct {
	mu           sync.RWMutex
	constructors map[string]plugin.Constructor
	registered   map[string]string
}

// NewInMemoryLoader builds an InMemoryLoader seeded with constructors,
// keyed by normalized plugin id (see NormalizeName).
func NewInMemoryLoader(constructors map[string]plugin.Constructor) *InMemoryLoader {
	normalized := make(map[string]plugin.Constructor, len(constructors))
	for id, ctor := range constructors {
		normalized[NormalizeName(id)] = ctor
	}
	return &InMemoryLoader{constructors: normalized, registered: make(map[string]string)}
}

// Register adds or replaces a single constructor, useful for tests that
// build up their loader incrementally.
func (l *InMemoryLoader) Register(id string, ctor plugin.Constructor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.constructors[NormalizeName(id)] = ctor
}

func (l *InMemoryLoader) RegisterRemote(_ context.Context, id, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registered[NormalizeName(id)] = url
	return nil
}

func (l *InMemoryLoader) LoadConstructor(_ context.Context, id, _ string) (plugin.Constructor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ctor, ok := l.constructors[NormalizeName(id)]
	if !ok {
		return nil, &Fault{PluginID: id, Cause: fmt.Errorf("no in-memory constructor registered for %q", id), Retryable: false}
	}
	return ctor, nil
}
