// Package lifecycle implements the coordinated-teardown registry from spec
// section 4.7: tracking initialized plugins so a runtime shutdown can close
// every one of them concurrently, tolerating individual failures. Grounded
// on app/plugin_manager.go's plugin map and app/plugin_lifecycle.go's
// concurrent-stop handling in the teacher.
package lifecycle

import (
	"context"
	"sync"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/hashicorp/go-multierror"

	"github.com/flowplug/runtime/internal/rtlog"
	"github.com/flowplug/runtime/rterr"
)

// Entry is anything the registry can track and eventually tear down. The
// loader package's Initialized type implements this; the interface keeps
// lifecycle free of a dependency on loader.
type Entry interface {
	// Key uniquely identifies this entry within the registry (the cache
	// key it was registered under).
	Key() string
	// PluginID is used for error tagging during shutdown.
	PluginID() string
	// ShutdownPlugin runs the ordering contract from spec section 4.7:
	// plugin.shutdown() first, then scope.Close(), so that closing the
	// scope never interrupts the plugin's own shutdown mid-flight.
	ShutdownPlugin(ctx context.Context) error
}

// Registry tracks initialized plugins for coordinated teardown.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
	log     *log.Helper
}

// New builds an empty Registry, logging through logger (use rtlog.New
// ("lifecycle") for the default sink if logger is nil).
func New(logger *log.Helper) *Registry {
	if logger == nil {
		logger = rtlog.New("lifecycle")
	}
	return &Registry{entries: make(map[string]Entry), log: logger}
}

// Register inserts initialized idempotently: registering the same key
// twice keeps only the most recent entry.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Key()] = e
}

// Unregister removes an entry idempotently; removing an absent key is a
// no-op.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Get returns the entry registered under key, if any.
func (r *Registry) Get(key string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return e, ok
}

// Len reports how many entries are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Cleanup shuts down every registered entry concurrently, tolerating
// individual failures (spec section 4.7: "tolerate individual failures;
// clear the set"), and returns their aggregate via
// github.com/hashicorp/go-multierror so callers can still inspect which
// plugins failed without one failure masking another.
func (r *Registry) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	all := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.entries = make(map[string]Entry)
	r.mu.Unlock()

	if len(all) == 0 {
		return nil
	}

	var mu sync.Mutex
	var result *multierror.Error
	var wg sync.WaitGroup
	for _, e := range all {
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			if err := e.ShutdownPlugin(ctx); err != nil {
				tagged := rterr.New(rterr.KindShutdownPlugin, e.PluginID(), "shutdown", err)
				r.log.Errorw("msg", "plugin shutdown failed", "plugin_id", e.PluginID(), "err", err)
				mu.Lock()
				result = multierror.Append(result, tagged)
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()

	if result == nil {
		return nil
	}
	return result
}
