// Package runtime is the public entry point described in spec section
// 4.1: it holds the cache, delegates to the loader, and returns
// useResult bundles. Grounded on app/plugin_manager.go and
// app/plugin_lifecycle.go in the teacher, which play the same
// coordinating role over a plugin map and a lifecycle registry.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/hashicorp/go-multierror"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/flowplug/runtime/cache"
	"github.com/flowplug/runtime/internal/rtlog"
	"github.com/flowplug/runtime/internal/tracing"
	"github.com/flowplug/runtime/lifecycle"
	"github.com/flowplug/runtime/loader"
	"github.com/flowplug/runtime/metrics"
	"github.com/flowplug/runtime/plugin"
	"github.com/flowplug/runtime/registry"
	"github.com/flowplug/runtime/remote"
	"github.com/flowplug/runtime/router"
	"github.com/flowplug/runtime/rterr"
)

// Metadata mirrors loader.Metadata for callers that should not need to
// import the loader package directly.
type Metadata = loader.Metadata

// Initialized exposes "{ plugin, config, context, scope, metadata }" from
// spec section 6's useResult bundle, for callers that need the execution
// context (e.g. to bind it into an HTTP handler).
type Initialized = loader.Initialized

// Bundle is the useResult value from spec section 4.1:
// "{ client, router, metadata, initialized }".
type Bundle struct {
	Client      *router.Client
	Router      plugin.Router
	Metadata    Metadata
	Initialized *Initialized
}

// Config is what callers pass to UsePlugin: the raw variables/secrets
// config tree and the flat secret values used for hydration.
type Config struct {
	Variables    map[string]any
	Secrets      map[string]any
	SecretValues map[string]string
}

func (c Config) toPluginConfig() plugin.Config {
	return plugin.Config{Variables: c.Variables, Secrets: c.Secrets}
}

// Runtime is the public façade from spec section 4.1.
type Runtime struct {
	loader   *loader.Loader
	registry *registry.Registry
	cache    *cache.InstanceCache
	life     *lifecycle.Registry
	metrics  *metrics.Registry
	log      *log.Helper

	tracerProvider *sdktrace.TracerProvider

	shutdownOnce sync.Once
	shutdown32   atomic.Bool
}

// Option configures New.
type Option func(*Runtime)

// WithMetrics attaches a metrics.Registry; without it, metrics are not
// collected.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithLogger overrides the default logging sink.
func WithLogger(l *log.Helper) Option {
	return func(r *Runtime) { r.log = l }
}

// WithTracing installs an go.opentelemetry.io/otel/sdk TracerProvider as the
// global default, so the spans router.Client and stream.Subscription emit
// around every invocation (spec section 4.5/4.6) are actually sampled and
// exported rather than discarded by the no-op provider. serviceName tags the
// provider's resource attributes. Without this option the runtime leaves
// whatever TracerProvider the host application has already installed (or
// the global no-op) in place, which is the right default for a library
// embedded in a host that runs its own tracing setup.
func WithTracing(ctx context.Context, serviceName string) Option {
	return func(r *Runtime) {
		provider, err := tracing.Install(ctx, serviceName, r.log)
		if err != nil {
			r.log.Errorw("msg", "failed to install tracer provider", "err", err)
			return
		}
		r.tracerProvider = provider
	}
}

// New builds a Runtime over reg (the plugin descriptor registry) and
// remoteLoader (the remote loader adapter; use remote.NewInMemoryLoader
// for tests). Cache capacity/TTL use the spec defaults
// (cache.DefaultCapacity, cache.DefaultTTL).
func New(reg *registry.Registry, remoteLoader remote.Loader, opts ...Option) *Runtime {
	r := &Runtime{
		registry: reg,
		log:      rtlog.New("runtime"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.life = lifecycle.New(r.log)
	r.loader = loader.New(reg, remoteLoader, r.log)
	r.cache = cache.New(cache.DefaultCapacity, cache.DefaultTTL, r.evictEntry, r.log)
	return r
}

// evictEntry is cache.Evictor: it runs the mandated shutdown ordering
// contract (spec section 4.7) for any entry dropped by the TTL reaper,
// capacity eviction, or an explicit Evict call. Clear does not call it;
// Shutdown tears entries down through the lifecycle registry instead.
func (r *Runtime) evictEntry(ctx context.Context, key string, value cache.Value) {
	initialized, ok := value.(*loader.Initialized)
	if !ok {
		return
	}
	r.life.Unregister(key)
	if err := initialized.ShutdownPlugin(ctx); err != nil {
		r.log.Errorw("msg", "shutdown failed during eviction", "key", key, "err", err)
	}
}

// UsePlugin runs spec section 4.1's usePlugin(id, config): a single-flight
// cache lookup keyed by "{pluginId}:{structuralHash(config)}", loading,
// instantiating, and initializing on a miss.
func (r *Runtime) UsePlugin(ctx context.Context, id string, cfg Config) (*Bundle, error) {
	if r.shutdown32.Load() {
		return nil, rterr.New(rterr.KindCacheLookup, id, "use-plugin", fmt.Errorf("runtime has been shut down"))
	}
	if _, ok := r.registry.Lookup(id); !ok {
		return nil, rterr.New(rterr.KindValidatePluginID, id, "use-plugin", fmt.Errorf("plugin %q is not registered", id))
	}

	key, err := cache.Key(id, cfg.toPluginConfig())
	if err != nil {
		return nil, rterr.New(rterr.KindCacheLookup, id, "use-plugin", err)
	}

	if _, hit := r.cache.Peek(key); hit {
		if r.metrics != nil {
			r.metrics.CacheHits.Inc()
		}
	} else if r.metrics != nil {
		r.metrics.CacheMisses.Inc()
	}

	value, err := r.cache.GetOrLoad(ctx, key, func(ctx context.Context) (cache.Value, error) {
		initialized, err := r.buildInitialized(ctx, id, cfg, key)
		if err != nil {
			if r.metrics != nil {
				r.metrics.InitializeFailures.Inc()
			}
			return nil, err
		}
		if r.metrics != nil {
			r.metrics.Initializations.Inc()
		}
		return initialized, nil
	})
	if err != nil {
		return nil, err
	}

	initialized := value.(*loader.Initialized)
	return r.bundleFor(ctx, initialized)
}

func (r *Runtime) buildInitialized(ctx context.Context, id string, cfg Config, key string) (*loader.Initialized, error) {
	loaded, err := r.loader.LoadPlugin(ctx, id)
	if err != nil {
		return nil, err
	}
	instance, err := r.loader.InstantiatePlugin(id, loaded)
	if err != nil {
		return nil, err
	}
	initialized, err := r.loader.InitializePlugin(ctx, instance, cfg.toPluginConfig(), cfg.SecretValues)
	if err != nil {
		return nil, err
	}
	initialized = initialized.WithKey(key)
	r.life.Register(initialized)
	if r.metrics != nil {
		r.metrics.RegisterGatherer(initialized.Plugin)
	}
	return initialized, nil
}

func (r *Runtime) bundleFor(ctx context.Context, initialized *loader.Initialized) (*Bundle, error) {
	rt, client, err := router.New(ctx, initialized.Metadata.PluginID, initialized.Plugin, initialized.Context)
	if err != nil {
		return nil, err
	}
	client.Metrics = r.metrics
	return &Bundle{
		Client:      client,
		Router:      rt,
		Metadata:    initialized.Metadata,
		Initialized: initialized,
	}, nil
}

// LoadPlugin exposes loadPlugin individually, bypassing the cache, for
// advanced users (spec section 4.1).
func (r *Runtime) LoadPlugin(ctx context.Context, id string) (*loader.Loaded, error) {
	return r.loader.LoadPlugin(ctx, id)
}

// InstantiatePlugin exposes instantiatePlugin individually.
func (r *Runtime) InstantiatePlugin(id string, loaded *loader.Loaded) (*loader.Instance, error) {
	return r.loader.InstantiatePlugin(id, loaded)
}

// InitializePlugin exposes initializePlugin individually. The caller is
// responsible for registering the result with the lifecycle registry (via
// UsePlugin's cached path) if it wants coordinated shutdown coverage;
// bypass-cache instances are the caller's own responsibility to close.
func (r *Runtime) InitializePlugin(ctx context.Context, instance *loader.Instance, cfg Config) (*loader.Initialized, error) {
	return r.loader.InitializePlugin(ctx, instance, cfg.toPluginConfig(), cfg.SecretValues)
}

// EvictPlugin removes the cache entry for (id, cfg); if present and
// initialized, its scope is closed and shutdown() is invoked. Eviction is
// idempotent (spec section 4.1).
func (r *Runtime) EvictPlugin(ctx context.Context, id string, cfg Config) (bool, error) {
	key, err := cache.Key(id, cfg.toPluginConfig())
	if err != nil {
		return false, rterr.New(rterr.KindCacheLookup, id, "evict-plugin", err)
	}
	return r.cache.Evict(ctx, key), nil
}

// Shutdown triggers cleanup across the lifecycle registry, closes all live
// scopes concurrently, swallows individual shutdown failures (they are
// logged, never returned), and clears the cache. After Shutdown the runtime
// must not be used again (spec section 4.1).
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.shutdown32.Store(true)
		if err := r.life.Cleanup(ctx); err != nil {
			r.log.Errorw("msg", "plugin shutdown failed during runtime shutdown", "err", err)
		}
		r.cache.Clear(ctx)
		if r.tracerProvider != nil {
			if err := r.tracerProvider.Shutdown(ctx); err != nil {
				r.log.Errorw("msg", "tracer provider shutdown failed", "err", err)
			}
		}
	})
	return nil
}

// WarmAllConcurrency bounds how many ids WarmAll initializes at once.
const WarmAllConcurrency = 8

// WarmAll runs UsePlugin for every id concurrently (bounded by
// WarmAllConcurrency), so a host application can pay the cold-initialization
// cost for a known set of plugins up front rather than on first use. Unlike
// UsePlugin, a single id's failure does not abort the others; every failure
// is collected and returned together.
func (r *Runtime) WarmAll(ctx context.Context, cfgs map[string]Config) error {
	type outcome struct {
		id  string
		err error
	}

	sem := make(chan struct{}, WarmAllConcurrency)
	results := make(chan outcome, len(cfgs))
	var wg sync.WaitGroup

	for id, cfg := range cfgs {
		id, cfg := id, cfg
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			_, err := r.UsePlugin(ctx, id, cfg)
			results <- outcome{id: id, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var failed *multierror.Error
	for res := range results {
		if res.err != nil {
			failed = multierror.Append(failed, fmt.Errorf("warm %q: %w", res.id, res.err))
		}
	}
	if failed != nil {
		return failed
	}
	return nil
}

// Metrics returns the attached metrics.Registry, or nil if none was
// configured via WithMetrics.
func (r *Runtime) Metrics() *metrics.Registry { return r.metrics }

// Registry returns the underlying plugin descriptor registry.
func (r *Runtime) Registry() *registry.Registry { return r.registry }
