package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/flowplug/runtime/plugin"
	"github.com/flowplug/runtime/registry"
	"github.com/flowplug/runtime/remote"
)

type echoPlugin struct {
	id          string
	initCount   int32
	shutdownErr error
	shutdowns   *atomic.Int32
}

func (p *echoPlugin) ID() string           { return p.id }
func (p *echoPlugin) SetID(id string)      { p.id = id }
func (p *echoPlugin) Contract() plugin.Contract {
	return plugin.Contract{
		"echo": {Name: "echo"},
	}
}
func (p *echoPlugin) ConfigSchema() plugin.ConfigSchema { return plugin.ConfigSchema{} }
func (p *echoPlugin) StateSchema() plugin.Schema        { return nil }
func (p *echoPlugin) Initialize(ctx context.Context, cfg plugin.Config) (any, error) {
	p.initCount++
	return cfg.Variables, nil
}
func (p *echoPlugin) Shutdown(context.Context) error {
	if p.shutdowns != nil {
		p.shutdowns.Add(1)
	}
	return p.shutdownErr
}
func (p *echoPlugin) CreateRouter(ctx context.Context, pctx any) (plugin.Router, error) {
	return plugin.Router{
		"echo": func(ctx context.Context, in plugin.HandlerInput) (any, error) {
			return pctx, nil
		},
	}, nil
}

func newTestRuntime(t *testing.T, pluginID string, shutdowns *atomic.Int32) (*Runtime, *remote.InMemoryLoader) {
	t.Helper()
	reg := registry.New(map[string]registry.Descriptor{
		pluginID: {RemoteURL: "mem://" + pluginID},
	})
	mem := remote.NewInMemoryLoader(map[string]plugin.Constructor{
		pluginID: func() plugin.Definition { return &echoPlugin{shutdowns: shutdowns} },
	})
	return New(reg, mem), mem
}

func TestUsePluginUnknownIDFails(t *testing.T) {
	rt, _ := newTestRuntime(t, "known", nil)
	_, err := rt.UsePlugin(context.Background(), "unknown", Config{})
	if err == nil {
		t.Fatalf("expected an error for an unregistered plugin id")
	}
}

func TestUsePluginBasicLifecycle(t *testing.T) {
	rt, _ := newTestRuntime(t, "echo", nil)
	bundle, err := rt.UsePlugin(context.Background(), "echo", Config{Variables: map[string]any{"greeting": "hi"}})
	if err != nil {
		t.Fatalf("UsePlugin: %v", err)
	}
	out, err := bundle.Client.Call(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	m := out.(map[string]any)
	if m["greeting"] != "hi" {
		t.Errorf("got %v, want greeting=hi", m)
	}
}

func TestUsePluginReusesCachedInstanceForIdenticalConfig(t *testing.T) {
	rt, _ := newTestRuntime(t, "echo", nil)
	cfg := Config{Variables: map[string]any{"greeting": "hi"}}

	b1, err := rt.UsePlugin(context.Background(), "echo", cfg)
	if err != nil {
		t.Fatalf("first UsePlugin: %v", err)
	}
	b2, err := rt.UsePlugin(context.Background(), "echo", cfg)
	if err != nil {
		t.Fatalf("second UsePlugin: %v", err)
	}
	if b1.Initialized != b2.Initialized {
		t.Errorf("expected identical cached instance across identical configs")
	}
}

func TestUsePluginBuildsDistinctInstancesForDifferentConfig(t *testing.T) {
	rt, _ := newTestRuntime(t, "echo", nil)

	b1, err := rt.UsePlugin(context.Background(), "echo", Config{Variables: map[string]any{"greeting": "hi"}})
	if err != nil {
		t.Fatalf("first UsePlugin: %v", err)
	}
	b2, err := rt.UsePlugin(context.Background(), "echo", Config{Variables: map[string]any{"greeting": "bye"}})
	if err != nil {
		t.Fatalf("second UsePlugin: %v", err)
	}
	if b1.Initialized == b2.Initialized {
		t.Errorf("expected distinct instances for different configs")
	}
}

func TestEvictPluginRebuildsOnNextUse(t *testing.T) {
	var shutdowns atomic.Int32
	rt, _ := newTestRuntime(t, "echo", &shutdowns)
	cfg := Config{Variables: map[string]any{"greeting": "hi"}}

	b1, err := rt.UsePlugin(context.Background(), "echo", cfg)
	if err != nil {
		t.Fatalf("first UsePlugin: %v", err)
	}

	evicted, err := rt.EvictPlugin(context.Background(), "echo", cfg)
	if err != nil || !evicted {
		t.Fatalf("EvictPlugin: evicted=%v err=%v", evicted, err)
	}
	if shutdowns.Load() != 1 {
		t.Fatalf("expected shutdown invoked once on eviction, got %d", shutdowns.Load())
	}

	b2, err := rt.UsePlugin(context.Background(), "echo", cfg)
	if err != nil {
		t.Fatalf("rebuild UsePlugin: %v", err)
	}
	if b1.Initialized == b2.Initialized {
		t.Errorf("expected a fresh instance after eviction")
	}
}

func TestShutdownTearsDownEveryLiveInstanceExactlyOnce(t *testing.T) {
	var shutdowns atomic.Int32
	reg := registry.New(map[string]registry.Descriptor{
		"a": {RemoteURL: "mem://a"},
		"b": {RemoteURL: "mem://b"},
	})
	mem := remote.NewInMemoryLoader(map[string]plugin.Constructor{
		"a": func() plugin.Definition { return &echoPlugin{shutdowns: &shutdowns} },
		"b": func() plugin.Definition { return &echoPlugin{shutdowns: &shutdowns} },
	})
	rt := New(reg, mem)

	if _, err := rt.UsePlugin(context.Background(), "a", Config{}); err != nil {
		t.Fatalf("UsePlugin a: %v", err)
	}
	if _, err := rt.UsePlugin(context.Background(), "b", Config{}); err != nil {
		t.Fatalf("UsePlugin b: %v", err)
	}

	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if shutdowns.Load() != 2 {
		t.Fatalf("expected exactly 2 shutdown invocations, got %d", shutdowns.Load())
	}

	// A second Shutdown call must not re-invoke shutdown on anything.
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if shutdowns.Load() != 2 {
		t.Fatalf("expected Shutdown to be idempotent, got %d total shutdown calls", shutdowns.Load())
	}
}

func TestUsePluginAfterShutdownFails(t *testing.T) {
	rt, _ := newTestRuntime(t, "echo", nil)
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_, err := rt.UsePlugin(context.Background(), "echo", Config{})
	if err == nil {
		t.Fatalf("expected UsePlugin to fail after Shutdown")
	}
}

func TestWarmAllInitializesEveryIDConcurrently(t *testing.T) {
	reg := registry.New(map[string]registry.Descriptor{
		"a": {RemoteURL: "mem://a"},
		"b": {RemoteURL: "mem://b"},
	})
	mem := remote.NewInMemoryLoader(map[string]plugin.Constructor{
		"a": func() plugin.Definition { return &echoPlugin{} },
		"b": func() plugin.Definition { return &echoPlugin{} },
	})
	rt := New(reg, mem)

	err := rt.WarmAll(context.Background(), map[string]Config{
		"a": {},
		"b": {},
	})
	if err != nil {
		t.Fatalf("WarmAll: %v", err)
	}

	b1, err := rt.UsePlugin(context.Background(), "a", Config{})
	if err != nil {
		t.Fatalf("UsePlugin after WarmAll: %v", err)
	}
	if b1 == nil {
		t.Fatalf("expected a cached bundle for a warmed plugin")
	}
}

func TestWarmAllCollectsPerIDFailures(t *testing.T) {
	reg := registry.New(map[string]registry.Descriptor{
		"good": {RemoteURL: "mem://good"},
	})
	mem := remote.NewInMemoryLoader(map[string]plugin.Constructor{
		"good": func() plugin.Definition { return &echoPlugin{} },
	})
	rt := New(reg, mem)

	err := rt.WarmAll(context.Background(), map[string]Config{
		"good":    {},
		"missing": {},
	})
	if err == nil {
		t.Fatalf("expected WarmAll to report the unregistered id's failure")
	}
}

func TestWithTracingInstallsAndShutsDownProvider(t *testing.T) {
	reg := registry.New(map[string]registry.Descriptor{
		"echo": {RemoteURL: "mem://echo"},
	})
	mem := remote.NewInMemoryLoader(map[string]plugin.Constructor{
		"echo": func() plugin.Definition { return &echoPlugin{} },
	})
	rt := New(reg, mem, WithTracing(context.Background(), "runtime-test"))

	bundle, err := rt.UsePlugin(context.Background(), "echo", Config{Variables: map[string]any{"greeting": "hi"}})
	if err != nil {
		t.Fatalf("UsePlugin: %v", err)
	}
	if _, err := bundle.Client.Call(context.Background(), "echo", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}

	if rt.tracerProvider == nil {
		t.Fatalf("expected WithTracing to install a tracer provider")
	}
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestShutdownSwallowsPerPluginFailures(t *testing.T) {
	var shutdowns atomic.Int32
	reg := registry.New(map[string]registry.Descriptor{
		"broken": {RemoteURL: "mem://broken"},
	})
	mem := remote.NewInMemoryLoader(map[string]plugin.Constructor{
		"broken": func() plugin.Definition { return &echoPlugin{shutdownErr: errors.New("boom"), shutdowns: &shutdowns} },
	})
	rt := New(reg, mem)

	if _, err := rt.UsePlugin(context.Background(), "broken", Config{}); err != nil {
		t.Fatalf("UsePlugin: %v", err)
	}
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected Shutdown to swallow the plugin's shutdown failure, got %v", err)
	}
	if shutdowns.Load() != 1 {
		t.Fatalf("expected the failing plugin's shutdown to run once, got %d", shutdowns.Load())
	}
}
