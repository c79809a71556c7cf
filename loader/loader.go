// Package loader drives the validated lifecycle of a single plugin
// instance: loadPlugin -> instantiatePlugin -> initializePlugin, exactly
// as described in spec section 4.2. Grounded on app/plugin_ops.go and
// boot/plugin_load.go in the teacher, which sequence registry lookup,
// construction, and initialization the same way; retries around the
// remote-loader step use github.com/cenkalti/backoff/v4, the teacher's own
// indirect dependency promoted to direct use here.
package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kratos/kratos/v2/log"

	"github.com/flowplug/runtime/internal/rtlog"
	"github.com/flowplug/runtime/internal/scope"
	"github.com/flowplug/runtime/plugin"
	"github.com/flowplug/runtime/registry"
	"github.com/flowplug/runtime/remote"
	"github.com/flowplug/runtime/rterr"
	"github.com/flowplug/runtime/secrets"
)

// Metadata carries the registry-derived descriptive fields threaded
// through every stage, per spec section 6 ("metadata carries
// registry-derived descriptive fields").
type Metadata struct {
	PluginID    string
	RemoteURL   string
	Version     string
	Description string
	// Defaults is the registry descriptor's variables overlay, applied by
	// InitializePlugin after secrets hydration via secrets.HydrateVariables.
	Defaults map[string]any
}

// Loaded is "{ constructor, metadata }" from spec section 3.
type Loaded struct {
	Constructor plugin.Constructor
	Metadata    Metadata
}

// Instance is "{ plugin, metadata }" from spec section 3: a freshly
// constructed, uninitialized definition with its id stamped.
type Instance struct {
	Plugin   plugin.Definition
	Metadata Metadata
}

// Initialized is "{ plugin, metadata, config, context, scope }" from spec
// section 3, the primary cache value. It implements lifecycle.Entry.
type Initialized struct {
	key      string
	Plugin   plugin.Definition
	Metadata Metadata
	Config   plugin.Config
	Context  any
	Scope    *scope.Scope
}

func (i *Initialized) Key() string      { return i.key }
func (i *Initialized) PluginID() string { return i.Metadata.PluginID }

// ShutdownPlugin runs the ordering contract from spec section 4.7:
// plugin.shutdown() first, then scope.Close() -- "the reverse order is a
// bug: closing the scope first would interrupt the plugin's own shutdown
// mid-flight."
func (i *Initialized) ShutdownPlugin(ctx context.Context) error {
	err := i.Plugin.Shutdown(ctx)
	i.Scope.Close()
	return err
}

// RetryPolicy configures the exponential backoff applied to
// registerRemote, per spec section 7: "~100ms base, up to 2 additional
// retries".
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxRetries uint64
}

// DefaultRetryPolicy matches spec section 7's stated numbers.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxRetries: 2}
}

// Loader orchestrates the three lifecycle steps against a descriptor
// registry and a remote.Loader.
type Loader struct {
	Registry *registry.Registry
	Remote   remote.Loader
	Retry    RetryPolicy
	log      *log.Helper
}

// New builds a Loader. logger may be nil to use the package default sink.
func New(reg *registry.Registry, remoteLoader remote.Loader, logger *log.Helper) *Loader {
	if logger == nil {
		logger = rtlog.New("loader")
	}
	return &Loader{Registry: reg, Remote: remoteLoader, Retry: DefaultRetryPolicy(), log: logger}
}

// LoadPlugin runs spec section 4.2's loadPlugin(id).
func (l *Loader) LoadPlugin(ctx context.Context, id string) (*Loaded, error) {
	descriptor, ok := l.Registry.Lookup(id)
	if !ok {
		return nil, rterr.New(rterr.KindValidatePluginID, id, "load-plugin", fmt.Errorf("plugin %q is not registered", id))
	}

	remoteURL := normalizeManifestURL(descriptor.RemoteURL)
	if nl, ok := l.Remote.(*remote.NetworkLoader); ok {
		remoteURL = nl.NormalizeURL(descriptor.RemoteURL)
	}

	if err := l.registerWithRetry(ctx, id, remoteURL); err != nil {
		return nil, err
	}

	ctor, err := l.Remote.LoadConstructor(ctx, id, remoteURL)
	if err != nil {
		return nil, classifyLoadFault(id, err)
	}

	return &Loaded{
		Constructor: ctor,
		Metadata: Metadata{
			PluginID:    id,
			RemoteURL:   remoteURL,
			Version:     descriptor.Version,
			Description: descriptor.Description,
			Defaults:    descriptor.Defaults,
		},
	}, nil
}

// registerWithRetry wraps registerRemote in an exponential backoff,
// retrying only faults the remote loader marked retryable (spec section
// 7's classification table).
func (l *Loader) registerWithRetry(ctx context.Context, id, remoteURL string) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = l.retryBaseDelay()
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, l.Retry.MaxRetries), ctx)

	var lastErr error
	op := func() error {
		err := l.Remote.RegisterRemote(ctx, id, remoteURL)
		if err == nil {
			lastErr = nil
			return nil
		}
		lastErr = err
		if isRetryableFault(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, policy); err != nil {
		return rterr.New(rterr.KindRegisterRemote, id, "register-remote", lastErr)
	}
	return nil
}

func (l *Loader) retryBaseDelay() time.Duration {
	if l.Retry.BaseDelay > 0 {
		return l.Retry.BaseDelay
	}
	return 100 * time.Millisecond
}

func isRetryableFault(err error) bool {
	if f, ok := err.(*remote.Fault); ok {
		return f.Retryable
	}
	return false
}

// classifyLoadFault always tags loadConstructor failures as load-remote
// and non-retryable, per spec section 7's table -- loadConstructor
// failures are deterministic given a manifest that is missing or
// malformed, regardless of what the adapter's Fault.Retryable said.
func classifyLoadFault(id string, err error) error {
	return rterr.New(rterr.KindLoadRemote, id, "load-remote", err)
}

// normalizeManifestURL appends the canonical manifest filename when
// remoteURL has no file extension, matching spec section 4.2 step 2. The
// actual filename is the adapter's configuration (remote.NetworkLoader
// .ManifestFilename); LoadPlugin uses NetworkLoader.NormalizeURL when its
// remote loader is a *remote.NetworkLoader, and this package-level helper,
// with the package default, for every other (in-memory/testing) loader.
func normalizeManifestURL(remoteURL string) string {
	if hasExtension(remoteURL) {
		return remoteURL
	}
	trimmed := remoteURL
	for len(trimmed) > 0 && trimmed[len(trimmed)-1] == '/' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	return trimmed + "/" + remote.ManifestFilename
}

func hasExtension(url string) bool {
	for i := len(url) - 1; i >= 0; i-- {
		switch url[i] {
		case '.':
			return true
		case '/':
			return false
		}
	}
	return false
}

// InstantiatePlugin runs spec section 4.2's instantiatePlugin(id, loaded).
func (l *Loader) InstantiatePlugin(id string, loaded *Loaded) (inst *Instance, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rterr.New(rterr.KindInstantiatePlugin, id, "instantiate-plugin", fmt.Errorf("constructor panicked: %v", r))
		}
	}()

	def := loaded.Constructor()
	def.SetID(id)
	return &Instance{Plugin: def, Metadata: loaded.Metadata}, nil
}

// InitializePlugin runs spec section 4.2's initializePlugin(instance,
// config): validate -> hydrate -> re-validate -> scope -> initialize. It
// does not register the result with a lifecycle registry; the runtime
// façade's cached UsePlugin path does that after stamping the cache key.
func (l *Loader) InitializePlugin(ctx context.Context, instance *Instance, cfg plugin.Config, secretValues map[string]string) (*Initialized, error) {
	id := instance.Metadata.PluginID
	configSchema := instance.Plugin.ConfigSchema()

	if configSchema.Variables != nil {
		if err := configSchema.Variables.Validate(cfg.Variables); err != nil {
			return nil, rterr.New(rterr.KindValidateConfig, id, "initialize-plugin", err)
		}
	}
	if configSchema.Secrets != nil {
		if err := configSchema.Secrets.Validate(cfg.Secrets); err != nil {
			return nil, rterr.New(rterr.KindValidateSecrets, id, "initialize-plugin", err)
		}
	}

	// Variables get the registry descriptor's defaults overlaid
	// non-destructively after hydration (secrets.HydrateVariables);
	// secrets have no such overlay, so they use the plain hydrator.
	hydratedVariables, err := secrets.HydrateVariables(cfg.Variables, secretValues, instance.Metadata.Defaults)
	if err != nil {
		return nil, rterr.New(rterr.KindValidateConfig, id, "initialize-plugin", fmt.Errorf("apply registry defaults: %w", err))
	}
	hydratedSecretsTree, _ := secrets.Hydrate(cfg.Secrets, secretValues).(map[string]any)
	hydrated := plugin.Config{Variables: hydratedVariables, Secrets: hydratedSecretsTree}

	if configSchema.Variables != nil {
		if err := configSchema.Variables.Validate(hydrated.Variables); err != nil {
			return nil, rterr.New(rterr.KindValidateHydratedConfig, id, "initialize-plugin", err)
		}
	}

	sc := scope.New(ctx)
	pluginCtx, err := instance.Plugin.Initialize(sc.Context(), hydrated)
	if err != nil {
		sc.Close()
		return nil, rterr.New(rterr.KindInitializePlugin, id, "initialize-plugin", err).WithRetryable(rterr.Classify(err))
	}

	key := instance.Metadata.PluginID // caller (runtime façade) overwrites with the full cache key via WithKey
	return (&Initialized{
		key:      key,
		Plugin:   instance.Plugin,
		Metadata: instance.Metadata,
		Config:   hydrated,
		Context:  pluginCtx,
		Scope:    sc,
	}), nil
}

// WithKey stamps the full "{pluginId}:{structuralHash}" cache key onto an
// Initialized value once the caller has computed it, since InitializePlugin
// itself only knows the plugin id.
func (i *Initialized) WithKey(key string) *Initialized {
	i.key = key
	return i
}
