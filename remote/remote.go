// Package remote implements the remote loader adapter from spec section
// 4.4: the two-operation interface (registerRemote, loadConstructor) the
// plugin loader consumes, an in-memory variant for tests, and a
// network-backed implementation. Grounded on subscribe/loader.go and
// pkg/grpcx/grpcx.go in the teacher, which resolve a remote endpoint and
// dial it before handing back a usable client.
package remote

import (
	"context"
	"strings"

	"github.com/flowplug/runtime/plugin"
)

// Fault is the faulted result both Loader operations may return, matching
// "{ pluginId, remoteUrl, cause }" from spec section 6.
type Fault struct {
	PluginID  string
	RemoteURL string
	Cause     error
	Retryable bool
}

func (f *Fault) Error() string {
	return "remote: plugin " + f.PluginID + " at " + f.RemoteURL + ": " + f.Cause.Error()
}

func (f *Fault) Unwrap() error { return f.Cause }

// RetryableSignal implements rterr.RetryableSignaler, so a Fault's own
// classification (computed against the transport error or HTTP status it
// actually observed) is trusted instead of re-derived from its formatted
// message when it crosses into the runtime's error taxonomy (e.g. via the
// streaming driver).
func (f *Fault) RetryableSignal() bool { return f.Retryable }

// Loader is the interface the plugin loader consumes (spec section 4.4).
type Loader interface {
	// RegisterRemote is idempotent and may validate reachability; transient
	// network faults should set Fault.Retryable = true.
	RegisterRemote(ctx context.Context, id, url string) error
	// LoadConstructor returns a constructible value for id at url.
	LoadConstructor(ctx context.Context, id, url string) (plugin.Constructor, error)
}

// NormalizeName applies the deterministic name normalization spec section
// 4.4 requires: lowercase, strip a leading "@", replace "/" with "_". This
// must match whatever build-time convention exposes the remote, so both
// InMemoryLoader (tests) and NetworkLoader (production) route through it.
func NormalizeName(id string) string {
	id = strings.ToLower(id)
	id = strings.TrimPrefix(id, "@")
	return strings.ReplaceAll(id, "/", "_")
}

// ManifestFilename is the default canonical manifest filename appended to
// a remoteUrl with no file extension. It is never hard-coded into the
// loader itself; NetworkLoader carries it as a configurable field (the
// "configuration of the adapter" decision recorded in SPEC_FULL.md).
const ManifestFilename = "remoteEntry.js"
