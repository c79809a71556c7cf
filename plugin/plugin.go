// Package plugin defines the contract surface the runtime treats as an
// opaque plugin author: the constructible Definition, its declared Contract,
// and the shapes exchanged across the initialize/createRouter/shutdown
// lifecycle. Grounded on plugins/plugin.go in the teacher (go-lynx/lynx),
// whose Plugin interface plays the same "black box apart from these
// operations" role described in spec section 3.
package plugin

import "context"

// Schema is deliberately opaque, per spec section 1: "the schema/validation
// library and the contract DSL (treat as opaque 'schema' and 'contract'
// values with validate/infer operations)". Any validation library the host
// application prefers can implement it.
type Schema interface {
	// Validate reports whether value conforms to the schema. A non-nil error
	// is surfaced by the caller as the appropriately tagged *rterr.Error.
	Validate(value any) error
}

// ConfigSchema groups the two sub-schemas a plugin's configuration is split
// into: variables (non-secret) and secrets (template sources only).
type ConfigSchema struct {
	Variables Schema
	Secrets   Schema
}

// Config is the validated, structurally-shaped configuration passed to
// Initialize. Variables and Secrets are plain JSON-shaped trees (maps,
// slices, and primitives) so the secrets hydrator and structural hasher can
// walk them generically.
type Config struct {
	Variables map[string]any
	Secrets   map[string]any
}

// PollSignal narrows the tri-state nextPollMs field from spec section 6
// ("a positive number schedules a delay; null terminates the stream;
// missing means no delay") into a concrete Go type, since *int64 alone
// cannot distinguish "absent" from "explicitly null".
type PollSignal int

const (
	// PollNone is the "missing" state: no delay, keep polling immediately.
	PollNone PollSignal = iota
	// PollTerminate is the explicit "null" terminal signal.
	PollTerminate
	// PollDelay carries a positive delay in milliseconds before the next
	// invocation.
	PollDelay
)

// StreamState is the nextState value a streamable procedure returns. Raw
// carries the plugin's own opaque state payload, threaded back into the
// next invocation's input under the "state" key.
type StreamState struct {
	Signal  PollSignal
	DelayMs int64
	Raw     any
}

// NoDelay builds a StreamState with no poll signal and the given plugin
// state, meaning "continue immediately".
func NoDelay(raw any) StreamState { return StreamState{Signal: PollNone, Raw: raw} }

// Terminate builds a StreamState that ends the stream after the current
// batch is emitted.
func Terminate(raw any) StreamState { return StreamState{Signal: PollTerminate, Raw: raw} }

// DelayFor builds a StreamState that sleeps ms milliseconds, after emission,
// before the next invocation.
func DelayFor(ms int64, raw any) StreamState {
	return StreamState{Signal: PollDelay, DelayMs: ms, Raw: raw}
}

// StreamBatch is the result shape for a streamable procedure call: the
// items produced this invocation and the state to carry into the next one.
type StreamBatch struct {
	Items []any
	State StreamState
}

// ProcedureDescriptor declares one named operation on a plugin's contract.
type ProcedureDescriptor struct {
	Name         string
	InputSchema  Schema
	OutputSchema Schema
	// Errors maps a tagged error name to the shape it carries; these pass
	// through the client verbatim per spec section 4.5.
	Errors map[string]Schema
	// Streamable is true iff the output denotes an asynchronous sequence
	// rather than a single value.
	Streamable bool
	// StateSchema validates a caller-supplied initial stream state; only
	// meaningful when Streamable is true.
	StateSchema Schema
	// Route carries optional metadata external HTTP adapters use; the
	// runtime itself never inspects it (spec section 4.5).
	Route map[string]any
}

// Contract is a mapping from procedure name to its descriptor.
type Contract map[string]ProcedureDescriptor

// HandlerInput is what a router handler closure receives for a single
// invocation, matching "{ input, context, errors, signal?, lastEventId? }"
// in spec section 4.5.
type HandlerInput struct {
	Input       any
	Context     any
	Errors      map[string]Schema
	Signal      <-chan struct{}
	LastEventID string
}

// ProcedureHandler is one entry in a Router: given an invocation, it
// returns either a plain value (non-streamable procedures) or a
// *StreamBatch (streamable procedures).
type ProcedureHandler func(ctx context.Context, in HandlerInput) (any, error)

// Router is the dispatch table createRouter produces: procedure name to
// handler, already bound to one initialized plugin's context.
type Router map[string]ProcedureHandler

// Constructor produces a fresh, uninitialized Definition. The runtime
// stamps its id immediately after construction (spec section 4.2,
// instantiatePlugin step 2); the plugin never pre-declares its own id.
type Constructor func() Definition

// Definition is the contract every plugin author implements. The runtime
// treats it as a black box apart from these operations (spec section 3).
type Definition interface {
	ID() string
	SetID(id string)
	Contract() Contract
	ConfigSchema() ConfigSchema
	// StateSchema validates the initial state passed to streaming calls; a
	// plugin with no streamable procedures may return nil.
	StateSchema() Schema
	Initialize(ctx context.Context, cfg Config) (any, error)
	Shutdown(ctx context.Context) error
	CreateRouter(ctx context.Context, pluginContext any) (Router, error)
}

// LegacyDefinition is a Definition written before context.Context was
// threaded through the lifecycle. Adapt wraps one so it satisfies
// Definition, falling back to context.Background() and ignoring
// cancellation for Initialize/Shutdown. Grounded on
// plugins.LifecycleWithContext/ContextAwareness in the teacher, where every
// lifecycle step is context-aware with a graceful fallback to a
// non-context form for older plugins.
type LegacyDefinition interface {
	ID() string
	SetID(id string)
	Contract() Contract
	ConfigSchema() ConfigSchema
	StateSchema() Schema
	Initialize(cfg Config) (any, error)
	Shutdown() error
	CreateRouter(pluginContext any) (Router, error)
}

// Adapt wraps a LegacyDefinition so it satisfies Definition. Cancellation
// of the ctx passed to Initialize/Shutdown has no effect on the legacy
// plugin; it simply runs to completion or failure.
func Adapt(legacy LegacyDefinition) Definition {
	return &legacyAdapter{legacy}
}

type legacyAdapter struct {
	LegacyDefinition
}

func (a *legacyAdapter) Initialize(_ context.Context, cfg Config) (any, error) {
	return a.LegacyDefinition.Initialize(cfg)
}

func (a *legacyAdapter) Shutdown(_ context.Context) error {
	return a.LegacyDefinition.Shutdown()
}

func (a *legacyAdapter) CreateRouter(_ context.Context, pluginContext any) (Router, error) {
	return a.LegacyDefinition.CreateRouter(pluginContext)
}
