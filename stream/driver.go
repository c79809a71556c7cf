// Package stream implements the streaming driver from spec section 4.6:
// it turns a streamable procedure into a finite, bounded, cancellable
// sequence of items, enforcing the termination rules in their exact
// specified order. Grounded on the cursor-driven polling loop pattern the
// teacher's plug/redis SCAN adapter uses (repeated calls threading a
// cursor/state value forward until exhaustion), generalized here to an
// arbitrary plugin procedure and instrumented with
// go.opentelemetry.io/otel spans per SPEC_FULL.md's domain stack table.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowplug/runtime/internal/rtlog"
	"github.com/flowplug/runtime/plugin"
	"github.com/flowplug/runtime/router"
	"github.com/flowplug/runtime/rterr"
)

const tracerName = "github.com/flowplug/runtime/stream"

// Options configures one streaming subscription, matching spec section
// 4.6's "options.maxInvocations", "options.maxItems",
// "options.stopWhenEmpty", and "options.onStateChange".
type Options struct {
	MaxInvocations int // 0 means unbounded
	MaxItems       int // 0 means unbounded
	StopWhenEmpty  bool
	// OnStateChange is awaited after each iteration and before the sleep;
	// failures are logged and swallowed, never terminating the stream.
	OnStateChange func(ctx context.Context, state plugin.StreamState, items []any) error
	// CancelGrace is carried on the options but the driver does not read
	// it: an in-flight procedure call is cancelled only through the ctx
	// passed to Next, and Next waits for that call to return with no
	// timeout of its own.
	CancelGrace time.Duration
}

func (o Options) cancelGrace() time.Duration {
	if o.CancelGrace > 0 {
		return o.CancelGrace
	}
	return 5 * time.Second
}

// Item is one emitted value together with the invocation index it came
// from, useful for downstream logging/correlation.
type Item struct {
	Value      any
	Invocation int
}

// Subscribe validates the procedure and initial state, then returns a
// cold sequence: no invocation happens until the consumer calls Next.
// Attempting to stream a non-streamable procedure, or supplying an invalid
// initial state, fails here -- never mid-stream (spec section 4.6).
func Subscribe(ctx context.Context, client *router.Client, pluginID, procedure string, input any, initialState any, opts Options) (*Subscription, error) {
	descriptor, ok := client.Procedure(procedure)
	if !ok {
		return nil, rterr.New(rterr.KindStreamPluginValidate, pluginID, "stream-subscribe", fmt.Errorf("unknown procedure %q", procedure)).WithProcedure(procedure)
	}
	if !descriptor.Streamable {
		return nil, rterr.New(rterr.KindStreamPluginValidate, pluginID, "stream-subscribe", fmt.Errorf("procedure %q is not streamable", procedure)).WithProcedure(procedure)
	}
	if descriptor.StateSchema != nil {
		if err := descriptor.StateSchema.Validate(initialState); err != nil {
			return nil, rterr.New(rterr.KindValidateState, pluginID, "stream-subscribe", err).WithProcedure(procedure)
		}
	}

	return &Subscription{
		client:    client,
		pluginID:  pluginID,
		procedure: procedure,
		input:     input,
		state:     initialState,
		opts:      opts,
		log:       rtlog.New("stream"),
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// Subscription is the cold sequence returned by Subscribe. Each Next call
// runs at most one invocation and returns that invocation's batch of items.
type Subscription struct {
	client    *router.Client
	pluginID  string
	procedure string
	input     any
	state     any

	opts   Options
	log    *log.Helper
	tracer trace.Tracer

	invocationCount int
	itemsEmitted    int
	done            bool
	cancelled       bool
}

// Done reports whether the subscription has terminated (by a termination
// rule, cancellation, or an error) and will yield no further items.
func (s *Subscription) Done() bool { return s.done }

// Next runs one iteration of the driver loop: the pre-invocation
// termination checks, then at most one invocation, whose (possibly empty)
// batch it returns. An empty batch with Done() false means the stream is
// still live. A nil, nil return with Done() true means the stream ended
// with nothing further to emit.
func (s *Subscription) Next(ctx context.Context) ([]Item, error) {
	if s.done {
		return nil, nil
	}

	// Rule 1: maxInvocations reached -- stop before executing.
	if s.opts.MaxInvocations > 0 && s.invocationCount >= s.opts.MaxInvocations {
		s.done = true
		return nil, nil
	}
	// Rule 2: maxItems already reached -- stop.
	if s.opts.MaxItems > 0 && s.itemsEmitted >= s.opts.MaxItems {
		s.done = true
		return nil, nil
	}

	batch, err := s.invoke(ctx)
	if err != nil {
		s.done = true
		return nil, err
	}
	s.invocationCount++

	// Rule 4: emit items, respecting maxItems mid-batch.
	items := batch.Items
	if s.opts.MaxItems > 0 {
		remaining := s.opts.MaxItems - s.itemsEmitted
		if remaining < 0 {
			remaining = 0
		}
		if len(items) > remaining {
			items = items[:remaining]
		}
	}
	out := make([]Item, len(items))
	for i, v := range items {
		out[i] = Item{Value: v, Invocation: s.invocationCount}
	}
	s.itemsEmitted += len(items)
	s.state = batch.State.Raw
	if s.client.Metrics != nil && len(items) > 0 {
		s.client.Metrics.StreamItems.WithLabelValues(s.pluginID, s.procedure).Add(float64(len(items)))
	}

	if s.opts.OnStateChange != nil {
		if err := s.opts.OnStateChange(ctx, batch.State, items); err != nil {
			s.log.Warnw("msg", "onStateChange failed, continuing", "plugin_id", s.pluginID, "procedure", s.procedure, "err", err)
		}
	}

	// Rule 5: explicit terminal signal.
	if batch.State.Signal == plugin.PollTerminate {
		s.done = true
		return out, nil
	}
	// Rule 6: stopWhenEmpty fires before any delay is considered, so a
	// positive nextPollMs on an empty terminal batch is never observed
	// (the stopWhenEmpty-vs-delay open question, decided in SPEC_FULL.md).
	if s.opts.StopWhenEmpty && len(batch.Items) == 0 {
		s.done = true
		return out, nil
	}
	// Rule 7: positive delay sleeps after emission, before the next pull.
	if batch.State.Signal == plugin.PollDelay && batch.State.DelayMs > 0 {
		if err := s.sleep(ctx, time.Duration(batch.State.DelayMs)*time.Millisecond); err != nil {
			s.done = true
			return out, err
		}
	}

	return out, nil
}

func (s *Subscription) invoke(ctx context.Context) (plugin.StreamBatch, error) {
	ctx, span := s.tracer.Start(ctx, "plugin.stream/"+s.procedure,
		trace.WithAttributes(
			attribute.String("plugin.id", s.pluginID),
			attribute.String("plugin.procedure", s.procedure),
			attribute.Int("plugin.stream.invocation", s.invocationCount),
		))
	defer span.End()

	mergedInput := mergeState(s.input, s.state)
	result, err := s.client.Call(ctx, s.procedure, mergedInput)
	if err != nil {
		span.RecordError(err)
		// Spec section 7: "Streaming emits the error tagged as
		// stream-termination and closes the sequence" -- a real failure
		// mid-stream is tagged the same way the "didn't return a
		// StreamBatch" case below is, inheriting retryability from the
		// cause when it's already classified (e.g. a remote.Fault).
		return plugin.StreamBatch{}, rterr.New(rterr.KindStreamTermination, s.pluginID, "stream-invoke", err).
			WithProcedure(s.procedure).
			WithRetryable(rterr.ClassifyCause(err))
	}
	batch, ok := result.(plugin.StreamBatch)
	if !ok {
		err := fmt.Errorf("procedure %q did not return a stream batch", s.procedure)
		span.RecordError(err)
		return plugin.StreamBatch{}, rterr.New(rterr.KindStreamTermination, s.pluginID, "stream-invoke", err).WithProcedure(s.procedure)
	}
	return batch, nil
}

// mergeState builds "{...userInput, state: currentPluginState}" from spec
// section 4.6's invocation model.
func mergeState(input any, state any) any {
	base, _ := input.(map[string]any)
	merged := make(map[string]any, len(base)+1)
	for k, v := range base {
		merged[k] = v
	}
	merged["state"] = state
	return merged
}

// sleep waits for d or for ctx to be cancelled, whichever comes first; a
// cancellation cancels the pending delay as required by spec section 4.6.
func (s *Subscription) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		s.cancelled = true
		return ctx.Err()
	}
}

// Close marks the subscription as abandoned: no further invocations will
// be scheduled and any pending delay is cancelled via the ctx passed to
// Next/invoke by the caller. The driver itself has no background
// goroutine to stop -- Next always runs synchronously within the
// consumer's own pull -- so Close only needs to flip the done flag; an
// in-flight call is cancelled by cancelling the ctx the caller passed to
// Next, which this package's Call plumbing already honors via
// context.Context throughout.
func (s *Subscription) Close() {
	s.done = true
}
