// Package router implements the contract/router/client adapter from spec
// section 4.5: given an initialized plugin it builds a dispatch table
// (Router) and, from that, a procedure-name-keyed typed Client that
// validates input before dispatch and never wraps a procedure's own
// declared errors. Grounded on pkg/grpcx/grpcx.go's request/response
// wrapping in the teacher and enriched with
// go.opentelemetry.io/otel tracing spans around each invocation, per
// SPEC_FULL.md's domain stack table.
package router

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowplug/runtime/metrics"
	"github.com/flowplug/runtime/plugin"
	"github.com/flowplug/runtime/rterr"
)

// tracerName identifies this package's spans in any configured OTel SDK.
const tracerName = "github.com/flowplug/runtime/router"

// Client is the procedure-name-keyed callable façade from spec section
// 4.5: "a mapping whose keys are the procedure names, each bound to a
// function (input) -> Promise<output>".
type Client struct {
	pluginID string
	contract plugin.Contract
	router   plugin.Router
	pctx     any
	tracer   trace.Tracer

	// Metrics is optional; when set (by the runtime façade via
	// metrics.Registry), every dispatched call increments
	// Metrics.ProcedureCalls. Left nil, calls are not counted.
	Metrics *metrics.Registry
}

// New builds a Router (via definition.CreateRouter) and the Client
// derived from it, bound to one initialized plugin's context.
func New(ctx context.Context, pluginID string, definition plugin.Definition, pluginContext any) (plugin.Router, *Client, error) {
	router, err := definition.CreateRouter(ctx, pluginContext)
	if err != nil {
		return nil, nil, rterr.New(rterr.KindInitializePlugin, pluginID, "create-router", err)
	}
	client := &Client{
		pluginID: pluginID,
		contract: definition.Contract(),
		router:   router,
		pctx:     pluginContext,
		tracer:   otel.Tracer(tracerName),
	}
	return router, client, nil
}

// Call invokes procedure with input, validating input against the
// procedure's declared InputSchema first. Errors the handler itself
// returns are surfaced verbatim, never wrapped, per spec section 4.5;
// only the client's own input-validation failure and an unknown-procedure
// reference are tagged rterr.Errors.
func (c *Client) Call(ctx context.Context, procedure string, input any) (any, error) {
	descriptor, handler, err := c.resolve(procedure)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "plugin.procedure/"+procedure,
		trace.WithAttributes(
			attribute.String("plugin.id", c.pluginID),
			attribute.String("plugin.procedure", procedure),
		))
	defer span.End()

	if descriptor.InputSchema != nil {
		if err := descriptor.InputSchema.Validate(input); err != nil {
			span.RecordError(err)
			return nil, rterr.New(rterr.KindValidateInput, c.pluginID, "call", err).WithProcedure(procedure)
		}
	}

	if c.Metrics != nil {
		c.Metrics.ProcedureCalls.WithLabelValues(c.pluginID, procedure).Inc()
	}

	result, err := handler(ctx, plugin.HandlerInput{Input: input, Context: c.pctx, Errors: descriptor.Errors})
	if err != nil {
		span.RecordError(err)
	}
	return result, err
}

// Procedure returns the contract descriptor for name, for callers (e.g.
// the streaming driver) that need to check Streamable/StateSchema before
// dispatching.
func (c *Client) Procedure(name string) (plugin.ProcedureDescriptor, bool) {
	d, ok := c.contract[name]
	return d, ok
}

// Router returns the underlying dispatch table, suitable for passing to
// external HTTP adapters (spec section 6: "router is the same surface in
// a dispatchable form").
func (c *Client) Router() plugin.Router { return c.router }

func (c *Client) resolve(procedure string) (plugin.ProcedureDescriptor, plugin.ProcedureHandler, error) {
	descriptor, ok := c.contract[procedure]
	if !ok {
		return plugin.ProcedureDescriptor{}, nil, rterr.New(rterr.KindValidateInput, c.pluginID, "call", fmt.Errorf("unknown procedure %q", procedure)).WithProcedure(procedure)
	}
	handler, ok := c.router[procedure]
	if !ok {
		return plugin.ProcedureDescriptor{}, nil, rterr.New(rterr.KindValidateInput, c.pluginID, "call", fmt.Errorf("procedure %q has no router handler", procedure)).WithProcedure(procedure)
	}
	return descriptor, handler, nil
}
