package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/flowplug/runtime/plugin"
	"github.com/flowplug/runtime/rterr"
)

// AnySchema validates any value, used for remote-proxied procedures whose
// real schema enforcement happens on the remote side; the local contract
// only needs to know a procedure's name and streamable marker to build a
// router/client surface around it.
type AnySchema struct{}

func (AnySchema) Validate(any) error { return nil }

// remoteProxyDefinition implements plugin.Definition by forwarding every
// call to a remote process over HTTP+JSON, keyed off the manifest fetched
// by NetworkLoader. It models the realistic shape of "remote module
// loading" in Go: the constructor cannot pull foreign code into this
// process, so the definition it builds is a thin RPC client instead.
type remoteProxyDefinition struct {
	id          string
	invokeURL   string
	description string
	procs       []manifestProcRef
	client      *http.Client
}

func newRemoteProxyDefinition(invokeURL, description string, procs []manifestProcRef, client *http.Client) *remoteProxyDefinition {
	return &remoteProxyDefinition{invokeURL: invokeURL, description: description, procs: procs, client: client}
}

func (d *remoteProxyDefinition) ID() string       { return d.id }
func (d *remoteProxyDefinition) SetID(id string)  { d.id = id }
func (d *remoteProxyDefinition) StateSchema() plugin.Schema { return AnySchema{} }

func (d *remoteProxyDefinition) Contract() plugin.Contract {
	c := make(plugin.Contract, len(d.procs))
	for _, p := range d.procs {
		c[p.Name] = plugin.ProcedureDescriptor{
			Name:         p.Name,
			InputSchema:  AnySchema{},
			OutputSchema: AnySchema{},
			Streamable:   p.Streamable,
			StateSchema:  AnySchema{},
		}
	}
	return c
}

func (d *remoteProxyDefinition) ConfigSchema() plugin.ConfigSchema {
	return plugin.ConfigSchema{Variables: AnySchema{}, Secrets: AnySchema{}}
}

// Initialize for a remote proxy has nothing local to set up beyond
// recording the config for outbound requests; the remote process owns its
// own state.
func (d *remoteProxyDefinition) Initialize(_ context.Context, cfg plugin.Config) (any, error) {
	return cfg, nil
}

func (d *remoteProxyDefinition) Shutdown(context.Context) error { return nil }

func (d *remoteProxyDefinition) CreateRouter(_ context.Context, pluginContext any) (plugin.Router, error) {
	router := make(plugin.Router, len(d.procs))
	for _, p := range d.procs {
		name := p.Name
		router[name] = func(ctx context.Context, in plugin.HandlerInput) (any, error) {
			return d.invoke(ctx, name, in, pluginContext)
		}
	}
	return router, nil
}

type invokeRequest struct {
	Procedure string `json:"procedure"`
	Input     any    `json:"input"`
	Config    any    `json:"config"`
}

type invokeResponse struct {
	Result any    `json:"result"`
	Error  string `json:"error"`
}

// invoke is where a genuine procedure-execution fault originates for a
// remote-proxied plugin: an HTTP transport failure, a non-2xx response, or a
// decode failure. Each is classified per spec section 7's "classification
// rules for faults bubbling up from procedure execution" and returned as a
// *Fault carrying the verdict, rather than a bare error with no retry
// signal.
func (d *remoteProxyDefinition) invoke(ctx context.Context, procedure string, in plugin.HandlerInput, cfg any) (any, error) {
	payload, err := json.Marshal(invokeRequest{Procedure: procedure, Input: in.Input, Config: cfg})
	if err != nil {
		return nil, &Fault{PluginID: d.id, RemoteURL: d.invokeURL, Cause: fmt.Errorf("encode request: %w", err), Retryable: false}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.invokeURL, bytes.NewReader(payload))
	if err != nil {
		return nil, &Fault{PluginID: d.id, RemoteURL: d.invokeURL, Cause: fmt.Errorf("build request: %w", err), Retryable: false}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		cause := fmt.Errorf("invoke %s: %w", procedure, err)
		return nil, &Fault{PluginID: d.id, RemoteURL: d.invokeURL, Cause: cause, Retryable: rterr.ClassifyCause(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		cause := fmt.Errorf("invoke %s: status %d", procedure, resp.StatusCode)
		return nil, &Fault{PluginID: d.id, RemoteURL: d.invokeURL, Cause: cause, Retryable: rterr.ClassifyHTTPStatus(resp.StatusCode)}
	}

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		cause := fmt.Errorf("decode response: %w", err)
		return nil, &Fault{PluginID: d.id, RemoteURL: d.invokeURL, Cause: cause, Retryable: false}
	}
	if out.Error != "" {
		cause := fmt.Errorf("%s: %s", procedure, out.Error)
		return nil, &Fault{PluginID: d.id, RemoteURL: d.invokeURL, Cause: cause, Retryable: rterr.ClassifyCause(cause)}
	}
	return out.Result, nil
}
