package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowplug/runtime/plugin"
)

func TestRemoteProxyDefinitionInvokesOverHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req invokeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(invokeResponse{Result: "echo:" + req.Procedure})
	}))
	defer server.Close()

	def := newRemoteProxyDefinition(server.URL, "desc", []manifestProcRef{{Name: "greet"}}, server.Client())
	def.SetID("greeter")

	router, err := def.CreateRouter(context.Background(), nil)
	if err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}
	handler, ok := router["greet"]
	if !ok {
		t.Fatalf("expected a router entry for greet")
	}
	out, err := handler(context.Background(), plugin.HandlerInput{Input: map[string]any{"name": "ada"}})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if out != "echo:greet" {
		t.Errorf("got %v, want %q", out, "echo:greet")
	}
}

func TestRemoteProxyDefinitionSurfacesRemoteError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(invokeResponse{Error: "remote failure"})
	}))
	defer server.Close()

	def := newRemoteProxyDefinition(server.URL, "desc", []manifestProcRef{{Name: "greet"}}, server.Client())
	router, _ := def.CreateRouter(context.Background(), nil)

	_, err := router["greet"](context.Background(), plugin.HandlerInput{})
	if err == nil {
		t.Fatalf("expected the remote-declared error to surface")
	}
}

func TestRemoteProxyDefinitionContractMarksStreamable(t *testing.T) {
	def := newRemoteProxyDefinition("http://x", "desc", []manifestProcRef{
		{Name: "poll", Streamable: true},
		{Name: "ping", Streamable: false},
	}, http.DefaultClient)

	contract := def.Contract()
	if !contract["poll"].Streamable {
		t.Errorf("expected poll to be marked streamable")
	}
	if contract["ping"].Streamable {
		t.Errorf("expected ping to be marked non-streamable")
	}
}
