package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNetworkLoaderNormalizeURLAppendsManifestFilename(t *testing.T) {
	l := NewNetworkLoader(nil)
	got := l.NormalizeURL("https://plugins.example.com/greeter")
	want := "https://plugins.example.com/greeter/" + ManifestFilename
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNetworkLoaderNormalizeURLLeavesExplicitFilesAlone(t *testing.T) {
	l := NewNetworkLoader(nil)
	got := l.NormalizeURL("https://plugins.example.com/greeter/manifest.json")
	if got != "https://plugins.example.com/greeter/manifest.json" {
		t.Errorf("expected an explicit filename to be left untouched, got %q", got)
	}
}

func TestResolvePolarisPassesNonPolarisURLsThrough(t *testing.T) {
	l := NewNetworkLoader(nil)
	got, err := l.resolvePolaris(context.Background(), "https://plugins.example.com/greeter")
	if err != nil {
		t.Fatalf("resolvePolaris: %v", err)
	}
	if got != "https://plugins.example.com/greeter" {
		t.Errorf("expected a non-polaris URL to pass through unchanged, got %q", got)
	}
}

func TestResolvePolarisRequiresAConfiguredResolver(t *testing.T) {
	l := NewNetworkLoader(nil)
	_, err := l.resolvePolaris(context.Background(), "polaris://greeter-service/manifest.json")
	if err == nil {
		t.Fatalf("expected a polaris-scheme URL with no Resolver configured to fail")
	}
}

func TestNetworkLoaderRegisterRemoteRejectsUnresolvablePolarisURL(t *testing.T) {
	l := NewNetworkLoader(nil)
	err := l.RegisterRemote(context.Background(), "greeter", "polaris://greeter-service")
	if err == nil {
		t.Fatalf("expected RegisterRemote to fail for a polaris URL with no Resolver configured")
	}
	fault, ok := err.(*Fault)
	if !ok {
		t.Fatalf("expected a *Fault, got %T", err)
	}
	if fault.Retryable {
		t.Errorf("expected a missing-resolver configuration error to be non-retryable")
	}
}

func TestNetworkLoaderLoadConstructorRejectsUnresolvablePolarisURL(t *testing.T) {
	l := NewNetworkLoader(nil)
	_, err := l.LoadConstructor(context.Background(), "greeter", "polaris://greeter-service")
	if err == nil {
		t.Fatalf("expected LoadConstructor to fail for a polaris URL with no Resolver configured")
	}
}

func TestNetworkLoaderLoadConstructorFetchesManifest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(manifest{
			ID:          "greeter",
			InvokeURL:   "http://remote.invalid/invoke",
			Description: "says hello",
			Procedures:  []manifestProcRef{{Name: "greet", Streamable: false}},
		})
	}))
	defer server.Close()

	l := NewNetworkLoader(nil)
	ctor, err := l.LoadConstructor(context.Background(), "greeter", server.URL+"/manifest.json")
	if err != nil {
		t.Fatalf("LoadConstructor: %v", err)
	}
	def := ctor()
	contract := def.Contract()
	if _, ok := contract["greet"]; !ok {
		t.Fatalf("expected the manifest's procedure to appear in the built definition's contract")
	}
}

func TestNetworkLoaderLoadConstructorRejectsNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	l := NewNetworkLoader(nil)
	_, err := l.LoadConstructor(context.Background(), "missing", server.URL+"/manifest.json")
	if err == nil {
		t.Fatalf("expected a fault for a non-200 manifest fetch")
	}
	fault, ok := err.(*Fault)
	if !ok || fault.Retryable {
		t.Fatalf("expected a non-retryable *Fault, got %v", err)
	}
}

func TestNetworkLoaderLoadConstructorVerifiesSignatureWhenConfigured(t *testing.T) {
	secret := []byte("shared-secret")
	body, _ := json.Marshal(manifest{InvokeURL: "http://remote.invalid/invoke"})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Manifest-Signature", "not-a-valid-jwt")
		_, _ = w.Write(body)
	}))
	defer server.Close()

	l := NewNetworkLoader(NewManifestVerifier(secret))
	_, err := l.LoadConstructor(context.Background(), "p", server.URL+"/manifest.json")
	if err == nil {
		t.Fatalf("expected manifest signature verification to fail")
	}
}

func TestNetworkLoaderLoadConstructorRejectsMissingInvokeURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(manifest{ID: "p"})
	}))
	defer server.Close()

	l := NewNetworkLoader(nil)
	_, err := l.LoadConstructor(context.Background(), "p", server.URL+"/manifest.json")
	if err == nil {
		t.Fatalf("expected a fault when the manifest has no invokeUrl")
	}
}
