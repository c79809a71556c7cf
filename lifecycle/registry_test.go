package lifecycle

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
)

type fakeEntry struct {
	key      string
	pluginID string
	shutdown func(ctx context.Context) error
	calls    *atomic.Int32
}

func (f *fakeEntry) Key() string      { return f.key }
func (f *fakeEntry) PluginID() string { return f.pluginID }
func (f *fakeEntry) ShutdownPlugin(ctx context.Context) error {
	f.calls.Add(1)
	if f.shutdown != nil {
		return f.shutdown(ctx)
	}
	return nil
}

func TestRegisterUnregisterIdempotent(t *testing.T) {
	r := New(nil)
	calls := &atomic.Int32{}
	e := &fakeEntry{key: "k", pluginID: "p", calls: calls}

	r.Register(e)
	r.Register(e)
	if r.Len() != 1 {
		t.Errorf("expected 1 entry after duplicate Register, got %d", r.Len())
	}

	r.Unregister("k")
	r.Unregister("k")
	if r.Len() != 0 {
		t.Errorf("expected 0 entries after duplicate Unregister, got %d", r.Len())
	}
}

func TestCleanupShutsDownAllAndToleratesFailures(t *testing.T) {
	r := New(nil)
	calls := &atomic.Int32{}

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("p%d", i)
		failing := i == 2
		r.Register(&fakeEntry{
			key:      id,
			pluginID: id,
			calls:    calls,
			shutdown: func(ctx context.Context) error {
				if failing {
					return fmt.Errorf("shutdown failed")
				}
				return nil
			},
		})
	}

	err := r.Cleanup(context.Background())
	if err == nil {
		t.Fatalf("expected an aggregate error since one entry failed")
	}
	if calls.Load() != 5 {
		t.Errorf("expected shutdown invoked on all 5 entries exactly once each, got %d total calls", calls.Load())
	}
	if r.Len() != 0 {
		t.Errorf("expected registry cleared after Cleanup, got %d remaining", r.Len())
	}
}

func TestCleanupOnEmptyRegistryIsNoop(t *testing.T) {
	r := New(nil)
	if err := r.Cleanup(context.Background()); err != nil {
		t.Fatalf("expected nil error on empty registry, got %v", err)
	}
}
