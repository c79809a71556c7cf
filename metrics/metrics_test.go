package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeGatherer struct{ g prometheus.Gatherer }

func (f fakeGatherer) MetricsGatherer() prometheus.Gatherer { return f.g }

type notAGatherer struct{}

func TestRegisterGathererIgnoresNonGatherers(t *testing.T) {
	m := New()
	m.RegisterGatherer(notAGatherer{})
	families, err := m.Gatherers().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected the runtime's own collectors to still be present")
	}
}

func TestRegisterGathererAddsCollectors(t *testing.T) {
	m := New()
	custom := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "plugin_custom_total", Help: "test"})
	counter.Inc()
	custom.MustRegister(counter)

	m.RegisterGatherer(fakeGatherer{g: custom})

	families, err := m.Gatherers().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, fam := range families {
		if fam.GetName() == "plugin_custom_total" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected the plugin-contributed collector to appear in Gatherers()")
	}
}

func TestRegisterGathererIgnoresNilGatherer(t *testing.T) {
	m := New()
	m.RegisterGatherer(fakeGatherer{g: nil})
	families, err := m.Gatherers().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected base collectors still present")
	}
}
