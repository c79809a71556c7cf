package remote

import (
	"context"
	"fmt"

	"github.com/polarismesh/polaris-go/api"
)

// PolarisResolver turns a registry descriptor's remoteUrl, when it names a
// Polaris service instead of a literal host, into a concrete manifest URL
// by asking Polaris for a healthy instance. Grounded on the teacher's
// direct polarismesh/polaris-go dependency, used there for Lynx's own
// service-discovery-backed service mesh; here it resolves plugin manifests
// the same way instead of application services.
type PolarisResolver struct {
	Namespace string
	consumer  api.ConsumerAPI
}

// NewPolarisResolver builds a resolver against the default Polaris
// configuration (a local/sidecar agent), scoped to namespace.
func NewPolarisResolver(namespace string) (*PolarisResolver, error) {
	consumer, err := api.NewConsumerAPI()
	if err != nil {
		return nil, fmt.Errorf("remote: init polaris consumer: %w", err)
	}
	return &PolarisResolver{Namespace: namespace, consumer: consumer}, nil
}

// Resolve returns an "http://host:port" manifest base for service, chosen
// by Polaris' own load-balancing policy among healthy instances.
func (r *PolarisResolver) Resolve(_ context.Context, service string) (string, error) {
	req := &api.GetOneInstanceRequest{}
	req.Namespace = r.Namespace
	req.Service = service

	resp, err := r.consumer.GetOneInstance(req)
	if err != nil {
		return "", fmt.Errorf("remote: resolve %s via polaris: %w", service, err)
	}
	instances := resp.GetInstances()
	if len(instances) == 0 {
		return "", fmt.Errorf("remote: polaris returned no healthy instance for %s", service)
	}
	inst := instances[0]
	return fmt.Sprintf("http://%s:%d", inst.GetHost(), inst.GetPort()), nil
}

// Close releases the underlying Polaris consumer.
func (r *PolarisResolver) Close() {
	if r.consumer != nil {
		r.consumer.Destroy()
	}
}
