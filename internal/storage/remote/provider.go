package remote

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrNoEndpoints indicates the provider returned no endpoints for a service.
var ErrNoEndpoints = errors.New("remote: no endpoints available")

// EndpointProvider lists reachable endpoints (host:port) for a
// fully-qualified gRPC service name. Implementations must be safe for
// concurrent use.
type EndpointProvider interface {
	Endpoints(ctx context.Context, service string) ([]string, error)
}

// StaticEndpoints is a provider backed by an in-memory map from service
// name to endpoints.
type StaticEndpoints struct {
	mu   sync.RWMutex
	data map[string][]string
}

func NewStaticEndpoints(m map[string][]string) *StaticEndpoints {
	cp := make(map[string][]string, len(m))
	for k, v := range m {
		cp[k] = append([]string(nil), v...)
	}
	return &StaticEndpoints{data: cp}
}

// Set replaces the endpoints of service.
func (s *StaticEndpoints) Set(service string, endpoints ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[service] = append([]string(nil), endpoints...)
}

func (s *StaticEndpoints) Endpoints(_ context.Context, service string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.data[service]
	if len(arr) == 0 {
		return nil, errors.Wrapf(ErrNoEndpoints, "%s", service)
	}
	return append([]string(nil), arr...), nil
}
