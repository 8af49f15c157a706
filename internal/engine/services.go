package engine

import (
	"context"
	"fmt"
	"sync"
)

// ServiceFunc handles call_service actions for one registered service.
// The method and resolved args come straight from the action.
type ServiceFunc func(ctx context.Context, method string, args map[string]interface{}) (interface{}, error)

// serviceRegistry maps service names to handlers.
type serviceRegistry struct {
	mu       sync.RWMutex
	services map[string]ServiceFunc
}

func newServiceRegistry() *serviceRegistry {
	return &serviceRegistry{services: make(map[string]ServiceFunc)}
}

func (r *serviceRegistry) register(name string, fn ServiceFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = fn
}

func (r *serviceRegistry) call(ctx context.Context, service, method string, args map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	fn, ok := r.services[service]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("service %q is not registered", service)
	}
	return fn(ctx, method, args)
}
