package payments

import (
	"fmt"

	"schoolpay/internal/providers"
)

// Registry is the single source of truth for method-to-adapter binding. New
// providers are added by registering one adapter, not by editing call sites.
type Registry struct {
	adapters map[Method]providers.Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Method]providers.Adapter)}
}

func (r *Registry) Register(method Method, adapter providers.Adapter) {
	r.adapters[method] = adapter
}

func (r *Registry) Resolve(method Method) (providers.Adapter, error) {
	adapter, ok := r.adapters[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	return adapter, nil
}
