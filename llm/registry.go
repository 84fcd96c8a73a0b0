package llm

import (
	"sync"

	"go.uber.org/zap"
)

// Registry exposes the active provider to the rest of the agent. It owns a
// single cached resolved Provider, invalidated only by UpdateProvider.
//
// The cache is a correctness device, not just a performance one: once a
// provider resolves in this session it stays resolved, so switching
// providers elsewhere in the process never forces re-authentication of a
// still-valid session here.
type Registry struct {
	resolve func() (Provider, error)
	logger  *zap.Logger

	mu     sync.RWMutex
	cached *Provider
}

// NewRegistry creates a registry around a resolver, typically a closure over
// ResolveCatalog plus ProviderConfig.Provider.
func NewRegistry(resolve func() (Provider, error), logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{resolve: resolve, logger: logger}
}

// Provider returns the cached active provider, resolving it on first use.
func (r *Registry) Provider() (Provider, error) {
	r.mu.RLock()
	if r.cached != nil {
		p := *r.cached
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	p, err := r.resolve()
	if err != nil {
		return Provider{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have resolved or updated meanwhile; keep theirs.
	if r.cached == nil {
		r.cached = &p
		r.logger.Info("provider resolved", zap.String("provider", p.ID()))
	}
	return *r.cached, nil
}

// UpdateProvider atomically replaces the cached active provider. Once it
// returns, every subsequent Provider call observes the new value.
func (r *Registry) UpdateProvider(p Provider) {
	r.mu.Lock()
	r.cached = &p
	r.mu.Unlock()
	r.logger.Info("provider updated", zap.String("provider", p.ID()))
}
