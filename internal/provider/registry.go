package provider

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rebalancer/internal/domain"
)

// Registry holds providers by strategy in registration order. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	order     []domain.Strategy
	providers map[domain.Strategy]Provider
	// allow maps a lowercased wallet address to the strategies it may use.
	// Wallets absent from the map may use every provider.
	allow map[string]map[domain.Strategy]bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[domain.Strategy]Provider),
		allow:     make(map[string]map[domain.Strategy]bool),
	}
}

// Register adds p. A provider with the same strategy is replaced in place.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := p.Strategy()
	if _, ok := r.providers[s]; !ok {
		r.order = append(r.order, s)
	}
	r.providers[s] = p
}

// Get returns the provider for s.
func (r *Registry) Get(s domain.Strategy) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[s]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", s, domain.ErrNotFound)
	}
	return p, nil
}

// AllowWallet restricts wallet to the given strategies.
func (r *Registry) AllowWallet(wallet common.Address, strategies ...domain.Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[domain.Strategy]bool, len(strategies))
	for _, s := range strategies {
		set[s] = true
	}
	r.allow[walletKey(wallet)] = set
}

// ForWallet returns the providers wallet may use, in registration order.
func (r *Registry) ForWallet(wallet common.Address) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, restricted := r.allow[walletKey(wallet)]
	out := make([]Provider, 0, len(r.order))
	for _, s := range r.order {
		if restricted && !set[s] {
			continue
		}
		out = append(out, r.providers[s])
	}
	return out
}

// Strategies lists registered strategies in registration order.
func (r *Registry) Strategies() []domain.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Strategy(nil), r.order...)
}

func walletKey(w common.Address) string { return strings.ToLower(w.Hex()) }
