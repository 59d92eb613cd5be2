package oauth

import (
	"fmt"

	"github.com/prperemyshlev/mailbox-connections/internal/domain"
)

// Registry resolves OAuth providers by name
type Registry struct {
	providers map[domain.Provider]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[domain.Provider]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider registered under name. IMAP and unknown names are invalid input.
func (r *Registry) Get(name domain.Provider) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%q is not an OAuth provider: %w", name, domain.ErrInvalidInput)
	}
	return p, nil
}
