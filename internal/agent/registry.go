package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/echelon-core/echelon/internal/domain"
)

// Registry manages the archetype policy set. It is safe for concurrent use.
type Registry struct {
	policies map[domain.Archetype]Policy
	mu       sync.RWMutex
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		policies: make(map[domain.Archetype]Policy),
	}
}

// DefaultRegistry returns a Registry with all four archetypes installed
// under their default parameters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewShark(DefaultSharkParams()))
	r.Register(NewSpy(DefaultSpyParams()))
	r.Register(NewDiplomat(DefaultDiplomatParams()))
	r.Register(NewSaboteur(DefaultSaboteurParams()))
	return r
}

// Register adds a policy under its archetype. An existing policy for the
// same archetype is replaced.
func (r *Registry) Register(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Archetype()] = p
}

// Get retrieves the policy for an archetype.
func (r *Registry) Get(a domain.Archetype) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[a]
	if !ok {
		return nil, fmt.Errorf("archetype %q: not registered", a)
	}
	return p, nil
}

// List returns the registered archetypes in sorted order.
func (r *Registry) List() []domain.Archetype {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.policies))
	for a := range r.policies {
		names = append(names, string(a))
	}
	sort.Strings(names)
	out := make([]domain.Archetype, len(names))
	for i, n := range names {
		out[i] = domain.Archetype(n)
	}
	return out
}
