// Package host provides the agent registry and request dispatcher.
package host

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mcprelay/mcprelay/internal/protocol"
)

// Registry maps agent names to agents. It is built at startup and frozen
// before serving traffic; after Freeze, lookups take no lock.
type Registry struct {
	mu     sync.Mutex
	agents map[string]protocol.Agent
	frozen atomic.Bool
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]protocol.Agent)}
}

// Register adds an agent. It fails with DuplicateAgent when the name is
// taken and with RegistryFrozen after Freeze.
func (r *Registry) Register(agent protocol.Agent) error {
	name := agent.Name()
	if name == "" {
		return protocol.Errorf(protocol.KindBadRequest, "agent name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return protocol.Errorf(protocol.KindRegistryFrozen, "cannot register %q: registry is frozen", name)
	}
	if _, exists := r.agents[name]; exists {
		return protocol.Errorf(protocol.KindDuplicateAgent, "agent %q is already registered", name)
	}
	r.agents[name] = agent
	return nil
}

// MustRegister is like Register but panics on error. It is meant for
// program startup.
func (r *Registry) MustRegister(agents ...protocol.Agent) {
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
}

// Freeze makes the registry read-only. It is idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool { return r.frozen.Load() }

// Resolve returns the agent registered under name.
func (r *Registry) Resolve(name string) (protocol.Agent, bool) {
	if r.frozen.Load() {
		a, ok := r.agents[name]
		return a, ok
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[name]
	return a, ok
}

// List returns metadata for all registered agents, sorted by name.
func (r *Registry) List() []protocol.AgentMetadata {
	agents := r.snapshot()
	metas := make([]protocol.AgentMetadata, 0, len(agents))
	for _, a := range agents {
		metas = append(metas, protocol.MetadataOf(a))
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(r.snapshot())
}

func (r *Registry) snapshot() []protocol.Agent {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	out := make([]protocol.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}
