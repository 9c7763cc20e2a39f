package workload

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/jobrunner/internal/model"
)

// Registry holds the workloads the engine can dispatch, keyed by command.
type Registry struct {
	mu        sync.RWMutex
	workloads map[model.Command]Workload
}

// NewRegistry creates an empty workload registry.
func NewRegistry() *Registry {
	return &Registry{
		workloads: make(map[model.Command]Workload),
	}
}

// NewDefaultRegistry returns a registry with the built-in gcd, prime, sum
// and echo workloads registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(model.CommandGCD, GCDWorkload)
	r.Register(model.CommandPrime, PrimeWorkload)
	r.Register(model.CommandSum, SumWorkload)
	r.Register(model.CommandEcho, EchoWorkload)
	return r
}

// Register adds a workload under the given command, replacing any existing one.
func (r *Registry) Register(cmd model.Command, w Workload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workloads[cmd] = w
}

// Resolve returns the workload registered for cmd.
func (r *Registry) Resolve(cmd model.Command) (Workload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workloads[cmd]
	if !ok {
		return nil, fmt.Errorf("workload %q is not registered", cmd)
	}
	return w, nil
}

// List returns the registered command names, sorted for a stable API response.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.workloads))
	for cmd := range r.workloads {
		names = append(names, string(cmd))
	}
	sort.Strings(names)
	return names
}
