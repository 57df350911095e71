// Package distributed tracks parameters that take part in sequence-parallel
// gradient reduction.
package distributed

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-rmsnorm/internal/simd"
)

// Param is the view of a parameter the registry needs.
type Param interface {
	ParamName() string
	SetSequenceParallel(bool)
}

// Marker tags a parameter so its gradient is reduced across the
// sequence-parallel group.
type Marker interface {
	MarkSequenceParallel(p Param)
}

// Registry is a concurrency-safe Marker that remembers what it marked.
type Registry struct {
	mu     sync.RWMutex
	params map[string]Param
}

// DefaultRegistry is used by layers that are not given a Marker.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{params: make(map[string]Param)}
}

func (r *Registry) MarkSequenceParallel(p Param) {
	p.SetSequenceParallel(true)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.params[p.ParamName()]; ok {
		log.Warn().Str("param", p.ParamName()).Msg("Parameter name already marked sequence-parallel, replacing")
	}
	r.params[p.ParamName()] = p
	log.Debug().Str("param", p.ParamName()).Msg("Marked parameter as sequence-parallel")
}

// IsSequenceParallel reports whether a parameter with this name was marked.
func (r *Registry) IsSequenceParallel(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.params[name]
	return ok
}

// Parameters returns the marked parameter names in sorted order.
func (r *Registry) Parameters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.params))
	for name := range r.params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Size returns the number of marked parameters.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.params)
}

// AllReduceSum sums per-rank gradients element-wise, the reduction applied to
// sequence-parallel parameters whose gradient each rank computes from its
// own slice of the sequence.
func AllReduceSum(grads [][]float32) ([]float32, error) {
	if len(grads) == 0 {
		return nil, fmt.Errorf("all-reduce: no gradients")
	}
	out := make([]float32, len(grads[0]))
	for rank, g := range grads {
		if len(g) != len(out) {
			return nil, fmt.Errorf("all-reduce: rank %d has %d elements, want %d", rank, len(g), len(out))
		}
		simd.VecAdd(out, g)
	}
	return out, nil
}
