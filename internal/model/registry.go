package model

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/samcharles93/strata/internal/mcfstore"
)

var (
	ErrUnsupportedArchitecture = errors.New("model: unsupported architecture")
	ErrMissingHyperparam       = errors.New("model: missing hyperparameter")
)

// UnsupportedArchitectureError reports a tag no registered adapter handles.
type UnsupportedArchitectureError struct {
	Arch  string
	Known []string
}

func (e *UnsupportedArchitectureError) Error() string {
	return fmt.Sprintf("model: unsupported architecture %q (registered: %s)", e.Arch, strings.Join(e.Known, ", "))
}

func (e *UnsupportedArchitectureError) Is(target error) bool {
	return target == ErrUnsupportedArchitecture
}

// Registry maps architecture tags to adapters. It is populated explicitly by
// the program that owns it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds a, replacing any adapter with the same tag.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Arch())] = a
}

func (r *Registry) Lookup(arch string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(arch))]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnsupportedArchitectureError{Arch: arch, Known: r.Archs()}
	}
	return a, nil
}

// Archs returns the registered tags in sorted order.
func (r *Registry) Archs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Load dispatches f to the adapter for its architecture tag after checking
// the adapter's required hyperparameters.
func (r *Registry) Load(f *mcfstore.File) (Model, error) {
	a, err := r.Lookup(f.Arch())
	if err != nil {
		return nil, err
	}
	hp := f.Hyperparams()
	for _, key := range a.Required() {
		if !hp.Has(key) {
			return nil, fmt.Errorf("%w: %s requires %q", ErrMissingHyperparam, a.Arch(), key)
		}
	}
	m, err := a.Load(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", a.Arch(), err)
	}
	return m, nil
}

// BaseRequired are the keys every adapter needs.
var BaseRequired = []string{"layer_count", "embedding_length", "head_count", "context_length"}

// Required joins BaseRequired with family-specific keys.
func Required(extra ...string) []string {
	return slices.Concat(BaseRequired, extra)
}
