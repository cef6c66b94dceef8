package execution

import (
	"fmt"
	"slices"
	"sync"

	"yqhp/load-engine/pkg/types"
)

// Factory 创建一个新的模式实例；每次运行都需要新实例
type Factory func() Mode

// builtinModes 内置的执行模式
var builtinModes = map[types.ExecutionMode]Factory{
	types.ModePerVUIterations:     func() Mode { return NewPerVUIterationsMode() },
	types.ModeSharedIterations:    func() Mode { return NewSharedIterationsMode() },
	types.ModeConstantVUs:         func() Mode { return NewConstantVUsMode() },
	types.ModeRampingVUs:          func() Mode { return NewRampingVUsMode() },
	types.ModeConstantArrivalRate: func() Mode { return NewConstantArrivalRateMode() },
}

// Registry maps executor names to mode factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[types.ExecutionMode]Factory
}

// NewRegistry returns a registry holding every builtin mode.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[types.ExecutionMode]Factory, len(builtinModes))}
	for name, f := range builtinModes {
		r.factories[name] = f
	}
	return r
}

// Register adds or replaces a mode.
func (r *Registry) Register(mode types.ExecutionMode, factory Factory) {
	r.mu.Lock()
	r.factories[mode] = factory
	r.mu.Unlock()
}

// Get returns a fresh instance of mode. An empty name selects
// per-vu-iterations.
func (r *Registry) Get(mode types.ExecutionMode) (Mode, error) {
	mode = Resolve(mode)
	r.mu.RLock()
	factory, ok := r.factories[mode]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return factory(), nil
}

// Has reports whether mode is registered.
func (r *Registry) Has(mode types.ExecutionMode) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[Resolve(mode)]
	return ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []types.ExecutionMode {
	r.mu.RLock()
	names := make([]types.ExecutionMode, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Resolve 空名称对应 per-vu-iterations
func Resolve(mode types.ExecutionMode) types.ExecutionMode {
	if mode == "" {
		return types.ModePerVUIterations
	}
	return mode
}

// DefaultRegistry 全局执行模式注册表
var DefaultRegistry = NewRegistry()
