// Package scenario keeps the named journeys the CLI can run.
package scenario

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"yqhp/load-engine/internal/vu"
)

// ErrUnknownScenario 场景未注册
var ErrUnknownScenario = errors.New("unknown scenario")

// Params sizes a journey.
type Params struct {
	Wallets      int
	Transactions int
	Debts        int
	Password     string
	// ThinkTime 步骤之间的停顿基数，长步骤停顿 2 倍
	ThinkTime time.Duration
}

// Factory builds a Scenario from params.
type Factory func(p Params) vu.Scenario

// Registry 场景注册表
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get 获取场景工厂
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Has 是否已注册
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the named scenario.
func (r *Registry) New(name string, p Params) (vu.Scenario, error) {
	f, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownScenario, name, r.List())
	}
	s := f(p)
	if s == nil {
		return nil, fmt.Errorf("scenario %q: factory returned nil", name)
	}
	return s, nil
}

// DefaultRegistry 全局注册表，场景包在 init 中注册
var DefaultRegistry = NewRegistry()

// Register adds a factory to DefaultRegistry.
func Register(name string, f Factory) {
	DefaultRegistry.Register(name, f)
}

// Get 从默认注册表获取
func Get(name string) (Factory, bool) {
	return DefaultRegistry.Get(name)
}

// List 列出默认注册表中的场景
func List() []string {
	return DefaultRegistry.List()
}

// New 从默认注册表构建场景
func New(name string, p Params) (vu.Scenario, error) {
	return DefaultRegistry.New(name, p)
}
